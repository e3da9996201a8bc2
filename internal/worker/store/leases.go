package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ManagedKey is a shared provider credential managed by the platform.
type ManagedKey struct {
	ID              string
	Provider        string
	Label           string
	MonthlyLimitUSD sql.NullFloat64
}

// Lease is a time-boxed grant of a managed key to a project.
type Lease struct {
	ID           string
	ManagedKeyID string
	Status       string
	UsageUSD     float64
	ExpiresAt    time.Time
}

// Lease status values.
const (
	LeaseActive  = "active"
	LeaseExpired = "expired"
)

// CreateManagedKey inserts a managed provider key (admin API's job in
// production; used by the worker's tests).
func (s *Store) CreateManagedKey(ctx context.Context, k *ManagedKey) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO managed_provider_keys (id, provider, label, monthly_limit_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, k.ID, k.Provider, k.Label, k.MonthlyLimitUSD, now, now)
	if err != nil {
		return fmt.Errorf("failed to create managed key: %w", err)
	}
	return nil
}

// CreateLease inserts a lease row.
func (s *Store) CreateLease(ctx context.Context, l *Lease) error {
	if l.Status == "" {
		l.Status = LeaseActive
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_leases (id, managed_key_id, status, usage_usd, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.ManagedKeyID, l.Status, l.UsageUSD, l.ExpiresAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	return nil
}

// ExpiredActiveLeases returns leases still marked active whose expiry has
// elapsed.
func (s *Store) ExpiredActiveLeases(ctx context.Context, now time.Time) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, managed_key_id, status, usage_usd, expires_at
		FROM key_leases
		WHERE status = ? AND expires_at < ?
	`, LeaseActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired leases: %w", err)
	}
	defer rows.Close()

	var leases []Lease
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.ID, &l.ManagedKeyID, &l.Status, &l.UsageUSD, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

// MarkLeasesExpired flips the given leases to expired in one statement.
func (s *Store) MarkLeasesExpired(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, LeaseExpired, time.Now())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE key_leases SET status = ?, updated_at = ? WHERE id IN ("+placeholders+")",
		args...)
	if err != nil {
		return fmt.Errorf("failed to expire leases: %w", err)
	}
	return nil
}

// AgentsUsingLease returns the ids of enabled agents whose desired-state
// metadata references the given lease. Metadata is an opaque JSON document,
// so the match is done in Go rather than with SQL JSON functions.
func (s *Store) AgentsUsingLease(ctx context.Context, leaseID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, metadata FROM agent_desired_state WHERE enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query desired state: %w", err)
	}
	defer rows.Close()

	var agentIDs []string
	for rows.Next() {
		var agentID, rawMeta string
		if err := rows.Scan(&agentID, &rawMeta); err != nil {
			return nil, fmt.Errorf("failed to scan desired state: %w", err)
		}
		var meta struct {
			LeaseID string `json:"lease_id"`
		}
		if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
			continue // malformed metadata never blocks the sweep
		}
		if meta.LeaseID == leaseID {
			agentIDs = append(agentIDs, agentID)
		}
	}
	return agentIDs, rows.Err()
}

// ListManagedKeys returns all managed keys for one provider.
func (s *Store) ListManagedKeys(ctx context.Context, provider string) ([]ManagedKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, label, monthly_limit_usd
		FROM managed_provider_keys WHERE provider = ?
	`, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list managed keys: %w", err)
	}
	defer rows.Close()

	var keys []ManagedKey
	for rows.Next() {
		var k ManagedKey
		if err := rows.Scan(&k.ID, &k.Provider, &k.Label, &k.MonthlyLimitUSD); err != nil {
			return nil, fmt.Errorf("failed to scan managed key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKeyLimit records the provider-reported monthly spend limit. A nil
// limit means unlimited.
func (s *Store) UpdateKeyLimit(ctx context.Context, keyID string, limitUSD *float64) error {
	var limit sql.NullFloat64
	if limitUSD != nil {
		limit = sql.NullFloat64{Float64: *limitUSD, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE managed_provider_keys SET monthly_limit_usd = ?, updated_at = ? WHERE id = ?
	`, limit, time.Now(), keyID)
	if err != nil {
		return fmt.Errorf("failed to update key limit: %w", err)
	}
	return nil
}

// ActiveLeaseForKey returns the currently active lease for a managed key.
func (s *Store) ActiveLeaseForKey(ctx context.Context, keyID string) (*Lease, error) {
	l := &Lease{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, managed_key_id, status, usage_usd, expires_at
		FROM key_leases WHERE managed_key_id = ? AND status = ?
	`, keyID, LeaseActive).Scan(&l.ID, &l.ManagedKeyID, &l.Status, &l.UsageUSD, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("active lease for key %s: %w", keyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active lease: %w", err)
	}
	return l, nil
}

// UpdateLeaseUsage records the provider-reported spend for a lease.
func (s *Store) UpdateLeaseUsage(ctx context.Context, leaseID string, usageUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE key_leases SET usage_usd = ?, updated_at = ? WHERE id = ?
	`, usageUSD, time.Now(), leaseID)
	if err != nil {
		return fmt.Errorf("failed to update lease usage: %w", err)
	}
	return nil
}

// GetLease retrieves one lease by id.
func (s *Store) GetLease(ctx context.Context, id string) (*Lease, error) {
	l := &Lease{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, managed_key_id, status, usage_usd, expires_at
		FROM key_leases WHERE id = ?
	`, id).Scan(&l.ID, &l.ManagedKeyID, &l.Status, &l.UsageUSD, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lease %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return l, nil
}
