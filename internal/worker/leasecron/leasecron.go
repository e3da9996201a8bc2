// Package leasecron runs the two background timers around shared provider
// keys: expiring stale leases (and disabling the agents that ride on them)
// and syncing spend figures from the billing provider.
package leasecron

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mcarata/blueprints/internal/worker/billing"
	"github.com/mcarata/blueprints/internal/worker/store"
)

// expiredLeaseMessage lands in the actual state of every agent whose lease
// ran out; the dashboard shows it verbatim.
const expiredLeaseMessage = "Shared API key lease has expired. Agent stopped automatically."

// Billing lists provisioned keys with their current usage.
type Billing interface {
	ListKeys(ctx context.Context) ([]billing.Key, error)
}

// Store is the slice of the state store the cron needs.
type Store interface {
	ExpiredActiveLeases(ctx context.Context, now time.Time) ([]store.Lease, error)
	MarkLeasesExpired(ctx context.Context, ids []string) error
	AgentsUsingLease(ctx context.Context, leaseID string) ([]string, error)
	MarkActualError(ctx context.Context, agentID, message string) error
	SetDesiredEnabled(ctx context.Context, agentID string, enabled bool) error
	ListManagedKeys(ctx context.Context, provider string) ([]store.ManagedKey, error)
	UpdateKeyLimit(ctx context.Context, keyID string, limitUSD *float64) error
	ActiveLeaseForKey(ctx context.Context, keyID string) (*store.Lease, error)
	UpdateLeaseUsage(ctx context.Context, leaseID string, usageUSD float64) error
}

// Cron owns the expiry and usage-sync timers. A nil billing client turns
// the sync into a logged no-op; lease expiry runs regardless.
type Cron struct {
	store          Store
	billing        Billing
	expiryInterval time.Duration
	syncInterval   time.Duration
	clock          func() time.Time
}

// New builds the cron.
func New(st Store, bc Billing, expiryInterval, syncInterval time.Duration) *Cron {
	return &Cron{
		store:          st,
		billing:        bc,
		expiryInterval: expiryInterval,
		syncInterval:   syncInterval,
		clock:          time.Now,
	}
}

// Run drives both timers until the context is canceled. Both fire once
// immediately so a restart does not leave expired leases live for a full
// interval.
func (c *Cron) Run(ctx context.Context) {
	slog.Info("lease cron started", "expiry_interval", c.expiryInterval, "sync_interval", c.syncInterval)

	expiry := time.NewTicker(c.expiryInterval)
	defer expiry.Stop()
	sync := time.NewTicker(c.syncInterval)
	defer sync.Stop()

	c.runExpiry(ctx)
	c.runSync(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("lease cron stopped")
			return
		case <-expiry.C:
			c.runExpiry(ctx)
		case <-sync.C:
			c.runSync(ctx)
		}
	}
}

func (c *Cron) runExpiry(ctx context.Context) {
	if err := c.ExpireLeases(ctx); err != nil {
		slog.Error("lease expiry sweep", "error", err)
	}
}

func (c *Cron) runSync(ctx context.Context) {
	if err := c.SyncUsage(ctx); err != nil {
		slog.Error("usage sync", "error", err)
	}
}

// ExpireLeases marks overdue active leases expired and shuts down every
// enabled agent referencing one: error actual-state first, then the
// desired enabled=false flip that makes the next reconciliation tick stop
// the container. This is the only path that disables an agent without an
// operator action.
func (c *Cron) ExpireLeases(ctx context.Context) error {
	leases, err := c.store.ExpiredActiveLeases(ctx, c.clock())
	if err != nil {
		return err
	}
	if len(leases) == 0 {
		return nil
	}

	ids := make([]string, len(leases))
	for i, l := range leases {
		ids[i] = l.ID
	}
	if err := c.store.MarkLeasesExpired(ctx, ids); err != nil {
		return err
	}
	slog.Info("expired leases", "count", len(ids), "lease_ids", ids)

	for _, leaseID := range ids {
		agents, err := c.store.AgentsUsingLease(ctx, leaseID)
		if err != nil {
			slog.Error("find agents for lease", "lease_id", leaseID, "error", err)
			continue
		}
		for _, agentID := range agents {
			slog.Info("disabling agent, lease expired", "agent_id", agentID, "lease_id", leaseID)
			if err := c.store.MarkActualError(ctx, agentID, expiredLeaseMessage); err != nil {
				slog.Error("record lease expiry error", "agent_id", agentID, "error", err)
			}
			if err := c.store.SetDesiredEnabled(ctx, agentID, false); err != nil {
				slog.Error("disable agent", "agent_id", agentID, "error", err)
			}
		}
	}
	return nil
}

// SyncUsage pulls spend and limit figures from the billing provider and
// writes them onto the managed keys and their active leases. Keys are
// matched by label against the provider-side key name.
func (c *Cron) SyncUsage(ctx context.Context) error {
	if c.billing == nil {
		slog.Warn("no billing management key configured, skipping usage sync")
		return nil
	}

	providerKeys, err := c.billing.ListKeys(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]billing.Key, len(providerKeys))
	for _, k := range providerKeys {
		byName[k.Name] = k
	}

	managed, err := c.store.ListManagedKeys(ctx, "openrouter")
	if err != nil {
		return err
	}

	for _, dbKey := range managed {
		pk, ok := byName[dbKey.Label]
		if !ok {
			continue
		}

		if err := c.store.UpdateKeyLimit(ctx, dbKey.ID, pk.Limit); err != nil {
			slog.Error("update key limit", "key_id", dbKey.ID, "error", err)
			continue
		}

		lease, err := c.store.ActiveLeaseForKey(ctx, dbKey.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Error("lookup active lease", "key_id", dbKey.ID, "error", err)
			}
			continue
		}
		if err := c.store.UpdateLeaseUsage(ctx, lease.ID, pk.Usage); err != nil {
			slog.Error("update lease usage", "lease_id", lease.ID, "error", err)
		}
	}

	slog.Info("usage sync completed", "provider_keys", len(providerKeys), "managed_keys", len(managed))
	return nil
}
