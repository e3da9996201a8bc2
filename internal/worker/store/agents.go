package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Agent is one row of the agents table. Identity is immutable once handlers
// have provisioned it: the id is baked into container names and host paths.
type Agent struct {
	ID        string
	Name      string
	Framework string
	ProjectID sql.NullString
	Tier      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DesiredState is the operator-declared target for one agent. The worker
// only ever reads it, except for the lease cron's enabled=false safety flip.
type DesiredState struct {
	AgentID  string
	Enabled  bool
	Config   json.RawMessage
	Metadata json.RawMessage
	PurgeAt  sql.NullTime
}

// ActualState is the last-observed reality for one agent, written
// exclusively by this worker.
type ActualState struct {
	AgentID      string
	Status       string
	EndpointURL  sql.NullString
	ErrorMessage sql.NullString
	Version      sql.NullString
	RuntimeID    sql.NullString
	LastSync     sql.NullTime
}

// AgentRecord joins an agent with its desired and actual state. Desired or
// Actual may be nil when the companion row has not been created yet.
type AgentRecord struct {
	Agent
	Desired *DesiredState
	Actual  *ActualState
}

// CreateAgent inserts a new agent together with empty desired/actual rows.
// In production this is the admin API's job; the worker uses it in tests.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Tier == "" {
		agent.Tier = "free"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, name, framework, project_id, tier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.Framework, agent.ProjectID, agent.Tier, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_desired_state (agent_id, enabled, config, metadata, updated_at)
		VALUES (?, 0, '{}', '{}', ?)
	`, agent.ID, now)
	if err != nil {
		return fmt.Errorf("insert desired state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_actual_state (agent_id, status, updated_at)
		VALUES (?, 'stopped', ?)
	`, agent.ID, now)
	if err != nil {
		return fmt.Errorf("insert actual state: %w", err)
	}

	return tx.Commit()
}

// GetAgent retrieves one agent row by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent := &Agent{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, framework, project_id, tier, created_at, updated_at
		FROM agents WHERE id = ?
	`, id).Scan(&agent.ID, &agent.Name, &agent.Framework, &agent.ProjectID,
		&agent.Tier, &agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// GetAgentRecord retrieves one agent joined with desired and actual state.
func (s *Store) GetAgentRecord(ctx context.Context, id string) (*AgentRecord, error) {
	records, err := s.queryRecords(ctx, "WHERE a.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return records[0], nil
}

// ListAgentRecords returns every agent joined with its desired and actual
// state, the shape one reconciliation tick works from.
func (s *Store) ListAgentRecords(ctx context.Context) ([]*AgentRecord, error) {
	return s.queryRecords(ctx, "")
}

func (s *Store) queryRecords(ctx context.Context, where string, args ...any) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.framework, a.project_id, a.tier, a.created_at, a.updated_at,
		       d.agent_id, d.enabled, d.config, d.metadata, d.purge_at,
		       s.agent_id, s.status, s.endpoint_url, s.error_message, s.version, s.runtime_id, s.last_sync
		FROM agents a
		LEFT JOIN agent_desired_state d ON d.agent_id = a.id
		LEFT JOIN agent_actual_state s ON s.agent_id = a.id
		`+where+`
		ORDER BY a.created_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent records: %w", err)
	}
	defer rows.Close()

	var records []*AgentRecord
	for rows.Next() {
		rec := &AgentRecord{}
		var (
			dID      sql.NullString
			dEnabled sql.NullBool
			dConfig  sql.NullString
			dMeta    sql.NullString
			dPurge   sql.NullTime
			sID      sql.NullString
			sStatus  sql.NullString
			actual   ActualState
		)
		err := rows.Scan(
			&rec.ID, &rec.Name, &rec.Framework, &rec.ProjectID, &rec.Tier, &rec.CreatedAt, &rec.UpdatedAt,
			&dID, &dEnabled, &dConfig, &dMeta, &dPurge,
			&sID, &sStatus, &actual.EndpointURL, &actual.ErrorMessage,
			&actual.Version, &actual.RuntimeID, &actual.LastSync,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent record: %w", err)
		}
		if dID.Valid {
			rec.Desired = &DesiredState{
				AgentID:  dID.String,
				Enabled:  dEnabled.Bool,
				Config:   json.RawMessage(dConfig.String),
				Metadata: json.RawMessage(dMeta.String),
				PurgeAt:  dPurge,
			}
		}
		if sID.Valid {
			actual.AgentID = sID.String
			actual.Status = sStatus.String
			rec.Actual = &actual
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent records: %w", err)
	}
	return records, nil
}

// DeleteAgent removes an agent; desired/actual rows cascade.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// EnabledAgentsInProject counts other enabled agents of the given framework
// in the same project. Shared-container stop paths use this to decide
// whether the container still has tenants.
func (s *Store) EnabledAgentsInProject(ctx context.Context, projectID, framework, excludeAgentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM agents a
		JOIN agent_desired_state d ON d.agent_id = a.id
		WHERE a.project_id = ? AND a.framework = ? AND a.id != ? AND d.enabled = 1
	`, projectID, framework, excludeAgentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count project agents: %w", err)
	}
	return count, nil
}

// SetDesiredEnabled flips the desired power state. The worker itself only
// calls this from the lease cron, the sole path allowed to disable an agent
// without operator action.
func (s *Store) SetDesiredEnabled(ctx context.Context, agentID string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_desired_state SET enabled = ?, updated_at = ? WHERE agent_id = ?
	`, enabled, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update desired enabled: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// SetDesiredState replaces the operator-declared desired row (test/admin aid).
func (s *Store) SetDesiredState(ctx context.Context, d *DesiredState) error {
	config := string(d.Config)
	if config == "" {
		config = "{}"
	}
	metadata := string(d.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_desired_state (agent_id, enabled, config, metadata, purge_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			enabled = excluded.enabled,
			config = excluded.config,
			metadata = excluded.metadata,
			purge_at = excluded.purge_at,
			updated_at = excluded.updated_at
	`, d.AgentID, d.Enabled, config, metadata, d.PurgeAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set desired state: %w", err)
	}
	return nil
}

// SetActualStatus records a bare status transition (starting/stopping), the
// optimistic visible-to-UI write handlers make before doing real work.
func (s *Store) SetActualStatus(ctx context.Context, agentID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_actual_state (agent_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`, agentID, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set actual status: %w", err)
	}
	return nil
}

// SetActualEndpoint records the reachable endpoint URL for a running agent.
func (s *Store) SetActualEndpoint(ctx context.Context, agentID, endpointURL string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_actual_state (agent_id, status, endpoint_url, updated_at)
		VALUES (?, 'starting', ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			endpoint_url = excluded.endpoint_url,
			updated_at = excluded.updated_at
	`, agentID, endpointURL, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set actual endpoint: %w", err)
	}
	return nil
}

// MarkActualRunning records a successful start: status running, fresh
// last_sync, detected runtime version, any previous error cleared.
func (s *Store) MarkActualRunning(ctx context.Context, agentID, version string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_actual_state (agent_id, status, version, last_sync, updated_at)
		VALUES (?, 'running', ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = 'running',
			version = excluded.version,
			last_sync = excluded.last_sync,
			error_message = NULL,
			updated_at = excluded.updated_at
	`, agentID, version, now, now)
	if err != nil {
		return fmt.Errorf("failed to mark agent running: %w", err)
	}
	return nil
}

// MarkActualStopped records a stopped agent with its endpoint cleared.
func (s *Store) MarkActualStopped(ctx context.Context, agentID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_actual_state (agent_id, status, last_sync, updated_at)
		VALUES (?, 'stopped', ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = 'stopped',
			endpoint_url = NULL,
			last_sync = excluded.last_sync,
			updated_at = excluded.updated_at
	`, agentID, now, now)
	if err != nil {
		return fmt.Errorf("failed to mark agent stopped: %w", err)
	}
	return nil
}

// MarkActualError records a failed lifecycle action with its cause.
func (s *Store) MarkActualError(ctx context.Context, agentID, message string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_actual_state (agent_id, status, error_message, last_sync, updated_at)
		VALUES (?, 'error', ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = 'error',
			error_message = excluded.error_message,
			last_sync = excluded.last_sync,
			updated_at = excluded.updated_at
	`, agentID, message, now, now)
	if err != nil {
		return fmt.Errorf("failed to mark agent error: %w", err)
	}
	return nil
}

// AgentCount returns the number of agents, for the status endpoint.
func (s *Store) AgentCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agents").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return count, nil
}
