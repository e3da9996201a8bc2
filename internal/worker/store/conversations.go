package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message senders.
const (
	SenderUser  = "user"
	SenderAgent = "agent"
)

// Message is one row of agent_conversations. Seq is the store-assigned
// monotonic position the message bus uses as its poll cursor.
type Message struct {
	Seq       int64
	ID        string
	AgentID   string
	UserID    string
	Sender    string
	Content   string
	CreatedAt time.Time
}

// InsertMessage appends a conversation message. A missing ID gets a fresh
// UUID; Seq is filled in from the insert.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_conversations (id, agent_id, user_id, sender, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.AgentID, m.UserID, m.Sender, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	m.Seq, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message seq: %w", err)
	}
	return nil
}

// LatestSeq returns the highest assigned message seq, or 0 for an empty table.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM agent_conversations").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest seq: %w", err)
	}
	return seq, nil
}

// UserMessagesAfter returns user-authored messages with seq greater than
// afterSeq, oldest first. This is the bus's poll query.
func (s *Store) UserMessagesAfter(ctx context.Context, afterSeq int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, agent_id, user_id, sender, content, created_at
		FROM agent_conversations
		WHERE sender = ? AND seq > ?
		ORDER BY seq
	`, SenderUser, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query user messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.ID, &m.AgentID, &m.UserID, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetSession returns the durable remote session id for (agent, user).
func (s *Store) GetSession(ctx context.Context, agentID, userID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT eliza_session_id FROM agent_sessions WHERE agent_id = ? AND user_id = ?
	`, agentID, userID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("session for agent %s user %s: %w", agentID, userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	return sessionID, nil
}

// SaveSession records the remote session id for (agent, user), replacing
// any previous mapping.
func (s *Store) SaveSession(ctx context.Context, agentID, userID, projectID, sessionID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (agent_id, user_id, project_id, eliza_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, user_id) DO UPDATE SET
			eliza_session_id = excluded.eliza_session_id,
			project_id = excluded.project_id,
			updated_at = excluded.updated_at
	`, agentID, userID, nullIfEmpty(projectID), sessionID, now, now)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// DeleteSessionByRemoteID drops every mapping holding a stale remote session
// id, forcing recreation on the next message.
func (s *Store) DeleteSessionByRemoteID(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_sessions WHERE eliza_session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
