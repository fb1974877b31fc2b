package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LegacyMessage is a conversation entry in the pre-kernel local format.
type LegacyMessage struct {
	ID        string
	AgentID   string
	Role      string
	Content   string
	CreatedAt time.Time
}

// LegacyStore provides access to the legacy_messages and legacy_migrations
// tables of the console's local database.
type LegacyStore struct {
	db *sql.DB
}

// NewLegacyStore creates a new LegacyStore.
func NewLegacyStore(db *sql.DB) *LegacyStore {
	return &LegacyStore{db: db}
}

// Insert stores a legacy message.
func (s *LegacyStore) Insert(ctx context.Context, m LegacyMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO legacy_messages (id, agent_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, m.Role, m.Content, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert legacy message: %w", err)
	}
	return nil
}

// ListByAgent returns the legacy messages for agentID, oldest first.
func (s *LegacyStore) ListByAgent(ctx context.Context, agentID string) ([]LegacyMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, role, content, created_at FROM legacy_messages
		 WHERE agent_id = ? ORDER BY created_at ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list legacy messages: %w", err)
	}
	defer rows.Close()

	var out []LegacyMessage
	for rows.Next() {
		var m LegacyMessage
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan legacy message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Migrated reports whether agentID's legacy conversation was already moved.
func (s *LegacyStore) Migrated(ctx context.Context, agentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM legacy_migrations WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check legacy migration: %w", err)
	}
	return n > 0, nil
}

// Complete deletes agentID's legacy messages and records the migration in one
// transaction.
func (s *LegacyStore) Complete(ctx context.Context, agentID string, migrated int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin legacy migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM legacy_messages WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete legacy messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO legacy_migrations (agent_id, migrated, migrated_at) VALUES (?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET migrated = excluded.migrated, migrated_at = excluded.migrated_at`,
		agentID, migrated, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record legacy migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit legacy migration: %w", err)
	}
	return nil
}
