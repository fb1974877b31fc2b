package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateMessage is returned by Insert when the agent already has a
// message with the same id.
var ErrDuplicateMessage = errors.New("duplicate message id")

// DefaultUserID owns messages stored or queried without a user.
const DefaultUserID = "default"

func userOrDefault(userID string) string {
	if userID == "" {
		return DefaultUserID
	}
	return userID
}

// Message is one stored chat message. Content and Metadata are stored as the
// JSON the client sent.
type Message struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	UserID    string          `json:"user_id,omitempty"`
	Source    string          `json:"source"`
	Content   json.RawMessage `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MessageStore provides operations on the chat_messages table.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Insert stores m. A zero CreatedAt is set to now and an empty UserID to
// DefaultUserID.
func (s *MessageStore) Insert(ctx context.Context, m *Message) error {
	m.UserID = userOrDefault(m.UserID)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var metadata any
	if len(m.Metadata) > 0 {
		metadata = string(m.Metadata)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, agent_id, user_id, source, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id, id) DO NOTHING`,
		m.ID, m.AgentID, m.UserID, m.Source, string(m.Content), metadata, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("insert message %s: %w", m.ID, ErrDuplicateMessage)
	}
	return nil
}

// List returns up to limit messages of one user's conversation with agentID
// older than before (or the newest when before is nil), newest first, and
// whether older ones remain.
func (s *MessageStore) List(ctx context.Context, agentID, userID string, before *time.Time, limit int) ([]*Message, bool, error) {
	cutoff := int64(1<<63 - 1)
	if before != nil {
		cutoff = before.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, user_id, source, content, metadata, created_at
		 FROM chat_messages WHERE agent_id = ? AND user_id = ? AND created_at < ?
		 ORDER BY created_at DESC, seq DESC LIMIT ?`,
		agentID, userOrDefault(userID), cutoff, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// Recent returns the last n messages of a conversation, oldest first.
func (s *MessageStore) Recent(ctx context.Context, agentID, userID string, n int) ([]*Message, error) {
	msgs, _, err := s.List(ctx, agentID, userID, nil, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteConversation removes one user's messages with agentID.
func (s *MessageStore) DeleteConversation(ctx context.Context, agentID, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE agent_id = ? AND user_id = ?`,
		agentID, userOrDefault(userID))
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored messages.
func (s *MessageStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	var userID, metadata sql.NullString
	var content string
	var createdAt int64

	if err := s.Scan(&m.ID, &m.AgentID, &userID, &m.Source, &content, &metadata, &createdAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.UserID = userID.String
	m.Content = json.RawMessage(content)
	if metadata.Valid && metadata.String != "" {
		m.Metadata = json.RawMessage(metadata.String)
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &m, nil
}

type scanner interface {
	Scan(dest ...any) error
}
