package chat

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Source identifies who authored a message.
type Source string

const (
	SourceUser   Source = "user"
	SourceAgent  Source = "agent"
	SourceSystem Source = "system"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceUser, SourceAgent, SourceSystem:
		return true
	}
	return false
}

// Block is one content element of a message.
type Block struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
}

// Message is one entry in a conversation.
type Message struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	UserID    string         `json:"user_id,omitempty"`
	Source    Source         `json:"source"`
	Content   []Block        `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TextBlocks wraps s in a single text block.
func TextBlocks(s string) []Block {
	return []Block{{Type: "text", Text: s}}
}

// Text joins the text and code blocks of m.
func (m Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "code":
			parts = append(parts, "```"+b.Language+"\n"+b.Text+"\n```")
		case "image":
			parts = append(parts, "[image] "+b.URL)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Page is one slice of history, newest first.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

var (
	// ErrEmptyInput is returned by Send for blank input.
	ErrEmptyInput = errors.New("message is empty")
	// ErrBusy is returned by Send while a response is awaited or revealing.
	ErrBusy = errors.New("a response is still in progress")
	// ErrDuplicateMessage is returned by Store.PostMessage when the id exists.
	ErrDuplicateMessage = errors.New("duplicate message id")
)

// Store persists conversations.
type Store interface {
	// GetMessages returns up to limit messages older than before (or the
	// newest when before is nil), newest first.
	GetMessages(ctx context.Context, agentID string, before *time.Time, limit int) (Page, error)
	PostMessage(ctx context.Context, agentID string, m Message) error
	DeleteMessages(ctx context.Context, agentID string) error
}

// Dispatcher hands a user message to the agent backend. Success means
// accepted, not processed.
type Dispatcher interface {
	Dispatch(ctx context.Context, m Message) error
}

// Migrator moves legacy local conversations into the Store.
type Migrator interface {
	Migrate(ctx context.Context, agentID string) error
}
