// Package legacy moves conversations kept in the console's old local database
// into the kernel's message store.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/agentconsole/internal/chat"
	"github.com/mattjoyce/agentconsole/internal/store"
)

// Migrator implements chat.Migrator over a LegacyStore.
type Migrator struct {
	legacy *store.LegacyStore
	target chat.Store
	userID string
	logger *slog.Logger
}

// NewMigrator creates a Migrator that posts into target on behalf of userID.
func NewMigrator(legacy *store.LegacyStore, target chat.Store, userID string, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{legacy: legacy, target: target, userID: userID, logger: logger}
}

// Migrate posts agentID's legacy messages oldest first, then removes them
// locally and records the migration. Calling it again for a migrated agent
// does nothing. A failure part way leaves the local rows in place; messages
// already posted are skipped as duplicates on the next attempt.
func (m *Migrator) Migrate(ctx context.Context, agentID string) error {
	done, err := m.legacy.Migrated(ctx, agentID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	msgs, err := m.legacy.ListByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	for _, lm := range msgs {
		msg := chat.Message{
			ID:        lm.ID,
			AgentID:   agentID,
			Source:    sourceFor(lm.Role),
			Content:   chat.TextBlocks(lm.Content),
			Metadata:  map[string]any{"migrated": true},
			CreatedAt: lm.CreatedAt,
		}
		if msg.Source == chat.SourceUser {
			msg.UserID = m.userID
		}
		if err := m.target.PostMessage(ctx, agentID, msg); err != nil && !errors.Is(err, chat.ErrDuplicateMessage) {
			return fmt.Errorf("migrate message %s: %w", lm.ID, err)
		}
	}

	if err := m.legacy.Complete(ctx, agentID, len(msgs)); err != nil {
		return err
	}
	m.logger.Info("legacy conversation migrated", "agent_id", agentID, "messages", len(msgs))
	return nil
}

func sourceFor(role string) chat.Source {
	switch role {
	case "assistant", "agent":
		return chat.SourceAgent
	case "system":
		return chat.SourceSystem
	default:
		return chat.SourceUser
	}
}
