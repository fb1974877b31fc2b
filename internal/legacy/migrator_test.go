package legacy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agentconsole/internal/chat"
	"github.com/mattjoyce/agentconsole/internal/storage"
	"github.com/mattjoyce/agentconsole/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	posted  []chat.Message
	failOn  string
	present map[string]bool
}

func (s *memStore) GetMessages(context.Context, string, *time.Time, int) (chat.Page, error) {
	return chat.Page{}, nil
}

func (s *memStore) PostMessage(_ context.Context, _ string, m chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == s.failOn {
		return errors.New("kernel unavailable")
	}
	if s.present == nil {
		s.present = map[string]bool{}
	}
	if s.present[m.ID] {
		return chat.ErrDuplicateMessage
	}
	s.present[m.ID] = true
	s.posted = append(s.posted, m)
	return nil
}

func (s *memStore) DeleteMessages(context.Context, string) error { return nil }

func newLegacy(t *testing.T) *store.LegacyStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewLegacyStore(db)
}

func seed(t *testing.T, ls *store.LegacyStore) {
	t.Helper()
	now := time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC)
	for _, m := range []store.LegacyMessage{
		{ID: "l2", AgentID: "scout", Role: "assistant", Content: "hello operator", CreatedAt: now.Add(time.Second)},
		{ID: "l1", AgentID: "scout", Role: "user", Content: "hi", CreatedAt: now},
		{ID: "l3", AgentID: "scout", Role: "user", Content: "status?", CreatedAt: now.Add(2 * time.Second)},
	} {
		require.NoError(t, ls.Insert(context.Background(), m))
	}
}

func TestMigratePostsOldestFirstOnce(t *testing.T) {
	ctx := context.Background()
	ls := newLegacy(t)
	seed(t, ls)
	target := &memStore{}
	m := NewMigrator(ls, target, "operator", nil)

	require.NoError(t, m.Migrate(ctx, "scout"))
	require.Len(t, target.posted, 3)
	assert.Equal(t, "l1", target.posted[0].ID)
	assert.Equal(t, chat.SourceUser, target.posted[0].Source)
	assert.Equal(t, "operator", target.posted[0].UserID)
	assert.Equal(t, chat.SourceAgent, target.posted[1].Source)
	assert.Empty(t, target.posted[1].UserID)
	assert.Equal(t, "hello operator", target.posted[1].Text())

	left, err := ls.ListByAgent(ctx, "scout")
	require.NoError(t, err)
	assert.Empty(t, left)

	require.NoError(t, m.Migrate(ctx, "scout"))
	assert.Len(t, target.posted, 3)
}

func TestMigrateResumesAfterFailure(t *testing.T) {
	ctx := context.Background()
	ls := newLegacy(t)
	seed(t, ls)
	target := &memStore{failOn: "l3"}
	m := NewMigrator(ls, target, "operator", nil)

	require.Error(t, m.Migrate(ctx, "scout"))
	done, err := ls.Migrated(ctx, "scout")
	require.NoError(t, err)
	assert.False(t, done)

	target.failOn = ""
	require.NoError(t, m.Migrate(ctx, "scout"))
	require.Len(t, target.posted, 3)
	assert.Equal(t, "l3", target.posted[2].ID)
}

func TestMigrateWithNoLegacyData(t *testing.T) {
	ctx := context.Background()
	target := &memStore{}
	m := NewMigrator(newLegacy(t), target, "operator", nil)

	require.NoError(t, m.Migrate(ctx, "fresh"))
	assert.Empty(t, target.posted)
}
