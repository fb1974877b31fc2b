package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/agentconsole/internal/storage"
)

func openTestDB(t *testing.T) *MessageStore {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewMessageStore(db)
}

var base = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func insertN(t *testing.T, s *MessageStore, agent string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.Insert(context.Background(), &Message{
			ID:        fmt.Sprintf("m%02d", i),
			AgentID:   agent,
			Source:    "user",
			Content:   json.RawMessage(fmt.Sprintf(`[{"type":"text","text":"msg %d"}]`, i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
}

func TestMessageStoreListsNewestFirstWithCursor(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)
	insertN(t, s, "scout", 5)
	insertN(t, s, "other", 2)

	page, more, err := s.List(ctx, "scout", DefaultUserID, nil, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !more || len(page) != 2 || page[0].ID != "m04" || page[1].ID != "m03" {
		t.Fatalf("first page = %v more=%v", ids(page), more)
	}

	before := page[1].CreatedAt
	page, more, err = s.List(ctx, "scout", "", &before, 10)
	if err != nil {
		t.Fatalf("list before: %v", err)
	}
	if more || len(page) != 3 || page[0].ID != "m02" || page[2].ID != "m00" {
		t.Fatalf("second page = %v more=%v", ids(page), more)
	}
	if string(page[2].Content) != `[{"type":"text","text":"msg 0"}]` {
		t.Fatalf("content = %s", page[2].Content)
	}
	if !page[2].CreatedAt.Equal(base) {
		t.Fatalf("created_at = %v, want %v", page[2].CreatedAt, base)
	}
}

func TestMessageStoreRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)
	insertN(t, s, "scout", 1)

	err := s.Insert(ctx, &Message{ID: "m00", AgentID: "scout", Source: "agent", Content: json.RawMessage(`[]`)})
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("duplicate insert err = %v, want ErrDuplicateMessage", err)
	}

	// The same id under a different agent is a different message.
	if err := s.Insert(ctx, &Message{ID: "m00", AgentID: "other", Source: "agent", Content: json.RawMessage(`[]`)}); err != nil {
		t.Fatalf("insert for other agent: %v", err)
	}
}

func TestMessageStoreConcurrentDuplicateInserts(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Insert(ctx, &Message{ID: "same", AgentID: "scout", Source: "user", Content: json.RawMessage(`[]`)})
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateMessage):
		default:
			t.Fatalf("unexpected insert error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful inserts = %d, want 1", ok)
	}
}

func TestMessageStoreRecentAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)
	insertN(t, s, "scout", 4)

	recent, err := s.Recent(ctx, "scout", "", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "m02" || recent[1].ID != "m03" {
		t.Fatalf("recent = %v, want [m02 m03]", ids(recent))
	}

	n, err := s.DeleteConversation(ctx, "scout", DefaultUserID)
	if err != nil || n != 4 {
		t.Fatalf("delete = %d, %v", n, err)
	}
	count, err := s.Count(ctx)
	if err != nil || count != 0 {
		t.Fatalf("count = %d, %v", count, err)
	}
}

func TestMessageStoreScopesByUser(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)
	for i, user := range []string{"alice", "bob", "alice"} {
		err := s.Insert(ctx, &Message{
			ID:        fmt.Sprintf("u%d", i),
			AgentID:   "scout",
			UserID:    user,
			Source:    "user",
			Content:   json.RawMessage(`[]`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	page, more, err := s.List(ctx, "scout", "alice", nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if more || len(page) != 2 || page[0].ID != "u2" || page[1].ID != "u0" {
		t.Fatalf("alice page = %v more=%v", ids(page), more)
	}
	if page, _, _ := s.List(ctx, "scout", "", nil, 10); len(page) != 0 {
		t.Fatalf("default user sees %v", ids(page))
	}

	n, err := s.DeleteConversation(ctx, "scout", "alice")
	if err != nil || n != 2 {
		t.Fatalf("delete alice = %d, %v", n, err)
	}
	page, _, err = s.List(ctx, "scout", "bob", nil, 10)
	if err != nil || len(page) != 1 || page[0].ID != "u1" {
		t.Fatalf("bob page after delete = %v, %v", ids(page), err)
	}
}

func ids(msgs []*Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
