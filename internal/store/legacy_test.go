package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/agentconsole/internal/storage"
)

func TestLegacyStoreListAndComplete(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "legacy.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := NewLegacyStore(db)

	now := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	for i, m := range []LegacyMessage{
		{ID: "b", AgentID: "scout", Role: "assistant", Content: "second", CreatedAt: now.Add(time.Minute)},
		{ID: "a", AgentID: "scout", Role: "user", Content: "first", CreatedAt: now},
		{ID: "z", AgentID: "other", Role: "user", Content: "elsewhere", CreatedAt: now},
	} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := s.ListByAgent(ctx, "scout")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("list = %+v, want a then b", got)
	}

	done, err := s.Migrated(ctx, "scout")
	if err != nil || done {
		t.Fatalf("migrated before complete = %v, %v", done, err)
	}
	if err := s.Complete(ctx, "scout", len(got)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Complete(ctx, "scout", 0); err != nil {
		t.Fatalf("second complete: %v", err)
	}

	done, err = s.Migrated(ctx, "scout")
	if err != nil || !done {
		t.Fatalf("migrated after complete = %v, %v", done, err)
	}
	got, err = s.ListByAgent(ctx, "scout")
	if err != nil || len(got) != 0 {
		t.Fatalf("list after complete = %+v, %v", got, err)
	}
	other, err := s.ListByAgent(ctx, "other")
	if err != nil || len(other) != 1 {
		t.Fatalf("other agent untouched = %+v, %v", other, err)
	}
}
