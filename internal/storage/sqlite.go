package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	db.SetMaxOpenConns(1)

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			user_id      TEXT,
			source       TEXT NOT NULL,
			content      JSON NOT NULL,
			metadata     JSON,
			created_at   INTEGER NOT NULL,
			UNIQUE (agent_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_agent_created_idx ON chat_messages(agent_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS legacy_messages (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS legacy_messages_agent_idx ON legacy_messages(agent_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS legacy_migrations (
			agent_id     TEXT PRIMARY KEY,
			migrated     INTEGER NOT NULL,
			migrated_at  TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
