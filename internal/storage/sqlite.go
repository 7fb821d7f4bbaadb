// Package storage opens the bot's SQLite database and checks that
// on-disk state lives on a local filesystem.
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
	if err := CheckLocalFilesystem(path, "state.path"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; modernc serialises anyway and this keeps
	// busy errors out of concurrent acquisitions.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
  id            INTEGER PRIMARY KEY,
  username      TEXT,
  first_name    TEXT,
  first_seen    TEXT NOT NULL,
  last_seen     TEXT NOT NULL,
  message_count INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS acquisitions (
  id          TEXT PRIMARY KEY,
  user_id     INTEGER NOT NULL,
  chat_id     INTEGER NOT NULL,
  source      TEXT NOT NULL,
  backend     TEXT NOT NULL,
  url         TEXT NOT NULL,
  status      TEXT NOT NULL,
  cause       TEXT,
  last_cause  TEXT,
  profile     TEXT,
  attempts    INTEGER NOT NULL DEFAULT 0,
  title       TEXT,
  size_bytes  INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  started_at  TEXT NOT NULL,
  finished_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS acquisitions_finished_at_idx ON acquisitions(finished_at);`,
		`CREATE INDEX IF NOT EXISTS acquisitions_user_idx ON acquisitions(user_id, finished_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
