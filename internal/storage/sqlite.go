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

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS builds (
  job          TEXT NOT NULL,
  number       INTEGER NOT NULL,
  status       TEXT NOT NULL,
  change       TEXT,
  started_at   TEXT NOT NULL,
  completed_at TEXT,
  last_error   TEXT,
  PRIMARY KEY (job, number)
);`,
		`CREATE TABLE IF NOT EXISTS build_tags (
  job        TEXT NOT NULL,
  number     INTEGER NOT NULL,
  subdir     TEXT NOT NULL DEFAULT '',
  rev_id     TEXT NOT NULL,
  rev_number TEXT NOT NULL,
  PRIMARY KEY (job, number, subdir)
);`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
  id            TEXT PRIMARY KEY,
  job           TEXT NOT NULL,
  command       TEXT NOT NULL,
  status        TEXT NOT NULL,
  submitted_by  TEXT NOT NULL,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  completed_at  TEXT,
  last_error    TEXT
);`,
		`CREATE INDEX IF NOT EXISTS builds_job_status_number_idx ON builds(job, status, number);`,
		`CREATE INDEX IF NOT EXISTS sync_queue_status_created_at_idx ON sync_queue(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS sync_queue_job_command_status_idx ON sync_queue(job, command, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
