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
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
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
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
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
		`CREATE TABLE IF NOT EXISTS commands (
  id            TEXT PRIMARY KEY,
  tenant_id     TEXT NOT NULL,
  command_type  TEXT NOT NULL,
  payload       JSON NOT NULL DEFAULT '{}',
  priority      INTEGER NOT NULL DEFAULT 5,
  status        TEXT NOT NULL DEFAULT 'pending',
  retry_count   INTEGER NOT NULL DEFAULT 0,
  max_retries   INTEGER NOT NULL DEFAULT 3,
  scheduled_at  TEXT NOT NULL,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  executed_at   TEXT,
  result        JSON,
  error_message TEXT
);`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
  tenant_id          TEXT NOT NULL,
  command_type       TEXT NOT NULL,
  last_dispatched_at INTEGER NOT NULL,
  PRIMARY KEY (tenant_id, command_type)
);`,
		`CREATE TABLE IF NOT EXISTS tenants (
  id         TEXT PRIMARY KEY,
  plan       TEXT NOT NULL,
  site_url   TEXT NOT NULL,
  secret     TEXT NOT NULL,
  enabled    INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS commands_claim_idx ON commands(status, scheduled_at, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS commands_tenant_status_idx ON commands(tenant_id, status);`,
		`CREATE INDEX IF NOT EXISTS commands_created_at_idx ON commands(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
