// Package sqlite provides the default SQLite-backed job store.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// DBFile is the database file name inside the data directory.
const DBFile = "mediaq.db"

// Open creates or opens the job database at dir/mediaq.db in WAL mode with
// a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := filepath.Join(dir, DBFile) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite %s: %w", dir, err)
	}

	// A single connection serializes writers, which is what makes the
	// conditional UPDATE in Claim a true compare-and-set.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Ping is the health check.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

var migrations = []string{
	// One row per job: task facet followed by artifact facet.
	`CREATE TABLE IF NOT EXISTS jobs (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			url                 TEXT NOT NULL UNIQUE,
			status              TEXT NOT NULL DEFAULT 'pending',
			created_at          INTEGER NOT NULL,
			claimed_by          TEXT,
			claimed_at          INTEGER,
			artifact_id         TEXT NOT NULL,
			artifact_status     TEXT NOT NULL DEFAULT 'pending',
			title               TEXT NOT NULL DEFAULT '',
			description         TEXT NOT NULL DEFAULT '',
			audio_ref           TEXT,
			subtitle_ref        TEXT,
			error_message       TEXT,
			artifact_created_at INTEGER NOT NULL,
			completed_at        INTEGER
		)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_artifact ON jobs(artifact_status, completed_at)`,
}

// migrate applies the schema; every statement is idempotent.
func (d *DB) migrate() error {
	for i, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromUnix(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0)
}
