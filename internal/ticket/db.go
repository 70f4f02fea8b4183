// Package ticket persists tickets, run history, QA command runs, and the
// error ledger in SQLite under the project state directory.
package ticket

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// DefaultPath returns <baseDir>/promptwheel.db, creating baseDir if needed.
func DefaultPath(baseDir string) (string, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", baseDir, err)
	}
	return filepath.Join(baseDir, "promptwheel.db"), nil
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for analytics queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tickets (
    id                    TEXT PRIMARY KEY,
    project_id            TEXT NOT NULL,
    title                 TEXT NOT NULL,
    description           TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL CHECK(status IN ('backlog','ready','leased','in_progress','in_review','done','blocked','aborted')),
    priority              INTEGER NOT NULL DEFAULT 0,
    category              TEXT NOT NULL DEFAULT 'refactor',
    allowed_paths         TEXT NOT NULL DEFAULT '[]',
    forbidden_paths       TEXT NOT NULL DEFAULT '[]',
    verification_commands TEXT NOT NULL DEFAULT '[]',
    confidence            INTEGER NOT NULL DEFAULT 0,
    impact_score          INTEGER NOT NULL DEFAULT 0,
    risk                  TEXT NOT NULL DEFAULT 'low',
    rollback_note         TEXT NOT NULL DEFAULT '',
    sector_path           TEXT NOT NULL DEFAULT '',
    branch                TEXT NOT NULL DEFAULT '',
    pr_url                TEXT NOT NULL DEFAULT '',
    last_error            TEXT NOT NULL DEFAULT '',
    created_at            TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at            TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(project_id, status, priority DESC);

CREATE TABLE IF NOT EXISTS ticket_events (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id TEXT NOT NULL,
    run_id    TEXT NOT NULL DEFAULT '',
    event     TEXT NOT NULL,
    detail    TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_ticket_events ON ticket_events(ticket_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS qa_command_runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id   TEXT NOT NULL DEFAULT '',
    run_id      TEXT NOT NULL DEFAULT '',
    command     TEXT NOT NULL,
    passed      BOOLEAN NOT NULL,
    timed_out   BOOLEAN NOT NULL DEFAULT FALSE,
    exit_code   INTEGER,
    duration_ms INTEGER,
    timestamp   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_qa_runs_command ON qa_command_runs(command, timestamp DESC);

CREATE TABLE IF NOT EXISTS error_ledger (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id TEXT NOT NULL DEFAULT '',
    run_id    TEXT NOT NULL DEFAULT '',
    class     TEXT NOT NULL,
    message   TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_error_ledger_class ON error_ledger(class, timestamp DESC);

CREATE TABLE IF NOT EXISTS run_history (
    run_id            TEXT PRIMARY KEY,
    project_id        TEXT NOT NULL,
    started_at        TEXT NOT NULL,
    ended_at          TEXT NOT NULL DEFAULT '',
    phase             TEXT NOT NULL DEFAULT '',
    steps             INTEGER NOT NULL DEFAULT 0,
    scout_cycles      INTEGER NOT NULL DEFAULT 0,
    tickets_completed INTEGER NOT NULL DEFAULT 0,
    tickets_failed    INTEGER NOT NULL DEFAULT 0,
    tickets_blocked   INTEGER NOT NULL DEFAULT 0,
    prs_created       INTEGER NOT NULL DEFAULT 0
);
`

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"run_history", "error_ledger", "qa_command_runs", "ticket_events", "tickets", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
