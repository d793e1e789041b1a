// Package history provides a SQLite-backed log of finished cell executions.
package history

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	path       TEXT NOT NULL DEFAULT '',
	cell_id    TEXT NOT NULL DEFAULT '',
	code       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	exec_count INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	elapsed_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_path ON runs(path, id);
CREATE INDEX IF NOT EXISTS idx_runs_cell ON runs(path, cell_id);
`

// runCapPerPath bounds retained history per notebook. Record trims the
// oldest rows past the cap in the same transaction.
const runCapPerPath = 1000

// DB wraps a sql.DB with history-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
