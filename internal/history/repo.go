package history

import (
	"database/sql"
	"fmt"
	"time"
)

// Run represents one row in the runs table.
type Run struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	CellID    string    `json:"cell_id"`
	Code      string    `json:"code"`
	Status    string    `json:"status"`
	Count     int       `json:"execution_count"`
	StartedAt time.Time `json:"started_at"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// Record appends a run and trims rows past the per-path cap within a
// transaction.
func (db *DB) Record(r Run) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("history: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO runs (path, cell_id, code, status, exec_count, started_at, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Path, r.CellID, r.Code, r.Status, r.Count, r.StartedAt.UTC(), r.ElapsedMS)
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM runs WHERE path = ? AND id NOT IN (
			SELECT id FROM runs WHERE path = ? ORDER BY id DESC LIMIT ?
		)
	`, r.Path, r.Path, runCapPerPath)
	if err != nil {
		return fmt.Errorf("history: trim runs: %w", err)
	}

	return tx.Commit()
}

// List returns runs newest-first, optionally restricted to one notebook
// path, along with the total matching count.
func (db *DB) List(path string, limit, offset int) ([]Run, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if path != "" {
		where = "WHERE path = ?"
		args = append(args, path)
	}

	var total int
	if err := db.conn.QueryRow(`SELECT count(*) FROM runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("history: count runs: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := db.conn.Query(`
		SELECT id, path, cell_id, code, status, exec_count, started_at, elapsed_ms
		FROM runs `+where+`
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	out, err := scanRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Search performs a LIKE-based search over run sources.
func (db *DB) Search(query string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := db.conn.Query(`
		SELECT id, path, cell_id, code, status, exec_count, started_at, elapsed_ms
		FROM runs
		WHERE code LIKE ?
		ORDER BY id DESC
		LIMIT ?
	`, like, limit)
	if err != nil {
		return nil, fmt.Errorf("history: search: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// CellRuns returns the newest runs of one cell.
func (db *DB) CellRuns(path, cellID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`
		SELECT id, path, cell_id, code, status, exec_count, started_at, elapsed_ms
		FROM runs
		WHERE path = ? AND cell_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, path, cellID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: cell runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// DeleteForPath drops all runs recorded for a notebook path.
func (db *DB) DeleteForPath(path string) error {
	if _, err := db.conn.Exec(`DELETE FROM runs WHERE path = ?`, path); err != nil {
		return fmt.Errorf("history: delete for path: %w", err)
	}
	return nil
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Path, &r.CellID, &r.Code, &r.Status, &r.Count, &r.StartedAt, &r.ElapsedMS); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
