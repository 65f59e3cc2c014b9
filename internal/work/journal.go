// Package work runs background tasks on a bounded worker pool and records
// every outcome in a SQLite journal so failures stay observable after the
// fact.
package work

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Outcome is the recorded result of one executed task.
type Outcome struct {
	Task     string
	Started  time.Time
	Finished time.Time
	Error    string // empty on success
}

// Succeeded reports whether the task completed without an error.
func (o Outcome) Succeeded() bool {
	return o.Error == ""
}

// Journal persists task outcomes to SQLite.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the outcome journal at dbPath.
func OpenJournal(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS task_outcomes (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			task     TEXT NOT NULL,
			started  TIMESTAMP NOT NULL,
			finished TIMESTAMP NOT NULL,
			error    TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create task_outcomes table: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends an outcome to the journal.
func (j *Journal) Record(o Outcome) error {
	_, err := j.db.Exec(
		`INSERT INTO task_outcomes (task, started, finished, error) VALUES (?, ?, ?, ?)`,
		o.Task, o.Started.UTC(), o.Finished.UTC(), o.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", o.Task, err)
	}
	return nil
}

// Recent returns the most recent outcomes, newest first.
func (j *Journal) Recent(limit int) ([]Outcome, error) {
	rows, err := j.db.Query(
		`SELECT task, started, finished, error
		 FROM task_outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.Task, &o.Started, &o.Finished, &o.Error); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

// Counts returns how many recorded tasks succeeded and how many failed.
func (j *Journal) Counts() (succeeded, failed int, err error) {
	row := j.db.QueryRow(
		`SELECT
			COUNT(CASE WHEN error = '' THEN 1 END),
			COUNT(CASE WHEN error != '' THEN 1 END)
		 FROM task_outcomes`)
	if err := row.Scan(&succeeded, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return succeeded, failed, nil
}

// Prune deletes outcomes older than the retention window.
func (j *Journal) Prune(olderThan time.Time) (int64, error) {
	res, err := j.db.Exec(`DELETE FROM task_outcomes WHERE finished < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune outcomes: %w", err)
	}
	return res.RowsAffected()
}
