package history

import (
	"database/sql"
	"fmt"
	"time"
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one pipeline run as recorded in the ledger.
type Run struct {
	ID                string     `json:"id"`
	Reference         string     `json:"reference"`
	Image             string     `json:"image,omitempty"`
	TestName          string     `json:"test_name,omitempty"`
	RepositoryURL     string     `json:"repository_url,omitempty"`
	CommitSHA         string     `json:"commit_sha,omitempty"`
	Status            string     `json:"status"`
	FailedStep        string     `json:"failed_step,omitempty"`
	Error             string     `json:"error,omitempty"`
	UnresolvablePaths int        `json:"unresolvable_paths"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// RecordEnqueued inserts a new run in queued state. The row exists from
// the moment the run ID is handed out, so a lookup never 404s on an
// accepted run.
func (db *DB) RecordEnqueued(id, reference string, at time.Time) error {
	_, err := db.conn.Exec(`
		INSERT INTO runs (id, reference, status, started_at)
		VALUES (?, ?, ?, ?)
	`, id, reference, StatusQueued, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record run enqueue: %w", err)
	}
	return nil
}

// MarkStarted moves a queued run to running and stamps the actual start time.
func (db *DB) MarkStarted(id string, at time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE runs
		SET status = ?, started_at = ?
		WHERE id = ?
	`, StatusRunning, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark run started: %w", err)
	}
	return nil
}

// DeleteRun removes a run row. Used when an enqueue is refused after the
// row was written, so no orphan row survives for an ID the caller never saw.
func (db *DB) DeleteRun(id string) error {
	_, err := db.conn.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// Success holds the fields recorded for a completed run.
type Success struct {
	Image             string
	TestName          string
	RepositoryURL     string
	CommitSHA         string
	UnresolvablePaths int
}

// RecordSuccess marks a run as succeeded.
func (db *DB) RecordSuccess(id string, s Success, finishedAt time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE runs
		SET status = ?, image = ?, test_name = ?, repository_url = ?, commit_sha = ?,
		    unresolvable_paths = ?, finished_at = ?
		WHERE id = ?
	`, StatusSucceeded, s.Image, s.TestName, s.RepositoryURL, s.CommitSHA,
		s.UnresolvablePaths, finishedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record run success: %w", err)
	}
	return nil
}

// RecordFailure marks a run as failed at the given step.
func (db *DB) RecordFailure(id, failedStep, errorText string, finishedAt time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE runs
		SET status = ?, failed_step = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, StatusFailed, failedStep, errorText, finishedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record run failure: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (db *DB) RecentRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.Query(`
		SELECT id, reference, image, test_name, repository_url, commit_sha,
		       status, failed_step, error, unresolvable_paths, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var run Run
		var finishedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.Reference, &run.Image, &run.TestName,
			&run.RepositoryURL, &run.CommitSHA, &run.Status, &run.FailedStep,
			&run.Error, &run.UnresolvablePaths, &run.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// GetRun returns a single run by ID.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.conn.QueryRow(`
		SELECT id, reference, image, test_name, repository_url, commit_sha,
		       status, failed_step, error, unresolvable_paths, started_at, finished_at
		FROM runs
		WHERE id = ?
	`, id)

	var run Run
	var finishedAt sql.NullTime
	err := row.Scan(&run.ID, &run.Reference, &run.Image, &run.TestName,
		&run.RepositoryURL, &run.CommitSHA, &run.Status, &run.FailedStep,
		&run.Error, &run.UnresolvablePaths, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}

	return &run, nil
}
