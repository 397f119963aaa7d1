// Package history keeps a SQLite ledger of pipeline runs. It is purely
// observational: the pipeline never reads it to make decisions, it only
// powers the /runs endpoint and post-hoc debugging.
package history

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/psturc/coverage-processor/sqlitedriver"
)

// DB wraps the run-history database connection.
type DB struct {
	conn *sql.DB
}

// New opens (and if needed creates) the run-history database.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite works best with a single connection
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if _, err := conn.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Printf("Run history database initialized at %s", dbPath)
	return db, nil
}

// Close closes the database connection gracefully.
func (db *DB) Close() error {
	if db == nil || db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

func (db *DB) ensureSchema() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			reference TEXT NOT NULL,
			image TEXT NOT NULL DEFAULT '',
			test_name TEXT NOT NULL DEFAULT '',
			repository_url TEXT NOT NULL DEFAULT '',
			commit_sha TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			failed_step TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			unresolvable_paths INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	return nil
}
