// Package db opens the SQLite database that backs fee schedules and saved
// estimates.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens the SQLite database at path, applies the pragmas the app relies
// on, and verifies connectivity. Estimate snapshots and fee schedule rows are
// written from request handlers, so WAL mode and a busy timeout keep
// concurrent requests from tripping over each other.
func Open(path string) (*sql.DB, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if _, err := database.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		database.Close()
		return nil, fmt.Errorf("set sqlite pragmas: %w", err)
	}

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	return database, nil
}

// OpenMemory opens a private in-memory database. Used by tests and the CLI,
// which never persist anything.
func OpenMemory() (*sql.DB, error) {
	return Open(":memory:")
}
