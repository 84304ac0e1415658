// Package db is the event store: every trigger, capture job, and pulse
// injection is recorded in a single sqlite database so candidates can be
// cross-checked after the fact.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// OpenDB opens (creating if needed) the event database. The schema is
// managed by migrations, not here; call MigrateUp before first use.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}

	// WAL keeps the recorder from blocking readers (tailsql, the API
	// server); the busy timeout covers their overlap.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return &DB{db}, nil
}
