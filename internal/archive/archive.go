// Package archive persists reconciled transcripts to a local SQLite
// database so past conversations remain readable offline.
package archive

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the local transcript archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the archive at path and runs schema
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	// WAL keeps readers unblocked while a transcript write is in flight.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewTestStore creates a fresh in-memory archive for tests.
func NewTestStore() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test archive: %w", err)
	}
	// Each new pool connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_message_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tool_name TEXT,
		tool_args TEXT,
		tool_output TEXT,
		status TEXT,
		timestamp DATETIME,
		PRIMARY KEY (session_id, position)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create archive schema: %w", err)
	}
	return nil
}
