// Package store is the sqlite persistence layer: client records, bearer
// tokens, users, and sessions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite handle. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, enables WAL mode, and
// applies the schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		external_id INTEGER NOT NULL UNIQUE,
		login TEXT NOT NULL,
		email TEXT,
		created_at DATETIME NOT NULL,
		last_login DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME,
		revoked_at DATETIME,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		hostname TEXT NOT NULL,
		project TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		last_activity TEXT,
		connected_at DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		PRIMARY KEY (id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_clients_user ON clients(user_id);
	`

	_, err := db.Exec(schema)
	return err
}

// migrate applies additive schema changes. Older deployments predate the
// callback_url column, so the ALTER is tolerated when it already exists.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE clients ADD COLUMN callback_url TEXT`)
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return err
	}
	return nil
}
