package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database owns the SQLite handle.
type Database struct {
	DB *sql.DB
}

// New opens the SQLite database at path, creating parent directories as
// needed. Pass ":memory:" for an ephemeral database in tests.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: serializes writers and keeps an in-memory database
	// from silently splitting into independent stores per connection.
	handle.SetMaxOpenConns(1)

	if _, err := handle.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		handle.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	return &Database{DB: handle}, nil
}

// Queries returns the query layer bound to this handle.
func (d *Database) Queries() *Queries {
	return &Queries{db: d.DB}
}

// Close releases the underlying handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
