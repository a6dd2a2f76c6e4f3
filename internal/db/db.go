// Package db provides the SQLite connection and schema for milightd.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Accessories published to hosts, keyed by identifier
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accessories (
			id TEXT PRIMARY KEY,
			uuid TEXT NOT NULL,
			display_name TEXT NOT NULL,
			remote_type TEXT NOT NULL,
			device_id TEXT NOT NULL,
			device_group TEXT NOT NULL,
			auto_discovered INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_accessories_auto ON accessories(auto_discovered);
	`)
	if err != nil {
		return fmt.Errorf("failed to create accessories table: %w", err)
	}

	// Last characteristic values pushed to hosts, one row per property
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS accessory_state (
			id TEXT NOT NULL REFERENCES accessories(id) ON DELETE CASCADE,
			property TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (id, property)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create accessory_state table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
