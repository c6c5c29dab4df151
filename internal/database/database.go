// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package database provides SQLite access for the per-project queue and
// execution records. SQLite's own file locking gives multiple submitters a
// safe concurrent append path that is independent of the execution lock, so
// enqueuing is never blocked by a long-running command.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// SQLite driver for database/sql.
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a sql.DB connection with migration management.
type DB struct {
	*sql.DB
}

// Open creates the parent directory, opens the database and runs migrations.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	// WAL lets submitters append while the executor reads; the busy
	// timeout covers the brief write-lock contention between them.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	wrapped := &DB{db}
	if err := wrapped.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return wrapped, nil
}

func (db *DB) migrate() error {
	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}
