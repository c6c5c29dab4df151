// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

package database

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS queue_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		admission TEXT NOT NULL DEFAULT 'open',
		execution TEXT NOT NULL DEFAULT 'running'
	)`,

	`INSERT OR IGNORE INTO queue_state (id) VALUES (1)`,

	`CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		argv TEXT NOT NULL,
		cwd TEXT NOT NULL DEFAULT '',
		env TEXT NOT NULL DEFAULT '{}',
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		memory_limit_mb INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		submitter_pid INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'waiting',
		enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status, seq)`,

	`CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 1,
		command TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		exit_code INTEGER NOT NULL DEFAULT 0,
		peak_rss_mb INTEGER NOT NULL DEFAULT 0,
		cause TEXT NOT NULL DEFAULT 'normal'
	)`,

	`CREATE INDEX IF NOT EXISTS idx_records_started_at ON records(started_at)`,
}
