// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package project derives the per-project identity and on-disk state layout.
// Everything a component needs (lock directory, queue database, log store)
// hangs off one Context constructed here, so there is no ambient global
// state and two projects can never interfere.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const idLength = 12

// Context holds the identity and state paths for one project.
type Context struct {
	// Root is the absolute project root directory.
	Root string
	// ID is the stable identity derived from Root.
	ID string
	// StateDir is this project's private state directory.
	StateDir string
	// LockDir is the mutual-exclusion marker directory.
	LockDir string
	// DBPath is the queue/records database.
	DBPath string
	// CurrentPath is the running-entry marker for crash recovery.
	CurrentPath string
	// LogsDir holds execution and session logs.
	LogsDir string
	// Config carries the project's tunables.
	Config Config
}

// CurrentMarker is the crash-recovery record of what is executing now.
type CurrentMarker struct {
	EntryID     string    `json:"entry_id"`
	ExecutorPID int       `json:"executor_pid"`
	ChildPID    int       `json:"child_pid,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// ID derives the stable project identity from a root path: a short prefix of
// the SHA-256 of the absolute path.
func ID(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project root: %w", err)
	}

	sum := sha256.Sum256([]byte(abs))

	return hex.EncodeToString(sum[:])[:idLength], nil
}

// Derive loads the project config and builds the state layout, creating the
// state directory tree as needed.
func Derive(root string) (*Context, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}

	cfg, err := LoadConfig(abs)
	if err != nil {
		return nil, err
	}

	id, err := ID(abs)
	if err != nil {
		return nil, err
	}

	base := cfg.StateDir
	if base == "" {
		base = defaultStateBase()
	}

	stateDir := filepath.Join(base, id)
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Context{
		Root:        abs,
		ID:          id,
		StateDir:    stateDir,
		LockDir:     filepath.Join(stateDir, "lock"),
		DBPath:      filepath.Join(stateDir, "queue.db"),
		CurrentPath: filepath.Join(stateDir, "current.json"),
		LogsDir:     filepath.Join(stateDir, "logs"),
		Config:      cfg,
	}, nil
}

// WriteCurrent records the running-entry marker.
func (c *Context) WriteCurrent(marker CurrentMarker) error {
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to marshal current marker: %w", err)
	}

	if err := os.WriteFile(c.CurrentPath, data, 0o640); err != nil {
		return fmt.Errorf("failed to write current marker: %w", err)
	}

	return nil
}

// ReadCurrent returns the running-entry marker, or nil when none exists.
func (c *Context) ReadCurrent() (*CurrentMarker, error) {
	data, err := os.ReadFile(c.CurrentPath)

	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil //nolint:nilnil
	case err != nil:
		return nil, fmt.Errorf("failed to read current marker: %w", err)
	}

	var marker CurrentMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("failed to parse current marker: %w", err)
	}

	return &marker, nil
}

// ClearCurrent removes the running-entry marker.
func (c *Context) ClearCurrent() error {
	if err := os.Remove(c.CurrentPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear current marker: %w", err)
	}

	return nil
}

func defaultStateBase() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "lockstep")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "lockstep")
	}

	return filepath.Join(home, ".local", "state", "lockstep")
}
