// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package queue implements the durable, ordered list of pending commands
// for one project. Entries dequeue in strict FIFO order of enqueue
// completion, and order survives pauses and process restarts because the
// backing store is on disk.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/matt-FFFFFF/lockstep/internal/database"
	"github.com/matt-FFFFFF/lockstep/internal/runner"
)

// Status is the scheduling state of one entry.
type Status string

const (
	// StatusWaiting means the entry has not yet been dequeued.
	StatusWaiting Status = "waiting"
	// StatusRunning means the executor owns the entry's execution.
	StatusRunning Status = "running"
	// StatusCompleted means the command exited zero.
	StatusCompleted Status = "completed"
	// StatusFailed means the command exited non-zero or never launched.
	StatusFailed Status = "failed"
	// StatusKilled means supervision terminated the command.
	StatusKilled Status = "killed"
)

// Admission states control whether Enqueue accepts new entries.
const (
	AdmissionOpen   = "open"
	AdmissionClosed = "closed"
)

// Execution states control whether DequeueNext yields entries.
const (
	ExecutionRunning = "running"
	ExecutionPaused  = "paused"
	ExecutionStopped = "stopped"
)

var (
	// ErrClosed is returned by Enqueue while the queue is closed to new
	// entries.
	ErrClosed = errors.New("queue is closed to new entries")
	// ErrNotFound is returned when an entry id does not exist.
	ErrNotFound = errors.New("queue entry not found")
)

// Entry is a Command wrapped with scheduling metadata. The embedded Command
// is immutable once enqueued.
type Entry struct {
	Seq          int64
	ID           string
	Command      runner.Command
	SubmitterPID int
	Status       Status
	EnqueuedAt   time.Time
}

// Queue is the durable FIFO for one project.
// Multiple processes may Enqueue concurrently; a single executor loop is
// expected to consume.
type Queue struct {
	db *database.DB
}

// New returns a Queue backed by the given database.
func New(db *database.DB) *Queue {
	return &Queue{db: db}
}

// State reports the admission and execution states.
func (q *Queue) State(ctx context.Context) (admission, execution string, err error) {
	row := q.db.QueryRowContext(ctx, "SELECT admission, execution FROM queue_state WHERE id = 1")
	if err := row.Scan(&admission, &execution); err != nil {
		return "", "", fmt.Errorf("failed to read queue state: %w", err)
	}

	return admission, execution, nil
}

// Enqueue appends a command and returns the new entry id. It fails with
// ErrClosed while the queue is closed, but succeeds while paused or while
// another entry is executing.
func (q *Queue) Enqueue(ctx context.Context, cmd runner.Command) (string, error) {
	argv, err := json.Marshal(cmd.Argv)
	if err != nil {
		return "", fmt.Errorf("failed to encode argv: %w", err)
	}

	env, err := json.Marshal(cmd.Env)
	if err != nil {
		return "", fmt.Errorf("failed to encode env: %w", err)
	}

	id := uuid.NewString()

	// The admission check lives inside the INSERT so an Enqueue racing a
	// concurrent Close cannot slip an entry in between a separate check
	// and the write.
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO entries (id, argv, cwd, env, timeout_ms, memory_limit_mb, retries, submitter_pid, status)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT admission FROM queue_state WHERE id = 1) = ?`,
		id, string(argv), cmd.Cwd, string(env),
		cmd.Timeout.Milliseconds(), cmd.MemoryLimitMB, cmd.Retries,
		os.Getpid(), StatusWaiting, AdmissionOpen,
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", ErrClosed
	}

	return id, nil
}

// DequeueNext returns the oldest waiting entry, or nil when the queue is
// empty, paused or stopped. It never blocks.
func (q *Queue) DequeueNext(ctx context.Context) (*Entry, error) {
	_, execution, err := q.State(ctx)
	if err != nil {
		return nil, err
	}

	if execution != ExecutionRunning {
		return nil, nil //nolint:nilnil
	}

	row := q.db.QueryRowContext(ctx, `
		SELECT seq, id, argv, cwd, env, timeout_ms, memory_limit_mb, retries, submitter_pid, status, enqueued_at
		FROM entries WHERE status = ? ORDER BY seq LIMIT 1`, StatusWaiting)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}

	return entry, err
}

// Get returns the entry with the given id.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT seq, id, argv, cwd, env, timeout_ms, memory_limit_mb, retries, submitter_pid, status, enqueued_at
		FROM entries WHERE id = ?`, id)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return entry, err
}

// Running returns the entry currently marked running, or nil.
func (q *Queue) Running(ctx context.Context) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT seq, id, argv, cwd, env, timeout_ms, memory_limit_mb, retries, submitter_pid, status, enqueued_at
		FROM entries WHERE status = ? ORDER BY seq LIMIT 1`, StatusRunning)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}

	return entry, err
}

// Waiting returns all waiting entries in FIFO order, regardless of the
// execution state. Used for status reporting and run aborts.
func (q *Queue) Waiting(ctx context.Context) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, id, argv, cwd, env, timeout_ms, memory_limit_mb, retries, submitter_pid, status, enqueued_at
		FROM entries WHERE status = ? ORDER BY seq`, StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []*Entry

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err() //nolint:wrapcheck
}

// Depth returns the number of waiting entries.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE status = ?", StatusWaiting).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count waiting entries: %w", err)
	}

	return n, nil
}

// SetStatus transitions an entry's status.
func (q *Queue) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := q.db.ExecContext(ctx, "UPDATE entries SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update entry status: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

// Remove deletes an entry. Called after its terminal status has been
// recorded in the execution log.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove entry: %w", err)
	}

	return nil
}

// Pause halts dequeuing without discarding entries.
func (q *Queue) Pause(ctx context.Context) error {
	return q.setExecution(ctx, ExecutionPaused)
}

// Resume continues dequeuing from the oldest remaining entry.
func (q *Queue) Resume(ctx context.Context) error {
	return q.setExecution(ctx, ExecutionRunning)
}

// Stop halts execution and discards all waiting entries. The running entry,
// if any, is killed by the executor when it observes the stopped state.
func (q *Queue) Stop(ctx context.Context) error {
	if err := q.setExecution(ctx, ExecutionStopped); err != nil {
		return err
	}

	return q.Clear(ctx)
}

// Clear removes all waiting entries without changing execution state.
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx,
		"DELETE FROM entries WHERE status = ?", StatusWaiting); err != nil {
		return fmt.Errorf("failed to clear waiting entries: %w", err)
	}

	return nil
}

// Close rejects new Enqueue calls until Reopen.
func (q *Queue) Close(ctx context.Context) error {
	return q.setAdmission(ctx, AdmissionClosed)
}

// Reopen accepts new Enqueue calls again.
func (q *Queue) Reopen(ctx context.Context) error {
	return q.setAdmission(ctx, AdmissionOpen)
}

func (q *Queue) setExecution(ctx context.Context, state string) error {
	if _, err := q.db.ExecContext(ctx,
		"UPDATE queue_state SET execution = ? WHERE id = 1", state); err != nil {
		return fmt.Errorf("failed to set execution state: %w", err)
	}

	return nil
}

func (q *Queue) setAdmission(ctx context.Context, state string) error {
	if _, err := q.db.ExecContext(ctx,
		"UPDATE queue_state SET admission = ? WHERE id = 1", state); err != nil {
		return fmt.Errorf("failed to set admission state: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry     Entry
		argv, env string
		timeoutMS int64
	)

	err := row.Scan(
		&entry.Seq, &entry.ID, &argv, &entry.Command.Cwd, &env,
		&timeoutMS, &entry.Command.MemoryLimitMB, &entry.Command.Retries,
		&entry.SubmitterPID, &entry.Status, &entry.EnqueuedAt,
	)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	if err := json.Unmarshal([]byte(argv), &entry.Command.Argv); err != nil {
		return nil, fmt.Errorf("failed to decode argv: %w", err)
	}

	if err := json.Unmarshal([]byte(env), &entry.Command.Env); err != nil {
		return nil, fmt.Errorf("failed to decode env: %w", err)
	}

	entry.Command.Timeout = time.Duration(timeoutMS) * time.Millisecond

	return &entry, nil
}
