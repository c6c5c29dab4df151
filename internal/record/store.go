// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package record persists execution records: one row per attempt in the
// project database, one raw output log file per invocation and one session
// log per executor run. Records are write-once.
package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matt-FFFFFF/lockstep/internal/database"
	"github.com/matt-FFFFFF/lockstep/internal/runner"
)

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("execution record not found")
	// ErrNoLogs is returned when no execution log exists yet.
	ErrNoLogs = errors.New("no execution logs")
)

const tailPollInterval = 200 * time.Millisecond

// Filter narrows List results.
type Filter struct {
	// Status filters by terminal status: completed, failed or killed.
	// Empty means all.
	Status string
	// Since excludes records started before the given time when non-zero.
	Since time.Time
	// Limit caps the number of rows; zero means 50.
	Limit int
}

// Store persists and retrieves execution records.
type Store struct {
	db      *database.DB
	logsDir string
}

// New returns a Store writing raw logs under logsDir.
func New(db *database.DB, logsDir string) (*Store, error) {
	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	return &Store{db: db, logsDir: logsDir}, nil
}

// Append persists one attempt: a database row plus a raw output log file
// named after the record id.
func (s *Store) Append(ctx context.Context, rec *runner.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, entry_id, run_id, attempt, command, started_at, finished_at, exit_code, peak_rss_mb, cause)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntryID, rec.RunID, rec.Attempt, rec.Command,
		rec.StartedAt, rec.FinishedAt, rec.ExitCode, rec.PeakRSSMB, string(rec.Cause),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	if err := s.writeLog(rec); err != nil {
		return err
	}

	return nil
}

func (s *Store) writeLog(rec *runner.ExecutionRecord) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# record %s\n", rec.ID)
	fmt.Fprintf(&b, "# entry %s run %s attempt %d\n", rec.EntryID, rec.RunID, rec.Attempt)
	fmt.Fprintf(&b, "# command: %s\n", rec.Command)
	fmt.Fprintf(&b, "# started: %s\n", rec.StartedAt.Format(time.RFC3339))

	b.Write(rec.Stdout)

	if len(rec.Stderr) > 0 {
		b.WriteString("# --- stderr ---\n")
		b.Write(rec.Stderr)
	}

	fmt.Fprintf(&b, "# finished: %s exit=%d cause=%s peak_rss_mb=%d\n",
		rec.FinishedAt.Format(time.RFC3339), rec.ExitCode, rec.Cause, rec.PeakRSSMB)

	path := s.LogPath(rec.ID)
	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		return fmt.Errorf("failed to write execution log: %w", err)
	}

	return nil
}

// LogPath returns the raw log file path for a record id.
func (s *Store) LogPath(id string) string {
	return filepath.Join(s.logsDir, id+".log")
}

// SessionLogPath returns the session log path for a run id.
func (s *Store) SessionLogPath(runID string) string {
	return filepath.Join(s.logsDir, "session-"+runID+".log")
}

// OpenSessionLog creates (or appends to) the session log for a run.
func (s *Store) OpenSessionLog(runID string) (*os.File, error) {
	f, err := os.OpenFile(s.SessionLogPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	return f, nil
}

// Get returns the record and the contents of its raw log.
func (s *Store) Get(ctx context.Context, id string) (*runner.ExecutionRecord, []byte, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entry_id, run_id, attempt, command, started_at, finished_at, exit_code, peak_rss_mb, cause
		FROM records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}

		return nil, nil, err
	}

	data, err := os.ReadFile(s.LogPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to read execution log: %w", err)
	}

	return rec, data, nil
}

// LatestByEntry returns the most recent attempt's record for a queue entry,
// or ErrNotFound when none has been written yet.
func (s *Store) LatestByEntry(ctx context.Context, entryID string) (*runner.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entry_id, run_id, attempt, command, started_at, finished_at, exit_code, peak_rss_mb, cause
		FROM records WHERE entry_id = ? ORDER BY attempt DESC LIMIT 1`, entryID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return rec, err
}

// List returns records matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*runner.ExecutionRecord, error) {
	where := []string{"1=1"}
	args := []any{}

	killedCauses := fmt.Sprintf("'%s','%s','%s','%s'",
		runner.CauseTimeout, runner.CauseMemoryLimit, runner.CauseSignal, runner.CausePipelineTimeout)

	switch f.Status {
	case "":
	case "completed":
		where = append(where, "exit_code = 0")
	case "killed":
		where = append(where, "cause IN ("+killedCauses+")")
	case "failed":
		where = append(where, "exit_code != 0 AND cause NOT IN ("+killedCauses+")")
	default:
		return nil, fmt.Errorf("unknown status filter %q", f.Status)
	}

	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, run_id, attempt, command, started_at, finished_at, exit_code, peak_rss_mb, cause
		FROM records WHERE `+strings.Join(where, " AND ")+`
		ORDER BY started_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var recs []*runner.ExecutionRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		recs = append(recs, rec)
	}

	return recs, rows.Err() //nolint:wrapcheck
}

// LatestLogPath returns the most recently modified execution log.
func (s *Store) LatestLogPath() (string, error) {
	entries, err := os.ReadDir(s.logsDir)
	if err != nil {
		return "", fmt.Errorf("failed to read logs directory: %w", err)
	}

	var (
		latest     string
		latestTime time.Time
	)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") ||
			strings.HasPrefix(entry.Name(), "session-") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latest = filepath.Join(s.logsDir, entry.Name())
		}
	}

	if latest == "" {
		return "", ErrNoLogs
	}

	return latest, nil
}

// Tail streams the newest execution log to w, following growth until ctx is
// cancelled.
func (s *Store) Tail(ctx context.Context, w io.Writer) error {
	path, err := s.LatestLogPath()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close() //nolint:errcheck

	for {
		if _, err := io.Copy(w, f); err != nil {
			return fmt.Errorf("failed to stream log: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(tailPollInterval):
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*runner.ExecutionRecord, error) {
	var (
		rec   runner.ExecutionRecord
		cause string
	)

	err := row.Scan(
		&rec.ID, &rec.EntryID, &rec.RunID, &rec.Attempt, &rec.Command,
		&rec.StartedAt, &rec.FinishedAt, &rec.ExitCode, &rec.PeakRSSMB, &cause,
	)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	rec.Cause = runner.Cause(cause)

	return &rec, nil
}
