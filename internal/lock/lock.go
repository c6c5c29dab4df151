// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package lock provides the per-project mutual exclusion primitive.
//
// The lock is a directory created with os.Mkdir, which is atomic on POSIX
// filesystems, so the mechanism stays interoperable with shell tooling that
// uses mkdir-based locks. The holder's identity lives in holder.json inside
// the directory; a holder that is no longer alive makes the lock stale, and
// stale locks are reclaimed by the next acquirer.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
	"github.com/matt-FFFFFF/lockstep/internal/procinspect"
)

const (
	// DefaultPollInterval is the retry interval while the lock is held
	// elsewhere.
	DefaultPollInterval = 200 * time.Millisecond

	holderFile = "holder.json"
	dirPerm    = 0o750

	// reclaimMarkerSuffix names the directory that serialises stale-lock
	// reclamation.
	reclaimMarkerSuffix = ".reclaim"
	// abandonedReclaimWindow is how old a reclaim marker must be before
	// it is presumed orphaned by a crashed reclaimer.
	abandonedReclaimWindow = 10 * time.Second
)

var (
	// ErrNotHeld is returned by Release when this process is not the
	// recorded holder.
	ErrNotHeld = errors.New("lock not held by this process")
)

// Holder identifies the process owning a lock.
type Holder struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a directory-based mutual exclusion primitive.
// It is not safe for concurrent use from multiple goroutines; the lock
// provides inter-process exclusion, not intra-process.
type Lock struct {
	Dir          string
	Inspector    procinspect.Inspector
	PollInterval time.Duration

	held bool
}

// New returns a Lock rooted at dir.
func New(dir string, insp procinspect.Inspector) *Lock {
	return &Lock{
		Dir:          dir,
		Inspector:    insp,
		PollInterval: DefaultPollInterval,
	}
}

// Acquire blocks until the lock is held, reclaiming stale locks along the
// way. There is deliberately no acquisition timeout: a queued command must
// never give up its turn. Only ctx cancellation (the pipeline deadline or an
// operator stop) aborts the wait.
func (l *Lock) Acquire(ctx context.Context) error {
	interval := l.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		ok, err := l.TryAcquire()
		if err != nil {
			return err
		}

		if ok {
			return nil
		}

		if l.reclaimIfStale(ctx) {
			// Retry immediately; another waiter may still win the race.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck
		case <-time.After(interval):
		}
	}
}

// TryAcquire makes a single atomic attempt and reports whether the lock was
// obtained.
func (l *Lock) TryAcquire() (bool, error) {
	err := os.Mkdir(l.Dir, dirPerm)

	switch {
	case err == nil:
	case errors.Is(err, os.ErrExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	hostname, _ := os.Hostname()

	holder := Holder{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now(),
	}

	data, err := json.Marshal(holder)
	if err != nil {
		_ = os.RemoveAll(l.Dir)
		return false, fmt.Errorf("failed to marshal lock holder: %w", err)
	}

	if err := os.WriteFile(l.holderPath(), data, 0o640); err != nil {
		_ = os.RemoveAll(l.Dir)
		return false, fmt.Errorf("failed to record lock holder: %w", err)
	}

	l.held = true

	return true, nil
}

// Release removes the lock, but only if this process is the recorded
// holder. A process that was superseded by stale-lock reclamation must not
// release someone else's lock.
func (l *Lock) Release() error {
	holder, err := l.Holder()
	if err != nil {
		return err
	}

	if holder == nil || holder.PID != os.Getpid() {
		l.held = false
		return ErrNotHeld
	}

	if err := os.RemoveAll(l.Dir); err != nil {
		return fmt.Errorf("failed to remove lock directory: %w", err)
	}

	l.held = false

	return nil
}

// IsHeld reports whether this instance believes it holds the lock.
func (l *Lock) IsHeld() bool {
	return l.held
}

// Holder returns the recorded holder, or nil when the lock is free.
func (l *Lock) Holder() (*Holder, error) {
	data, err := os.ReadFile(l.holderPath())

	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil //nolint:nilnil
	case err != nil:
		return nil, fmt.Errorf("failed to read lock holder: %w", err)
	}

	var holder Holder
	if err := json.Unmarshal(data, &holder); err != nil {
		return nil, fmt.Errorf("failed to parse lock holder: %w", err)
	}

	return &holder, nil
}

// Stale reports whether the lock exists but its holder is dead (or the
// holder record is missing, e.g. after a crash between mkdir and write).
func (l *Lock) Stale() bool {
	info, err := os.Stat(l.Dir)
	if err != nil {
		return false
	}

	holder, err := l.Holder()
	if err != nil || holder == nil {
		// A fresh directory may not have its holder record yet; only a
		// recordless lock past the write window counts as stale.
		return time.Since(info.ModTime()) > 2*time.Second
	}

	return !l.Inspector.Alive(holder.PID)
}

// reclaimIfStale removes a lock whose holder is dead. Reclamation must be
// single-winner: if two waiters both observed a stale lock, the slower one's
// removal must never land on the lock the faster one has already reclaimed
// and re-acquired. The reclaim marker directory serialises reclaimers, and
// the stale lock is renamed aside before removal so the removal cannot touch
// a lock directory created after the rename.
func (l *Lock) reclaimIfStale(ctx context.Context) bool {
	if !l.Stale() {
		return false
	}

	marker := l.Dir + reclaimMarkerSuffix

	if err := os.Mkdir(marker, dirPerm); err != nil {
		// Another reclaimer owns the marker. A marker past its window
		// means its owner died mid-reclaim; sweep it so the lock does
		// not wedge.
		l.sweepAbandonedMarker(marker)
		return false
	}
	defer os.RemoveAll(marker) //nolint:errcheck

	// Re-verify under the marker: the lock may have been reclaimed and
	// re-acquired by a live holder while we raced for the marker. From
	// here the directory cannot change hands: only the marker owner
	// removes stale locks, and a dead holder cannot release.
	if !l.Stale() {
		return false
	}

	holder, _ := l.Holder()

	pid := 0
	if holder != nil {
		pid = holder.PID
	}

	ctxlog.Warn(ctx, "reclaiming stale lock", "dir", l.Dir, "deadHolderPID", pid)

	aside := fmt.Sprintf("%s.stale-%d-%d", l.Dir, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(l.Dir, aside); err != nil {
		ctxlog.Error(ctx, "failed to reclaim stale lock", "dir", l.Dir, "error", err)
		return false
	}

	if err := os.RemoveAll(aside); err != nil {
		ctxlog.Error(ctx, "failed to remove reclaimed lock", "dir", aside, "error", err)
	}

	return true
}

// sweepAbandonedMarker removes a reclaim marker whose owner died before
// finishing. Age is the only signal available; a live reclaimer holds the
// marker for microseconds, so the window is generous.
func (l *Lock) sweepAbandonedMarker(marker string) {
	info, err := os.Stat(marker)
	if err != nil {
		return
	}

	if time.Since(info.ModTime()) > abandonedReclaimWindow {
		_ = os.RemoveAll(marker)
	}
}

func (l *Lock) holderPath() string {
	return filepath.Join(l.Dir, holderFile)
}
