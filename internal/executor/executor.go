// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package executor orchestrates the queue, lock, runner and memory monitor
// into the sequential execution pipeline: at most one command executes at a
// time per project, in FIFO order, with full audit logging.
package executor

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
	"github.com/matt-FFFFFF/lockstep/internal/database"
	"github.com/matt-FFFFFF/lockstep/internal/lock"
	"github.com/matt-FFFFFF/lockstep/internal/memmon"
	"github.com/matt-FFFFFF/lockstep/internal/procinspect"
	"github.com/matt-FFFFFF/lockstep/internal/project"
	"github.com/matt-FFFFFF/lockstep/internal/queue"
	"github.com/matt-FFFFFF/lockstep/internal/record"
	"github.com/matt-FFFFFF/lockstep/internal/runner"
)

var (
	// ErrPipelineTimeout is returned when the whole run's deadline
	// expired. Everything queued and running has been killed.
	ErrPipelineTimeout = errors.New("pipeline timeout exceeded")
	// ErrStopped is returned when an operator stop ended the run.
	ErrStopped = errors.New("executor stopped")
)

// Executor is the per-project orchestration loop. Construct with New.
type Executor struct {
	Project   *project.Context
	Queue     *queue.Queue
	Store     *record.Store
	Lock      *lock.Lock
	Runner    *runner.Runner
	Inspector procinspect.Inspector

	// Once makes Run return once the queue drains instead of idling.
	Once bool
	// PipelineTimeout bounds the whole run; zero means unlimited.
	PipelineTimeout time.Duration

	pollInterval time.Duration
	reapInterval time.Duration
}

// New wires an Executor from the project context and its open database.
func New(pc *project.Context, db *database.DB, insp procinspect.Inspector) (*Executor, error) {
	store, err := record.New(db, pc.LogsDir)
	if err != nil {
		return nil, err
	}

	cfg := pc.Config

	mon := memmon.New(insp)
	mon.Interval = cfg.MemoryPollInterval.Std()
	mon.Grace = cfg.GracePeriod.Std()

	run := runner.New(insp, mon, pc.ID)
	run.Grace = cfg.GracePeriod.Std()

	l := lock.New(pc.LockDir, insp)
	l.PollInterval = cfg.PollInterval.Std()

	return &Executor{
		Project:         pc,
		Queue:           queue.New(db),
		Store:           store,
		Lock:            l,
		Runner:          run,
		Inspector:       insp,
		PipelineTimeout: cfg.PipelineTimeout.Std(),
		pollInterval:    cfg.PollInterval.Std(),
		reapInterval:    cfg.ReapInterval.Std(),
	}, nil
}

// Run executes queued entries until the queue is stopped, the context is
// cancelled, or (with Once) the queue drains. It returns ErrPipelineTimeout
// when the run deadline killed everything, and ErrStopped after an operator
// stop.
func (e *Executor) Run(ctx context.Context) error {
	runID := uuid.NewString()

	sessionFile, err := e.Store.OpenSessionLog(runID)
	if err != nil {
		return err
	}
	defer sessionFile.Close() //nolint:errcheck

	logger := ctxlog.Tee(ctxlog.Logger(ctx), ctxlog.NewJSON(sessionFile)).
		With("runID", runID, "project", e.Project.ID)
	ctx = ctxlog.New(ctx, logger)

	runCtx := ctx

	if e.PipelineTimeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, e.PipelineTimeout)
		defer cancel()
	}

	logger.Info("run started", "pid", os.Getpid(), "pipelineTimeout", e.PipelineTimeout)

	e.recoverStale(runCtx)

	if n := e.ReapOrphans(runCtx); n > 0 {
		logger.Warn("orphan process trees reaped at startup", "count", n)
	}

	lastReap := time.Now()

	for {
		if err := runCtx.Err(); err != nil {
			return e.abortRun(ctx, runID, err)
		}

		if time.Since(lastReap) >= e.reapInterval {
			e.ReapOrphans(runCtx)

			lastReap = time.Now()
		}

		_, execState, err := e.Queue.State(runCtx)
		if err != nil {
			return err
		}

		if execState == queue.ExecutionStopped {
			logger.Info("run stopped by operator")
			return ErrStopped
		}

		entry, err := e.Queue.DequeueNext(runCtx)
		if err != nil {
			return err
		}

		if entry == nil {
			if e.Once && execState == queue.ExecutionRunning {
				logger.Info("queue drained, exiting")
				return nil
			}

			select {
			case <-runCtx.Done():
				return e.abortRun(ctx, runID, runCtx.Err())
			case <-time.After(e.pollInterval):
			}

			continue
		}

		if err := e.executeEntry(runCtx, runID, entry); err != nil {
			if runCtx.Err() != nil {
				return e.abortRun(ctx, runID, runCtx.Err())
			}

			return err
		}
	}
}

// executeEntry runs one queue entry under the project lock, persisting one
// record per attempt and the entry's terminal status.
func (e *Executor) executeEntry(ctx context.Context, runID string, entry *queue.Entry) error {
	logger := ctxlog.Logger(ctx).With("entryID", entry.ID, "command", entry.Command.String())

	if err := e.Queue.SetStatus(ctx, entry.ID, queue.StatusRunning); err != nil {
		return err
	}

	if err := e.Project.WriteCurrent(project.CurrentMarker{
		EntryID:     entry.ID,
		ExecutorPID: os.Getpid(),
		StartedAt:   time.Now(),
	}); err != nil {
		return err
	}

	logger.Info("waiting for project lock")

	if err := e.Lock.Acquire(ctx); err != nil {
		// The run deadline fired while queued for the lock; the caller
		// aborts the whole run.
		return err
	}

	logger.Info("lock acquired, executing")

	cmdCtx, cancel := context.WithCancel(ctx)
	stopPollDone := make(chan struct{})

	go e.watchForStop(cmdCtx, cancel, stopPollDone)

	e.Runner.OnStart = func(pid int) {
		_ = e.Project.WriteCurrent(project.CurrentMarker{
			EntryID:     entry.ID,
			ExecutorPID: os.Getpid(),
			ChildPID:    pid,
			StartedAt:   time.Now(),
		})
	}

	recs := e.Runner.Run(cmdCtx, entry.Command)

	cancel()
	<-stopPollDone

	final := recs[len(recs)-1]

	for _, rec := range recs {
		rec.EntryID = entry.ID
		rec.RunID = runID

		if err := e.Store.Append(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error("failed to persist execution record", "recordID", rec.ID, "error", err)
		}
	}

	status := terminalStatus(final)

	logger.Info("command finished",
		"exitCode", final.ExitCode,
		"cause", final.Cause,
		"status", status,
		"attempts", len(recs),
		"peakRSSMB", final.PeakRSSMB)

	cleanupCtx := context.WithoutCancel(ctx)

	if err := e.Queue.SetStatus(cleanupCtx, entry.ID, status); err != nil {
		logger.Error("failed to record terminal status", "error", err)
	}

	if err := e.Queue.Remove(cleanupCtx, entry.ID); err != nil {
		logger.Error("failed to remove finished entry", "error", err)
	}

	if err := e.Project.ClearCurrent(); err != nil {
		logger.Error("failed to clear current marker", "error", err)
	}

	if err := e.Lock.Release(); err != nil {
		logger.Error("failed to release lock", "error", err)
	}

	return nil
}

// watchForStop cancels the running command when an operator stop arrives
// through the queue state.
func (e *Executor) watchForStop(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.pollInterval):
		}

		_, execState, err := e.Queue.State(ctx)
		if err != nil {
			continue
		}

		if execState == queue.ExecutionStopped {
			ctxlog.Info(ctx, "stop requested, killing running command")
			cancel()

			return
		}
	}
}

// ExecDirect bypasses the queue and lock entirely: the nested-execution
// path for commands that already run inside a managed command, preventing
// them from queuing behind themselves and deadlocking.
func (e *Executor) ExecDirect(ctx context.Context, cmd runner.Command) *runner.ExecutionRecord {
	recs := e.Runner.Run(ctx, cmd)

	for _, rec := range recs {
		if err := e.Store.Append(context.WithoutCancel(ctx), rec); err != nil {
			ctxlog.Error(ctx, "failed to persist execution record", "recordID", rec.ID, "error", err)
		}
	}

	return recs[len(recs)-1]
}

// abortRun ends the run after a pipeline timeout or a cancellation: the
// running tree is already dead (the runner observed the same context), and
// every entry this run still owed an execution — waiting ones, plus the one
// dequeued but never run because the abort hit while it waited for the lock
// — is recorded as killed so no command silently survives into a later run.
func (e *Executor) abortRun(parent context.Context, runID string, cause error) error {
	ctx := context.WithoutCancel(parent)

	ctxlog.Warn(ctx, "aborting run", "cause", cause)

	// The audit trail distinguishes a run deadline from an operator
	// cancellation, the same mapping the per-command watchdog applies.
	abortExit := runner.ExitSignalled
	abortCause := runner.CauseSignal

	if errors.Is(cause, context.DeadlineExceeded) {
		abortExit = runner.ExitPipelineAbort
		abortCause = runner.CausePipelineTimeout
	}

	now := time.Now()

	if running, err := e.Queue.Running(ctx); err == nil && running != nil {
		marker, _ := e.Project.ReadCurrent()
		if marker == nil || marker.ExecutorPID == os.Getpid() {
			e.discardEntry(ctx, runID, running, abortExit, abortCause, now)
		}
	}

	waiting, err := e.Queue.Waiting(ctx)
	if err != nil {
		ctxlog.Error(ctx, "failed to list waiting entries during abort", "error", err)
	}

	for _, entry := range waiting {
		e.discardEntry(ctx, runID, entry, abortExit, abortCause, now)
	}

	if err := e.Project.ClearCurrent(); err != nil {
		ctxlog.Error(ctx, "failed to clear current marker", "error", err)
	}

	if e.Lock.IsHeld() {
		if err := e.Lock.Release(); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			ctxlog.Error(ctx, "failed to release lock during abort", "error", err)
		}
	}

	if errors.Is(cause, context.DeadlineExceeded) {
		return ErrPipelineTimeout
	}

	return cause
}

// discardEntry records an entry that the abort prevented from (fully)
// executing and removes it from the queue.
func (e *Executor) discardEntry(ctx context.Context, runID string, entry *queue.Entry,
	exitCode int, cause runner.Cause, now time.Time,
) {
	rec := &runner.ExecutionRecord{
		ID:         uuid.NewString(),
		EntryID:    entry.ID,
		RunID:      runID,
		Attempt:    1,
		Command:    entry.Command.String(),
		StartedAt:  now,
		FinishedAt: now,
		ExitCode:   exitCode,
		Cause:      cause,
	}

	if err := e.Store.Append(ctx, rec); err != nil {
		ctxlog.Error(ctx, "failed to record aborted entry", "entryID", entry.ID, "error", err)
	}

	_ = e.Queue.SetStatus(ctx, entry.ID, queue.StatusKilled)
	_ = e.Queue.Remove(ctx, entry.ID)
}

// recoverStale cleans up after a crashed predecessor: a current marker
// whose executor is dead, and entries stuck in running state with no live
// process behind them.
func (e *Executor) recoverStale(ctx context.Context) {
	marker, err := e.Project.ReadCurrent()
	if err != nil {
		ctxlog.Error(ctx, "failed to read current marker", "error", err)
		return
	}

	if marker != nil && !e.Inspector.Alive(marker.ExecutorPID) {
		ctxlog.Warn(ctx, "recovering from crashed executor",
			"deadExecutorPID", marker.ExecutorPID,
			"entryID", marker.EntryID)

		if marker.ChildPID != 0 && e.Inspector.Alive(marker.ChildPID) {
			if err := procinspect.KillTree(ctx, e.Inspector, marker.ChildPID, e.Runner.Grace); err != nil {
				ctxlog.Error(ctx, "failed to kill orphaned command tree", "pid", marker.ChildPID, "error", err)
			}
		}

		_ = e.Project.ClearCurrent()
	}

	// Entries left in running state by a crash are requeued at their
	// original position; their seq is unchanged, so FIFO order holds.
	running, err := e.Queue.Running(ctx)
	if err != nil || running == nil {
		return
	}

	if marker == nil || marker.EntryID != running.ID || !e.Inspector.Alive(marker.ExecutorPID) {
		ctxlog.Warn(ctx, "resetting entry stuck in running state", "entryID", running.ID)

		if err := e.Queue.SetStatus(ctx, running.ID, queue.StatusWaiting); err != nil {
			ctxlog.Error(ctx, "failed to reset stuck entry", "entryID", running.ID, "error", err)
		}
	}
}

func terminalStatus(rec *runner.ExecutionRecord) queue.Status {
	switch {
	case rec.Killed():
		return queue.StatusKilled
	case rec.ExitCode == 0:
		return queue.StatusCompleted
	default:
		return queue.StatusFailed
	}
}
