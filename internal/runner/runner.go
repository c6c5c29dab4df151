// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package runner executes a single command inside its own process group,
// captures its output, enforces its timeout and guarantees that no process
// from the launched tree survives the run.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
	"github.com/matt-FFFFFF/lockstep/internal/memmon"
	"github.com/matt-FFFFFF/lockstep/internal/procinspect"
)

const (
	maxBufferSize = 8 * 1024 * 1024 // 8MB
	// DefaultGrace is the SIGTERM-to-SIGKILL grace period.
	DefaultGrace = 5 * time.Second
)

var (
	// ErrBufferOverflow is returned when the output exceeds the max size.
	ErrBufferOverflow = fmt.Errorf("output exceeds max size of %d bytes", maxBufferSize)
	// ErrFailedToReadBuffer is returned when the operating system pipe could not be read.
	ErrFailedToReadBuffer = errors.New("failed to read buffer")
)

// Runner executes Commands. The zero value is not usable; construct with New.
type Runner struct {
	Inspector procinspect.Inspector
	// Monitor supervises memory when a command carries a limit. May be nil.
	Monitor *memmon.Monitor
	// ProjectID is stamped into the child environment for orphan recovery.
	ProjectID string
	// Grace is the SIGTERM-to-SIGKILL grace period on kill paths.
	Grace time.Duration
	// OnStart, when set, is called with the child PID right after launch.
	OnStart func(pid int)
}

// New returns a Runner wired to the given inspector and memory monitor.
func New(insp procinspect.Inspector, mon *memmon.Monitor, projectID string) *Runner {
	return &Runner{
		Inspector: insp,
		Monitor:   mon,
		ProjectID: projectID,
		Grace:     DefaultGrace,
	}
}

// Run executes the command, retrying per its retry count. It returns one
// record per attempt, oldest first; the last record is the surfaced result.
// Retries apply to non-zero exits and timeouts only: launch errors and
// memory-limit kills are never retried, and an aborted context stops the
// attempt loop.
func (r *Runner) Run(ctx context.Context, cmd Command) []*ExecutionRecord {
	attempts := cmd.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	recs := make([]*ExecutionRecord, 0, 1)

	for attempt := 1; attempt <= attempts; attempt++ {
		rec := r.runOnce(ctx, cmd, attempt)
		recs = append(recs, rec)

		if rec.ExitCode == 0 || !retryable(rec.Cause) || ctx.Err() != nil {
			break
		}

		if attempt < attempts {
			ctxlog.Warn(ctx, "command failed, retrying",
				"command", cmd.String(),
				"attempt", attempt,
				"exitCode", rec.ExitCode,
				"cause", rec.Cause)
		}
	}

	return recs
}

func retryable(cause Cause) bool {
	return cause == CauseNormal || cause == CauseTimeout
}

type readResult struct {
	data []byte
	err  error
}

func (r *Runner) runOnce(ctx context.Context, cmd Command, attempt int) *ExecutionRecord {
	rec := &ExecutionRecord{
		ID:        uuid.NewString(),
		Attempt:   attempt,
		Command:   cmd.String(),
		StartedAt: time.Now(),
		Cause:     CauseNormal,
	}

	logger := ctxlog.Logger(ctx).With("command", rec.Command, "attempt", attempt)

	if len(cmd.Argv) == 0 {
		return launchError(rec, ExitNotFound, errors.New("empty argument vector"))
	}

	path, err := exec.LookPath(cmd.Argv[0])
	if err != nil {
		return launchError(rec, ExitNotFound, err)
	}

	rOut, wOut, err := os.Pipe()
	if err != nil {
		return launchError(rec, ExitStartFailed, err)
	}

	rErr, wErr, err := os.Pipe()
	if err != nil {
		closeAll(rOut, wOut)
		return launchError(rec, ExitStartFailed, err)
	}

	child := &exec.Cmd{
		Path:   path,
		Args:   cmd.Argv,
		Dir:    cmd.Cwd,
		Env:    r.childEnv(cmd),
		Stdout: wOut,
		Stderr: wErr,
		SysProcAttr: &syscall.SysProcAttr{
			Setpgid: true, // the whole tree is signalled as a unit
		},
	}

	if err := child.Start(); err != nil {
		closeAll(rOut, wOut, rErr, wErr)
		return launchError(rec, ExitStartFailed, err)
	}

	pid := child.Process.Pid
	logger.Debug("process started", "pid", pid)

	if r.OnStart != nil {
		r.OnStart(pid)
	}

	outCh := readAsync(ctx, rOut)
	errCh := readAsync(ctx, rErr)

	// Watchdog kills the process group on per-command timeout or context
	// cancellation; the buffered channel records why.
	done := make(chan struct{})
	wdDone := make(chan struct{})
	killCause := make(chan Cause, 1)

	go func() {
		defer close(wdDone)
		r.watchdog(ctx, cmd, pid, done, killCause)
	}()

	// Memory supervision runs alongside the wait. Its context is
	// detached so that it observes the tree's death on its own terms,
	// then reports the peak.
	var memCh <-chan memmon.Report

	monCtx, monCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer monCancel()

	if r.Monitor != nil && cmd.MemoryLimitMB > 0 {
		memCh = r.Monitor.Supervise(ctxlog.New(monCtx, logger), pid, cmd.MemoryLimitMB<<20)
	}

	waitErr := child.Wait()

	close(done)
	<-wdDone
	_ = wOut.Close()
	_ = wErr.Close()

	rec.FinishedAt = time.Now()
	rec.ExitCode = exitCodeOf(child, waitErr)

	monCancel()

	if memCh != nil {
		rep := <-memCh
		rec.PeakRSSMB = rep.PeakBytes >> 20

		if rep.Exceeded {
			rec.Cause = CauseMemoryLimit
			rec.ExitCode = ExitMemoryKill
		}
	}

	if rec.Cause != CauseMemoryLimit {
		select {
		case cause := <-killCause:
			rec.Cause = cause
			rec.ExitCode = sentinelFor(cause)
		default:
			if ws, ok := child.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				rec.Cause = CauseSignal
				rec.ExitCode = 128 + int(ws.Signal())
			}
		}
	}

	out := <-outCh
	rec.Stdout = out.data

	errOut := <-errCh
	rec.Stderr = errOut.data

	if out.err != nil || errOut.err != nil {
		logger.Warn("output capture truncated", "stdoutErr", out.err, "stderrErr", errOut.err)
	}

	// The group leader is gone, but a descendant may have double-forked
	// out of the visible tree. The group id survives the leader.
	if procinspect.ReapStragglers(ctx, pid) {
		logger.Warn("straggler processes killed after command exit", "pgid", pid)
	}

	logger.Debug("process finished",
		"exitCode", rec.ExitCode,
		"cause", rec.Cause,
		"peakRSSMB", rec.PeakRSSMB)

	return rec
}

func (r *Runner) watchdog(ctx context.Context, cmd Command, pid int, done <-chan struct{}, killCause chan<- Cause) {
	var timeoutCh <-chan time.Time

	if cmd.Timeout > 0 {
		timer := time.NewTimer(cmd.Timeout)
		defer timer.Stop()

		timeoutCh = timer.C
	}

	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	select {
	case <-done:
		return

	case <-timeoutCh:
		ctxlog.Info(ctx, "command timeout exceeded, terminating process tree",
			"pid", pid, "timeout", cmd.Timeout)
		killCause <- CauseTimeout

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ctxlog.Info(ctx, "run deadline exceeded, terminating process tree", "pid", pid)
			killCause <- CausePipelineTimeout
		} else {
			ctxlog.Info(ctx, "run cancelled, terminating process tree", "pid", pid)
			killCause <- CauseSignal
		}
	}

	// Kill outside the select so the cause is recorded even if the
	// process dies mid-termination.
	if err := procinspect.KillTree(context.WithoutCancel(ctx), r.Inspector, pid, grace); err != nil {
		ctxlog.Error(ctx, "failed to fully terminate process tree", "pid", pid, "error", err)
	}
}

func sentinelFor(cause Cause) int {
	switch cause {
	case CauseTimeout:
		return ExitTimeout
	case CausePipelineTimeout:
		return ExitPipelineAbort
	default:
		return ExitSignalled
	}
}

func (r *Runner) childEnv(cmd Command) []string {
	env := os.Environ()

	for k, v := range cmd.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	env = append(env,
		fmt.Sprintf("%s=1", EnvActive),
		fmt.Sprintf("%s=%d", EnvSupervisor, os.Getpid()),
		fmt.Sprintf("%s=%s", EnvProject, r.ProjectID),
	)

	return env
}

func launchError(rec *ExecutionRecord, code int, err error) *ExecutionRecord {
	rec.FinishedAt = time.Now()
	rec.ExitCode = code
	rec.Cause = CauseLaunchError
	rec.Stderr = []byte(err.Error())

	return rec
}

func readAsync(ctx context.Context, r *os.File) <-chan readResult {
	ch := make(chan readResult, 1)

	go func() {
		defer r.Close() //nolint:errcheck

		data, err := readAllUpToMax(ctx, r, maxBufferSize)
		ch <- readResult{data: data, err: err}
	}()

	return ch
}

func readAllUpToMax(ctx context.Context, r io.Reader, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer

	n, err := io.CopyN(&buf, r, maxSize+1)
	if err != nil && err != io.EOF {
		return nil, errors.Join(ErrFailedToReadBuffer, err)
	}

	if n > maxSize {
		ctxlog.Debug(ctx, "output buffer overflow", "bytesRead", n, "maxBytes", maxSize)

		// Drain the rest so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)

		return buf.Bytes()[:maxSize], ErrBufferOverflow
	}

	return buf.Bytes(), nil
}

func exitCodeOf(child *exec.Cmd, waitErr error) int {
	if child.ProcessState != nil {
		return child.ProcessState.ExitCode()
	}

	if waitErr != nil {
		return -1
	}

	return 0
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
