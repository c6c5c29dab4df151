// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

package runner

import (
	"strings"
	"time"
)

// Environment markers inherited by every supervised child. They let nested
// invocations detect that they are already inside a managed run, and let the
// orphan reaper find trees whose supervisor has died.
const (
	// EnvActive marks a process tree as lockstep-managed.
	EnvActive = "LOCKSTEP_ACTIVE"
	// EnvSupervisor carries the PID of the supervising executor.
	EnvSupervisor = "LOCKSTEP_SUPERVISOR"
	// EnvProject carries the project identity of the supervising executor.
	EnvProject = "LOCKSTEP_PROJECT"
)

// Exit code sentinels surfaced to callers. Normal completions surface the
// child's own exit code instead.
const (
	// ExitTimeout mirrors the timeout(1) utility.
	ExitTimeout = 124
	// ExitPipelineAbort distinguishes a whole-run abort from a
	// per-command timeout.
	ExitPipelineAbort = 125
	// ExitStartFailed is used when the binary exists but could not be
	// started.
	ExitStartFailed = 126
	// ExitNotFound is used when the binary could not be resolved.
	ExitNotFound = 127
	// ExitSignalled is used when the tree was killed by an operator
	// signal or stop request.
	ExitSignalled = 130
	// ExitMemoryKill is 128+SIGKILL, used for memory-limit terminations.
	ExitMemoryKill = 137
)

// Cause records why a command run ended.
type Cause string

const (
	// CauseNormal means the command ran to completion on its own.
	CauseNormal Cause = "normal"
	// CauseTimeout means the per-command timeout expired.
	CauseTimeout Cause = "timeout"
	// CauseMemoryLimit means the tree exceeded its memory budget.
	CauseMemoryLimit Cause = "memory-limit"
	// CauseSignal means the tree was killed by a signal or stop request.
	CauseSignal Cause = "signal"
	// CauseLaunchError means the command never started.
	CauseLaunchError Cause = "launch-error"
	// CausePipelineTimeout means the whole run's deadline expired.
	CausePipelineTimeout Cause = "pipeline-timeout"
)

// Command is a request to execute an external program. It is immutable once
// enqueued; the executor consumes it exactly once.
type Command struct {
	// Argv is the program followed by its arguments.
	Argv []string `json:"argv"`
	// Cwd is the working directory; empty means the caller's.
	Cwd string `json:"cwd,omitempty"`
	// Env holds environment overrides applied on top of the inherited
	// environment.
	Env map[string]string `json:"env,omitempty"`
	// Timeout bounds a single attempt; zero means unlimited.
	Timeout time.Duration `json:"timeout,omitempty"`
	// MemoryLimitMB bounds the tree's aggregate RSS; zero means
	// unlimited.
	MemoryLimitMB int64 `json:"memory_limit_mb,omitempty"`
	// Retries is the number of additional sequential attempts after a
	// retryable failure.
	Retries int `json:"retries,omitempty"`
}

// String renders the command the way it was typed.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// ExecutionRecord is the append-only audit entry for one attempt. It is
// write-once: never mutated after the attempt finishes.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	EntryID    string    `json:"entry_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Attempt    int       `json:"attempt"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ExitCode   int       `json:"exit_code"`
	PeakRSSMB  int64     `json:"peak_rss_mb"`
	Cause      Cause     `json:"cause"`
	Stdout     []byte    `json:"-"`
	Stderr     []byte    `json:"-"`
}

// Killed reports whether the attempt ended by supervision rather than by
// the command itself.
func (r *ExecutionRecord) Killed() bool {
	switch r.Cause {
	case CauseTimeout, CauseMemoryLimit, CauseSignal, CausePipelineTimeout:
		return true
	default:
		return false
	}
}
