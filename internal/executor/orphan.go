// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
	"github.com/matt-FFFFFF/lockstep/internal/procinspect"
	"github.com/matt-FFFFFF/lockstep/internal/runner"
)

// ReapOrphans finds process trees spawned for this project whose supervising
// executor is no longer alive and kills them. It returns the number of trees
// reaped.
//
// Managed processes are found by their environment markers, so trees that
// double-forked away from their original process group are still caught.
func (e *Executor) ReapOrphans(ctx context.Context) int {
	marker := fmt.Sprintf("%s=%s", runner.EnvProject, e.Project.ID)

	pids, err := e.Inspector.ProcessesWithEnv(ctx, marker)
	if err != nil {
		ctxlog.Error(ctx, "orphan scan failed", "error", err)
		return 0
	}

	self := os.Getpid()
	reaped := 0

	for _, pid := range pids {
		if pid == self {
			continue
		}

		supervisor, ok := supervisorOf(e.Inspector, pid)
		if !ok {
			continue
		}

		if supervisor == self || e.Inspector.Alive(supervisor) {
			continue
		}

		// Skip non-root members of an orphaned tree; killing the root
		// takes the whole group with it.
		if parent := e.Inspector.ParentPID(pid); parent != 0 && e.Inspector.Alive(parent) {
			if psup, ok := supervisorOf(e.Inspector, parent); ok && psup == supervisor {
				continue
			}
		}

		ctxlog.Warn(ctx, "reaping orphaned process tree",
			"pid", pid, "deadSupervisorPID", supervisor)

		if err := procinspect.KillTree(ctx, e.Inspector, pid, e.Runner.Grace); err != nil {
			ctxlog.Error(ctx, "failed to reap orphan", "pid", pid, "error", err)
			continue
		}

		reaped++
	}

	return reaped
}

// supervisorOf extracts the supervising executor's PID from a managed
// process's environment.
func supervisorOf(insp procinspect.Inspector, pid int) (int, bool) {
	env, err := insp.Environ(pid)
	if err != nil {
		return 0, false
	}

	prefix := runner.EnvSupervisor + "="

	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}

		supervisor, err := strconv.Atoi(strings.TrimPrefix(kv, prefix))
		if err != nil {
			return 0, false
		}

		return supervisor, true
	}

	return 0, false
}
