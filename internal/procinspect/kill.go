// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

package procinspect

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
)

const killPollInterval = 50 * time.Millisecond

// KillTree terminates the process group rooted at pid: SIGTERM first, then
// after the grace period SIGKILL for the group and any straggling
// descendants that escaped the group (e.g. by double-forking).
//
// Signalling an already-dead process is a no-op, so KillTree is safe to call
// from concurrent supervisors; whichever gets there first wins.
func KillTree(ctx context.Context, insp Inspector, pid int, grace time.Duration) error {
	// Snapshot descendants before signalling so stragglers can be found
	// even after the root is gone.
	known, _ := insp.Descendants(pid)

	signalGroup(ctx, pid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if treeGone(insp, pid, known) {
			return nil
		}

		time.Sleep(killPollInterval)
	}

	signalGroup(ctx, pid, syscall.SIGKILL)

	var errs *multierror.Error

	for _, member := range append(known, pid) {
		if !insp.Alive(member) {
			continue
		}

		if err := syscall.Kill(member, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = multierror.Append(errs, err)
		}
	}

	// Final re-scan: a child forked between snapshot and kill.
	if extra, _ := insp.Descendants(pid); len(extra) > 0 {
		for _, member := range extra {
			if err := syscall.Kill(member, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				errs = multierror.Append(errs, err)
			}
		}
	}

	return errs.ErrorOrNil()
}

// ReapStragglers force-kills any surviving members of the process group.
// Used after the group leader has been reaped, when descendants can no
// longer be discovered through ancestry (double-fork orphans keep the
// group id). Returns true if any survivor was found.
func ReapStragglers(ctx context.Context, pgid int) bool {
	if err := syscall.Kill(-pgid, 0); err != nil {
		return false
	}

	ctxlog.Debug(ctx, "straggler processes found in group, force-killing", "pgid", pgid)

	_ = syscall.Kill(-pgid, syscall.SIGKILL)

	return true
}

func signalGroup(ctx context.Context, pid int, sig syscall.Signal) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Root already reaped; fall back to a direct signal in case the
		// PID is still valid under another group.
		if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			ctxlog.Debug(ctx, "signal failed", "pid", pid, "signal", sig, "error", err)
		}

		return
	}

	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		ctxlog.Debug(ctx, "group signal failed", "pgid", pgid, "signal", sig, "error", err)
	}
}

func treeGone(insp Inspector, pid int, known []int) bool {
	if insp.Alive(pid) {
		return false
	}

	for _, member := range known {
		if insp.Alive(member) {
			return false
		}
	}

	return true
}
