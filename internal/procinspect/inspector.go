// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package procinspect wraps OS process introspection behind a small
// interface so that the platform-specific logic stays in one place and can
// be faked in tests.
package procinspect

import "context"

// Inspector answers liveness, ancestry and memory questions about processes.
type Inspector interface {
	// Alive reports whether the process with the given PID exists.
	Alive(pid int) bool

	// Descendants returns the PIDs of all transitive children of pid.
	// The root itself is not included. Processes that vanish during the
	// scan are silently skipped.
	Descendants(pid int) ([]int, error)

	// TreeRSSBytes returns the summed resident set size of pid and all of
	// its transitive children.
	TreeRSSBytes(pid int) (int64, error)

	// ProcessesWithEnv returns the PIDs of processes whose environment
	// contains the given KEY=VALUE entry. Processes whose environment
	// cannot be read (typically other users') are skipped.
	ProcessesWithEnv(ctx context.Context, entry string) ([]int, error)

	// Environ returns the environment of pid, or an error when it cannot
	// be read.
	Environ(pid int) ([]string, error)

	// ParentPID returns the parent PID of pid, or 0 if it cannot be
	// determined.
	ParentPID(pid int) int
}
