// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package memmon supervises the aggregate resident memory of a process tree
// and terminates the tree when it exceeds its configured limit.
package memmon

import (
	"context"
	"time"

	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
	"github.com/matt-FFFFFF/lockstep/internal/procinspect"
)

const (
	// DefaultInterval is the poll interval when none is configured.
	DefaultInterval = 1 * time.Second
	// DefaultGrace is how long a tree gets to exit after SIGTERM before
	// it is force-killed.
	DefaultGrace = 5 * time.Second

	warnFraction = 0.5
)

// Report is the final outcome of one supervision run.
type Report struct {
	// PeakBytes is the highest aggregate RSS observed.
	PeakBytes int64
	// Exceeded is true when the tree was terminated for exceeding its
	// memory limit.
	Exceeded bool
}

// Monitor polls the resident memory of process trees.
type Monitor struct {
	Inspector procinspect.Inspector
	Interval  time.Duration
	Grace     time.Duration
}

// New returns a Monitor using the given inspector and defaults.
func New(insp procinspect.Inspector) *Monitor {
	return &Monitor{
		Inspector: insp,
		Interval:  DefaultInterval,
		Grace:     DefaultGrace,
	}
}

// Supervise watches the tree rooted at root until the root exits or ctx is
// cancelled, and delivers exactly one Report on the returned channel.
//
// If the aggregate RSS exceeds limitBytes the whole tree is terminated
// (SIGTERM, grace period, SIGKILL). Crossing half the limit logs a warning.
// A limitBytes of zero means unlimited: only the peak is tracked.
//
// The runner waiting on the same tree may observe the death first; both
// sides treat signalling a dead process as a no-op, so there is no
// destructive race.
func (m *Monitor) Supervise(ctx context.Context, root int, limitBytes int64) <-chan Report {
	out := make(chan Report, 1)

	go m.superviseLoop(ctx, root, limitBytes, out)

	return out
}

func (m *Monitor) superviseLoop(ctx context.Context, root int, limitBytes int64, out chan<- Report) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var rep Report

	warned := false

	defer func() { out <- rep }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !m.Inspector.Alive(root) {
			ctxlog.Debug(ctx, "memory monitor: root gone", "pid", root)
			return
		}

		rss, err := m.Inspector.TreeRSSBytes(root)
		if err != nil {
			ctxlog.Debug(ctx, "memory monitor: rss read failed", "pid", root, "error", err)
			continue
		}

		if rss > rep.PeakBytes {
			rep.PeakBytes = rss
		}

		if limitBytes <= 0 {
			continue
		}

		if rss > limitBytes {
			ctxlog.Warn(ctx, "memory limit exceeded, terminating process tree",
				"pid", root,
				"rssBytes", rss,
				"limitBytes", limitBytes)

			rep.Exceeded = true

			if err := procinspect.KillTree(ctx, m.Inspector, root, m.Grace); err != nil {
				ctxlog.Error(ctx, "memory monitor: kill failed", "pid", root, "error", err)
			}

			return
		}

		if !warned && float64(rss) > float64(limitBytes)*warnFraction {
			ctxlog.Warn(ctx, "memory usage above half of limit",
				"pid", root,
				"rssBytes", rss,
				"limitBytes", limitBytes)

			warned = true
		}
	}
}
