// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package queuectl implements the queue subcommand group: operator controls
// over admission and execution.
package queuectl

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/setup"
	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
	"github.com/matt-FFFFFF/lockstep/internal/queue"
)

// Cmd is the queue subcommand group.
var Cmd = &cli.Command{
	Name:  "queue",
	Usage: "lockstep queue <pause|resume|stop|clear|close|reopen>",
	Description: `Operator controls for the project queue.

pause    halt execution after the current command; entries stay queued
resume   continue execution from the oldest remaining entry
stop     kill the running command and discard everything queued
clear    discard waiting entries without touching execution
close    reject new submissions
reopen   accept new submissions again`,
	Commands: []*cli.Command{
		subcommand("pause", "Halt execution after the current command finishes.",
			func(q *queue.Queue) func(context.Context) error { return q.Pause }),
		subcommand("resume", "Continue executing queued commands in order.",
			func(q *queue.Queue) func(context.Context) error { return q.Resume }),
		subcommand("stop", "Kill the running command and discard all waiting entries.",
			func(q *queue.Queue) func(context.Context) error { return q.Stop }),
		subcommand("clear", "Discard all waiting entries. The running command is unaffected.",
			func(q *queue.Queue) func(context.Context) error { return q.Clear }),
		subcommand("close", "Reject new submissions until reopened.",
			func(q *queue.Queue) func(context.Context) error { return q.Close }),
		subcommand("reopen", "Accept new submissions again.",
			func(q *queue.Queue) func(context.Context) error { return q.Reopen }),
	},
}

func subcommand(name, usage string, op func(*queue.Queue) func(context.Context) error) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			setup.RootFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			env, err := setup.Open(cmd.String(setup.RootFlagName))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer env.Close() //nolint:errcheck

			if err := op(env.Executor.Queue)(ctx); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			ctxlog.Info(ctx, "queue state changed", "operation", name, "project", env.Project.ID)

			return nil
		},
	}
}
