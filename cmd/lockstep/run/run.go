// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package run implements the run subcommand: the executor loop that drains
// the project queue one command at a time.
package run

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/setup"
	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
	"github.com/matt-FFFFFF/lockstep/internal/executor"
	"github.com/matt-FFFFFF/lockstep/internal/runner"
)

const (
	pipelineTimeoutFlag = "pipeline-timeout"
	onceFlag            = "once"
)

// Cmd is the run subcommand.
var Cmd = &cli.Command{
	Name:  "run",
	Usage: "lockstep run [--once] [--pipeline-timeout 30m]",
	Description: `Start the executor for this project. It dequeues commands in
submission order and runs them one at a time under the project lock,
enforcing per-command timeouts and memory limits.

Only one executor per project makes progress; a second one blocks on the
lock. The executor idles when the queue is empty unless --once is given.`,
	Flags: []cli.Flag{
		setup.RootFlag(),
		&cli.DurationFlag{
			Name: pipelineTimeoutFlag,
			Usage: "Abort the whole run after this long: the running command is killed " +
				"and everything still queued is discarded with an audit record. " +
				"Zero means no limit.",
			OnlyOnce: true,
		},
		&cli.BoolFlag{
			Name:     onceFlag,
			Usage:    "Exit once the queue is empty instead of idling.",
			OnlyOnce: true,
		},
	},
	Action: actionFunc,
}

func actionFunc(ctx context.Context, cmd *cli.Command) error {
	logger := ctxlog.Logger(ctx).With("command", cmd.Name)

	env, err := setup.Open(cmd.String(setup.RootFlagName))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer env.Close() //nolint:errcheck

	exec := env.Executor
	exec.Once = cmd.Bool(onceFlag)

	if cmd.IsSet(pipelineTimeoutFlag) {
		exec.PipelineTimeout = cmd.Duration(pipelineTimeoutFlag)
	}

	err = exec.Run(ctx)

	switch {
	case errors.Is(err, executor.ErrPipelineTimeout):
		logger.Error("run aborted: pipeline timeout exceeded")
		return cli.Exit("", runner.ExitPipelineAbort)
	case errors.Is(err, executor.ErrStopped):
		logger.Info("run stopped")
		return nil
	case errors.Is(err, context.Canceled):
		// Signal-driven shutdown is reported by main.
		return err //nolint:wrapcheck
	case err != nil:
		return cli.Exit(err.Error(), 1)
	}

	return nil
}
