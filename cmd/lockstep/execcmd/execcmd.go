// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package execcmd implements the exec subcommand: run one command under full
// supervision (timeout, memory limit, process-tree cleanup) without touching
// the queue or the project lock.
package execcmd

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/setup"
	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
	"github.com/matt-FFFFFF/lockstep/internal/runner"
)

const (
	timeoutFlag     = "timeout"
	memoryLimitFlag = "memory-limit"
	retriesFlag     = "retries"
)

// Cmd is the exec subcommand.
var Cmd = &cli.Command{
	Name:      "exec",
	Usage:     "lockstep exec [options] -- <command> [args...]",
	ArgsUsage: "<command> [args...]",
	Description: `Run a command immediately under supervision, bypassing the queue.
The exit code of the command becomes the exit code of lockstep, with the
reserved codes for supervision outcomes: 124 timeout, 126 launch failure,
127 not found, 130 signalled, 137 memory limit.`,
	Flags: []cli.Flag{
		setup.RootFlag(),
		&cli.DurationFlag{
			Name:     timeoutFlag,
			Aliases:  []string{"t"},
			Usage:    "Kill the command after this long. Zero means no limit.",
			OnlyOnce: true,
		},
		&cli.Int64Flag{
			Name:     memoryLimitFlag,
			Aliases:  []string{"m"},
			Usage:    "Kill the command when its process tree exceeds this many MB of resident memory. Zero means no limit.",
			OnlyOnce: true,
		},
		&cli.IntFlag{
			Name:     retriesFlag,
			Usage:    "Re-run the command up to this many extra times on failure.",
			OnlyOnce: true,
		},
	},
	Action: actionFunc,
}

func actionFunc(ctx context.Context, cmd *cli.Command) error {
	logger := ctxlog.Logger(ctx).With("command", cmd.Name)

	argv := cmd.Args().Slice()
	if len(argv) == 0 {
		logger.Error("No command given. Specify the command after --, e.g. lockstep exec -- make test")
		return cli.Exit("", 1)
	}

	env, err := setup.Open(cmd.String(setup.RootFlagName))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer env.Close() //nolint:errcheck

	cwd, err := os.Getwd()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	timeout := cmd.Duration(timeoutFlag)
	if !cmd.IsSet(timeoutFlag) {
		timeout = env.Project.Config.DefaultTimeout.Std()
	}

	memoryLimit := cmd.Int64(memoryLimitFlag)
	if !cmd.IsSet(memoryLimitFlag) {
		memoryLimit = env.Project.Config.DefaultMemoryLimitMB
	}

	rec := env.Executor.ExecDirect(ctx, runner.Command{
		Argv:          argv,
		Cwd:           cwd,
		Timeout:       timeout,
		MemoryLimitMB: memoryLimit,
		Retries:       cmd.Int(retriesFlag),
	})

	cmd.Writer.Write(rec.Stdout)    //nolint:errcheck,gosec
	cmd.ErrWriter.Write(rec.Stderr) //nolint:errcheck,gosec

	if rec.Killed() {
		logger.Warn("command was killed", "cause", rec.Cause, "exitCode", rec.ExitCode)
	}

	if rec.ExitCode != 0 {
		return cli.Exit("", rec.ExitCode)
	}

	return nil
}
