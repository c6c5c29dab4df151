// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package submit implements the submit subcommand: append a command to the
// project queue and optionally wait for its result.
package submit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/setup"
	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
	"github.com/matt-FFFFFF/lockstep/internal/queue"
	"github.com/matt-FFFFFF/lockstep/internal/record"
	"github.com/matt-FFFFFF/lockstep/internal/runner"
)

const (
	timeoutFlag     = "timeout"
	memoryLimitFlag = "memory-limit"
	retriesFlag     = "retries"
	cwdFlag         = "cwd"
	envFlag         = "env"
	waitFlag        = "wait"
	bypassFlag      = "bypass"

	waitPollInterval = 200 * time.Millisecond
)

// ErrBadEnv is returned when an --env value is not KEY=VALUE.
var ErrBadEnv = errors.New("invalid --env value, expected KEY=VALUE")

// Cmd is the submit subcommand.
var Cmd = &cli.Command{
	Name:      "submit",
	Usage:     "lockstep submit [options] -- <command> [args...]",
	ArgsUsage: "<command> [args...]",
	Description: `Append a command to the project queue. The command runs when every
earlier submission has finished, so concurrent submitters from different
terminals never execute at the same time.

When invoked from inside a command that is itself managed by lockstep, the
submission executes immediately instead of queuing, because queuing behind
the very command that is waiting for it would deadlock.`,
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
		&cli.StringFlag{
			Name:     cwdFlag,
			Usage:    "Working directory for the command. Defaults to the current directory.",
			OnlyOnce: true,
		},
		&cli.StringSliceFlag{
			Name:    envFlag,
			Aliases: []string{"e"},
			Usage:   "Extra environment variables as KEY=VALUE. Repeatable.",
		},
		&cli.BoolFlag{
			Name:     waitFlag,
			Aliases:  []string{"w"},
			Usage:    "Block until the command has run, then exit with its exit code.",
			OnlyOnce: true,
		},
		&cli.BoolFlag{
			Name:     bypassFlag,
			Usage:    "Skip the queue and run immediately under supervision. Implied inside a managed command.",
			OnlyOnce: true,
		},
	},
	Action: actionFunc,
}

func actionFunc(ctx context.Context, cmd *cli.Command) error {
	logger := ctxlog.Logger(ctx).With("command", cmd.Name)

	argv := cmd.Args().Slice()
	if len(argv) == 0 {
		logger.Error("No command given. Specify the command after --, e.g. lockstep submit -- make test")
		return cli.Exit("", 1)
	}

	env, err := setup.Open(cmd.String(setup.RootFlagName))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer env.Close() //nolint:errcheck

	spec, err := buildCommand(cmd, argv, env)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	// Inside a managed command the queue is already drained down to us;
	// queuing would wait on ourselves forever. Execute directly instead.
	if cmd.Bool(bypassFlag) || os.Getenv(runner.EnvActive) != "" {
		logger.Debug("bypassing queue", "nested", os.Getenv(runner.EnvActive) != "")

		rec := env.Executor.ExecDirect(ctx, spec)
		writeOutput(cmd, rec)

		return exitWith(rec.ExitCode)
	}

	id, err := env.Executor.Queue.Enqueue(ctx, spec)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			logger.Error("The queue is closed to new submissions. Use 'lockstep queue reopen' to accept submissions again.")
			return cli.Exit("", 1)
		}

		return cli.Exit(err.Error(), 1)
	}

	logger.Info("submitted", "entryID", id, "command", spec.String())
	fmt.Fprintln(cmd.Writer, id)

	if !cmd.Bool(waitFlag) {
		return nil
	}

	return wait(ctx, env, id, cmd)
}

// buildCommand assembles the Command from flags, falling back to the
// project config for timeout and memory limit.
func buildCommand(cmd *cli.Command, argv []string, env *setup.Env) (runner.Command, error) {
	cwd := cmd.String(cwdFlag)
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return runner.Command{}, fmt.Errorf("failed to resolve working directory: %w", err)
		}

		cwd = wd
	}

	extra, err := parseEnv(cmd.StringSlice(envFlag))
	if err != nil {
		return runner.Command{}, err
	}

	timeout := cmd.Duration(timeoutFlag)
	if !cmd.IsSet(timeoutFlag) {
		timeout = env.Project.Config.DefaultTimeout.Std()
	}

	memoryLimit := cmd.Int64(memoryLimitFlag)
	if !cmd.IsSet(memoryLimitFlag) {
		memoryLimit = env.Project.Config.DefaultMemoryLimitMB
	}

	return runner.Command{
		Argv:          argv,
		Cwd:           cwd,
		Env:           extra,
		Timeout:       timeout,
		MemoryLimitMB: memoryLimit,
		Retries:       cmd.Int(retriesFlag),
	}, nil
}

// parseEnv turns repeated KEY=VALUE flags into a map. Later values win.
func parseEnv(kvs []string) (map[string]string, error) {
	env := map[string]string{}

	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadEnv, kv)
		}

		env[key] = value
	}

	return env, nil
}

// wait polls until the entry has left the queue and its final record is
// available, then exits with the command's exit code.
func wait(ctx context.Context, env *setup.Env, id string, cmd *cli.Command) error {
	for {
		_, err := env.Executor.Queue.Get(ctx, id)

		switch {
		case errors.Is(err, queue.ErrNotFound):
			// Entry finished and was removed; its record remains.
			rec, err := env.Executor.Store.LatestByEntry(ctx, id)
			if err != nil {
				if errors.Is(err, record.ErrNotFound) {
					// Cleared from the queue without running.
					return cli.Exit("submission was discarded before running", 1)
				}

				return cli.Exit(err.Error(), 1)
			}

			return exitWith(rec.ExitCode)
		case err != nil:
			return cli.Exit(err.Error(), 1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck
		case <-time.After(waitPollInterval):
		}
	}
}

func writeOutput(cmd *cli.Command, rec *runner.ExecutionRecord) {
	if rec == nil {
		return
	}

	cmd.Writer.Write(rec.Stdout)    //nolint:errcheck,gosec
	cmd.ErrWriter.Write(rec.Stderr) //nolint:errcheck,gosec
}

func exitWith(code int) error {
	if code == 0 {
		return nil
	}

	return cli.Exit("", code)
}
