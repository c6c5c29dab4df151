// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package main contains the lockstep command-line interface (CLI).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/matt-FFFFFF/lockstep"
	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/execcmd"
	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/logs"
	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/queuectl"
	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/reap"
	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/run"
	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/status"
	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/submit"
	"github.com/matt-FFFFFF/lockstep/internal/ctxlog"
	"github.com/matt-FFFFFF/lockstep/internal/signalbroker"
)

// rootCmd is the root command for the CLI.
var rootCmd = &cli.Command{
	Commands: []*cli.Command{
		submit.Cmd,
		run.Cmd,
		execcmd.Cmd,
		status.Cmd,
		queuectl.Cmd,
		logs.Cmd,
		reap.Cmd,
	},
	Writer:    os.Stdout,
	ErrWriter: os.Stderr,
	Name:      "lockstep",
	Description: `Lockstep serialises command execution per project. Commands submitted
from any number of terminals queue up durably and run strictly one at a
time, in order, each supervised with a timeout, a memory limit and full
process-tree cleanup. Every run leaves an execution record.`,
	Usage:     "lockstep submit -- make test",
	Copyright: "Copyright (c) matt-FFFFFF 2025. All rights reserved.",
	Authors: []any{
		"Matt White (matt-FFFFFF)",
	},
	EnableShellCompletion: true,
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = ctxlog.New(ctx, ctxlog.DefaultLogger)
	defer cancel()

	sigCh := signalbroker.New(ctx)

	go signalbroker.Watch(ctx, sigCh, cancel)

	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", lockstep.Version, lockstep.Commit)

	err := rootCmd.Run(ctx, os.Args) // ExitCoder errors are handled by the cli framework

	if ctx.Err() != nil {
		ctxlog.Logger(ctx).Error("terminated due to cancellation", "error", ctx.Err())
		os.Exit(1)
	}

	if err != nil {
		ctxlog.Logger(ctx).Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
