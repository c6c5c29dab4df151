// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package reap implements the reap subcommand: kill process trees left
// behind by executors that died.
package reap

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/setup"
)

// Cmd is the reap subcommand.
var Cmd = &cli.Command{
	Name:  "reap",
	Usage: "lockstep reap",
	Description: `Scan for process trees that were started for this project but
whose supervising executor is no longer alive, and kill them. The running
executor does this on a schedule; reap forces a scan now.`,
	Flags: []cli.Flag{
		setup.RootFlag(),
	},
	Action: actionFunc,
}

func actionFunc(ctx context.Context, cmd *cli.Command) error {
	env, err := setup.Open(cmd.String(setup.RootFlagName))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer env.Close() //nolint:errcheck

	n := env.Executor.ReapOrphans(ctx)

	fmt.Fprintf(cmd.Writer, "reaped %d orphaned process tree(s)\n", n)

	return nil
}
