// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package status implements the status subcommand: a point-in-time view of
// the project queue and whatever is executing now.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/setup"
)

// Cmd is the status subcommand.
var Cmd = &cli.Command{
	Name:  "status",
	Usage: "lockstep status",
	Description: `Show the project identity, queue state, the running command and
everything still waiting, in submission order.`,
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

	q := env.Executor.Queue

	admission, execution, err := q.State(ctx)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	summary := tablewriter.NewWriter(cmd.Writer)
	summary.Header("Property", "Value")
	summary.Append("Project", env.Project.ID)             //nolint:errcheck,gosec
	summary.Append("Root", env.Project.Root)              //nolint:errcheck,gosec
	summary.Append("State dir", env.Project.StateDir)     //nolint:errcheck,gosec
	summary.Append("Admission", admission)                //nolint:errcheck,gosec
	summary.Append("Execution", execution)                //nolint:errcheck,gosec
	summary.Append("Waiting", fmt.Sprintf("%d", depth))   //nolint:errcheck,gosec

	if holder, err := env.Executor.Lock.Holder(); err == nil && holder != nil {
		lockValue := fmt.Sprintf("held by PID %d since %s",
			holder.PID, holder.AcquiredAt.Format(time.RFC3339))
		if env.Executor.Lock.Stale() {
			lockValue += " (stale)"
		}

		summary.Append("Lock", lockValue) //nolint:errcheck,gosec
	}

	running, err := q.Running(ctx)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if running != nil {
		summary.Append("Running", running.Command.String()) //nolint:errcheck,gosec

		if marker, err := env.Project.ReadCurrent(); err == nil && marker != nil {
			summary.Append("Running since", marker.StartedAt.Format(time.RFC3339)) //nolint:errcheck,gosec

			if marker.ChildPID != 0 {
				summary.Append("Running PID", fmt.Sprintf("%d", marker.ChildPID)) //nolint:errcheck,gosec
			}
		}
	}

	summary.Render() //nolint:errcheck,gosec

	waiting, err := q.Waiting(ctx)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if len(waiting) == 0 {
		return nil
	}

	fmt.Fprintln(cmd.Writer)

	table := tablewriter.NewWriter(cmd.Writer)
	table.Header("#", "Entry", "Command", "Submitter", "Enqueued")

	for i, entry := range waiting {
		table.Append( //nolint:errcheck,gosec
			fmt.Sprintf("%d", i+1),
			entry.ID,
			entry.Command.String(),
			fmt.Sprintf("%d", entry.SubmitterPID),
			entry.EnqueuedAt.Format(time.RFC3339),
		)
	}

	table.Render() //nolint:errcheck,gosec

	return nil
}
