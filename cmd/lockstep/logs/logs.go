// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package logs implements the logs subcommand group: browse and follow
// execution records.
package logs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/matt-FFFFFF/lockstep/cmd/lockstep/setup"
	"github.com/matt-FFFFFF/lockstep/internal/record"
)

const (
	statusFlag = "status"
	sinceFlag  = "since"
	limitFlag  = "limit"
)

// Cmd is the logs subcommand group.
var Cmd = &cli.Command{
	Name:  "logs",
	Usage: "lockstep logs <list|show|tail>",
	Description: `Browse the project's execution records. Every attempt of every
command leaves one record and one raw output log.`,
	Commands: []*cli.Command{
		listCmd,
		showCmd,
		tailCmd,
	},
}

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "lockstep logs list [--status completed|failed|killed] [--since 24h] [--limit 50]",
	Flags: []cli.Flag{
		setup.RootFlag(),
		&cli.StringFlag{
			Name:     statusFlag,
			Usage:    "Filter by outcome: completed, failed or killed.",
			OnlyOnce: true,
		},
		&cli.DurationFlag{
			Name:     sinceFlag,
			Usage:    "Only records started within this window.",
			OnlyOnce: true,
		},
		&cli.IntFlag{
			Name:     limitFlag,
			Aliases:  []string{"n"},
			Usage:    "Maximum number of records to show.",
			OnlyOnce: true,
		},
	},
	Action: listAction,
}

var showCmd = &cli.Command{
	Name:      "show",
	Usage:     "lockstep logs show <record-id>",
	ArgsUsage: "<record-id>",
	Flags: []cli.Flag{
		setup.RootFlag(),
	},
	Action: showAction,
}

var tailCmd = &cli.Command{
	Name:  "tail",
	Usage: "lockstep logs tail",
	Description: `Stream the most recent execution log, following growth until
interrupted.`,
	Flags: []cli.Flag{
		setup.RootFlag(),
	},
	Action: tailAction,
}

func listAction(ctx context.Context, cmd *cli.Command) error {
	env, err := setup.Open(cmd.String(setup.RootFlagName))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer env.Close() //nolint:errcheck

	filter := record.Filter{
		Status: cmd.String(statusFlag),
		Limit:  cmd.Int(limitFlag),
	}

	if cmd.IsSet(sinceFlag) {
		filter.Since = time.Now().Add(-cmd.Duration(sinceFlag))
	}

	recs, err := env.Executor.Store.List(ctx, filter)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if len(recs) == 0 {
		fmt.Fprintln(cmd.Writer, "No execution records")
		return nil
	}

	table := tablewriter.NewWriter(cmd.Writer)
	table.Header("Record", "Command", "Started", "Duration", "Exit", "Cause", "Peak MB")

	for _, rec := range recs {
		table.Append( //nolint:errcheck,gosec
			rec.ID,
			rec.Command,
			rec.StartedAt.Format(time.RFC3339),
			rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond).String(),
			fmt.Sprintf("%d", rec.ExitCode),
			string(rec.Cause),
			fmt.Sprintf("%d", rec.PeakRSSMB),
		)
	}

	table.Render() //nolint:errcheck,gosec

	return nil
}

func showAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return cli.Exit("specify a record id, see 'lockstep logs list'", 1)
	}

	env, err := setup.Open(cmd.String(setup.RootFlagName))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer env.Close() //nolint:errcheck

	_, data, err := env.Executor.Store.Get(ctx, id)

	switch {
	case errors.Is(err, record.ErrNotFound):
		return cli.Exit(fmt.Sprintf("no record with id %s", id), 1)
	case err != nil:
		return cli.Exit(err.Error(), 1)
	}

	cmd.Writer.Write(data) //nolint:errcheck,gosec

	return nil
}

func tailAction(ctx context.Context, cmd *cli.Command) error {
	env, err := setup.Open(cmd.String(setup.RootFlagName))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer env.Close() //nolint:errcheck

	err = env.Executor.Store.Tail(ctx, cmd.Writer)

	switch {
	case errors.Is(err, record.ErrNoLogs):
		return cli.Exit("no execution logs yet", 1)
	case err != nil:
		return cli.Exit(err.Error(), 1)
	}

	return nil
}
