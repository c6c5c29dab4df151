// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

// Package setup wires the per-project components every subcommand needs:
// the project context, the database and the executor built on top of them.
package setup

import (
	"github.com/urfave/cli/v3"

	"github.com/matt-FFFFFF/lockstep/internal/database"
	"github.com/matt-FFFFFF/lockstep/internal/executor"
	"github.com/matt-FFFFFF/lockstep/internal/procinspect"
	"github.com/matt-FFFFFF/lockstep/internal/project"
)

// RootFlagName is the shared project-root flag.
const RootFlagName = "root"

// RootFlag returns the project-root flag used by every subcommand.
func RootFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     RootFlagName,
		Aliases:  []string{"C"},
		Usage:    "Project root directory. State is keyed by this path.",
		Value:    ".",
		OnlyOnce: true,
	}
}

// Env bundles the open project state for one CLI invocation.
type Env struct {
	Project  *project.Context
	DB       *database.DB
	Executor *executor.Executor
}

// Open derives the project from the given root and opens its database.
// Callers must Close.
func Open(root string) (*Env, error) {
	pc, err := project.Derive(root)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(pc.DBPath)
	if err != nil {
		return nil, err
	}

	exec, err := executor.New(pc, db, procinspect.New())
	if err != nil {
		db.Close() //nolint:errcheck,gosec
		return nil, err
	}

	return &Env{Project: pc, DB: db, Executor: exec}, nil
}

// Close releases the database handle.
func (e *Env) Close() error {
	return e.DB.Close() //nolint:wrapcheck
}
