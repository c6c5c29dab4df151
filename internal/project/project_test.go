// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDIsStableAndDistinct(t *testing.T) {
	a, err := ID("/tmp/project-a")
	require.NoError(t, err)

	a2, err := ID("/tmp/project-a")
	require.NoError(t, err)

	b, err := ID("/tmp/project-b")
	require.NoError(t, err)

	assert.Equal(t, a, a2)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 12)
}

func TestDeriveLaysOutState(t *testing.T) {
	root := t.TempDir()
	state := t.TempDir()

	require.NoError(t, os.WriteFile(
		filepath.Join(root, ConfigFileName),
		[]byte("state_dir: "+state+"\n"),
		0o640))

	pc, err := Derive(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(state, pc.ID), pc.StateDir)
	assert.Equal(t, filepath.Join(pc.StateDir, "lock"), pc.LockDir)
	assert.Equal(t, filepath.Join(pc.StateDir, "queue.db"), pc.DBPath)
	assert.Equal(t, filepath.Join(pc.StateDir, "logs"), pc.LogsDir)

	info, err := os.Stat(pc.StateDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestTwoProjectsDoNotShareState(t *testing.T) {
	state := t.TempDir()

	mkProject := func() *Context {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(
			filepath.Join(root, ConfigFileName),
			[]byte("state_dir: "+state+"\n"),
			0o640))

		pc, err := Derive(root)
		require.NoError(t, err)

		return pc
	}

	a := mkProject()
	b := mkProject()

	assert.NotEqual(t, a.StateDir, b.StateDir)
	assert.NotEqual(t, a.LockDir, b.LockDir)
	assert.NotEqual(t, a.DBPath, b.DBPath)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 200*time.Millisecond, cfg.PollInterval.Std())
	assert.Equal(t, time.Second, cfg.MemoryPollInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.GracePeriod.Std())
	assert.Zero(t, cfg.DefaultTimeout)
	assert.Zero(t, cfg.PipelineTimeout)
}

func TestLoadConfigParsesDurations(t *testing.T) {
	root := t.TempDir()

	yaml := `
default_timeout: 90s
default_memory_limit_mb: 2048
pipeline_timeout: 1h
poll_interval: 50ms
grace_period: 2s
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(yaml), 0o640))

	cfg, err := LoadConfig(root)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.DefaultTimeout.Std())
	assert.Equal(t, int64(2048), cfg.DefaultMemoryLimitMB)
	assert.Equal(t, time.Hour, cfg.PipelineTimeout.Std())
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval.Std())
	assert.Equal(t, 2*time.Second, cfg.GracePeriod.Std())
	// Unset values keep defaults.
	assert.Equal(t, time.Second, cfg.MemoryPollInterval.Std())
}

func TestLoadConfigFallsBackToUserConfig(t *testing.T) {
	stateHome := t.TempDir()
	t.Setenv("XDG_STATE_HOME", stateHome)

	require.NoError(t, os.MkdirAll(filepath.Join(stateHome, "lockstep"), 0o750))
	require.NoError(t, os.WriteFile(
		filepath.Join(stateHome, "lockstep", "config.yaml"),
		[]byte("poll_interval: 75ms\n"),
		0o640))

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 75*time.Millisecond, cfg.PollInterval.Std())

	// A project-level file wins over the user-wide one.
	root := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(root, ConfigFileName),
		[]byte("poll_interval: 30ms\n"),
		0o640))

	cfg, err = LoadConfig(root)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, cfg.PollInterval.Std())
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.WriteFile(
		filepath.Join(root, ConfigFileName),
		[]byte("default_timeout: not-a-duration\n"),
		0o640))

	_, err := LoadConfig(root)
	assert.Error(t, err)
}

func TestCurrentMarkerRoundTrip(t *testing.T) {
	root := t.TempDir()
	state := t.TempDir()

	require.NoError(t, os.WriteFile(
		filepath.Join(root, ConfigFileName),
		[]byte("state_dir: "+state+"\n"),
		0o640))

	pc, err := Derive(root)
	require.NoError(t, err)

	marker, err := pc.ReadCurrent()
	require.NoError(t, err)
	assert.Nil(t, marker)

	want := CurrentMarker{
		EntryID:     "abc",
		ExecutorPID: os.Getpid(),
		ChildPID:    1234,
		StartedAt:   time.Now().Truncate(time.Second),
	}
	require.NoError(t, pc.WriteCurrent(want))

	marker, err = pc.ReadCurrent()
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, want.EntryID, marker.EntryID)
	assert.Equal(t, want.ExecutorPID, marker.ExecutorPID)

	require.NoError(t, pc.ClearCurrent())
	require.NoError(t, pc.ClearCurrent()) // idempotent

	marker, err = pc.ReadCurrent()
	require.NoError(t, err)
	assert.Nil(t, marker)
}
