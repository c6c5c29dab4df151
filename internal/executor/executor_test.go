// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-FFFFFF/lockstep/internal/database"
	"github.com/matt-FFFFFF/lockstep/internal/lock"
	"github.com/matt-FFFFFF/lockstep/internal/procinspect"
	"github.com/matt-FFFFFF/lockstep/internal/project"
	"github.com/matt-FFFFFF/lockstep/internal/queue"
	"github.com/matt-FFFFFF/lockstep/internal/runner"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()

	root := t.TempDir()
	cfg := "state_dir: " + filepath.Join(root, "state") + "\n" +
		"poll_interval: 20ms\n" +
		"memory_poll_interval: 100ms\n" +
		"grace_period: 1s\n" +
		"reap_interval: 1h\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, project.ConfigFileName), []byte(cfg), 0o600))

	pc, err := project.Derive(root)
	require.NoError(t, err)

	db, err := database.Open(pc.DBPath)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	e, err := New(pc, db, procinspect.New())
	require.NoError(t, err)

	return e
}

func appendCmd(marker, token string) runner.Command {
	return runner.Command{Argv: []string{"sh", "-c", "echo " + token + " >> " + marker}}
}

func TestRunExecutesInFIFOOrder(t *testing.T) {
	e := newTestExecutor(t)
	e.Once = true

	ctx := context.Background()
	marker := filepath.Join(t.TempDir(), "order")

	idA, err := e.Queue.Enqueue(ctx, appendCmd(marker, "A"))
	require.NoError(t, err)
	_, err = e.Queue.Enqueue(ctx, appendCmd(marker, "B"))
	require.NoError(t, err)

	require.NoError(t, e.Run(ctx))

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "A\nB\n", string(data))

	depth, err := e.Queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "finished entries must leave the queue")

	rec, err := e.Store.LatestByEntry(ctx, idA)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ExitCode)
	assert.Equal(t, runner.CauseNormal, rec.Cause)
	assert.NotEmpty(t, rec.RunID)
}

func TestRunIdlesWhilePausedAndResumesInOrder(t *testing.T) {
	e := newTestExecutor(t)
	e.Once = true

	ctx := context.Background()
	marker := filepath.Join(t.TempDir(), "order")

	require.NoError(t, e.Queue.Pause(ctx))

	_, err := e.Queue.Enqueue(ctx, appendCmd(marker, "A"))
	require.NoError(t, err)
	_, err = e.Queue.Enqueue(ctx, appendCmd(marker, "B"))
	require.NoError(t, err)

	errCh := make(chan error, 1)

	go func() { errCh <- e.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	assert.NoFileExists(t, marker, "paused queue must not execute")

	require.NoError(t, e.Queue.Resume(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("executor did not drain after resume")
	}

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "A\nB\n", string(data), "resume must keep the original order")
}

func TestRunPipelineTimeoutAbortsEverything(t *testing.T) {
	e := newTestExecutor(t)
	e.PipelineTimeout = 700 * time.Millisecond

	ctx := context.Background()

	idSleep, err := e.Queue.Enqueue(ctx, runner.Command{Argv: []string{"sleep", "30"}})
	require.NoError(t, err)
	idNever, err := e.Queue.Enqueue(ctx, runner.Command{Argv: []string{"echo", "never"}})
	require.NoError(t, err)

	start := time.Now()
	err = e.Run(ctx)
	require.ErrorIs(t, err, ErrPipelineTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)

	rec, err := e.Store.LatestByEntry(ctx, idSleep)
	require.NoError(t, err)
	assert.Equal(t, runner.CausePipelineTimeout, rec.Cause)
	assert.Equal(t, runner.ExitPipelineAbort, rec.ExitCode)

	// The entry that never started still gets an audit record.
	rec, err = e.Store.LatestByEntry(ctx, idNever)
	require.NoError(t, err)
	assert.Equal(t, runner.CausePipelineTimeout, rec.Cause)

	depth, err := e.Queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRunPipelineTimeoutWhileWaitingForLock(t *testing.T) {
	e := newTestExecutor(t)
	e.PipelineTimeout = 700 * time.Millisecond

	ctx := context.Background()

	// A live foreign holder keeps the lock for the whole run, so the
	// dequeued entry never executes.
	foreign := lock.New(e.Project.LockDir, procinspect.New())

	ok, err := foreign.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	t.Cleanup(func() { _ = foreign.Release() })

	id, err := e.Queue.Enqueue(ctx, runner.Command{Argv: []string{"echo", "hi"}})
	require.NoError(t, err)

	require.ErrorIs(t, e.Run(ctx), ErrPipelineTimeout)

	// The entry must not linger in running state for a later run to
	// resurrect; it ends killed, with an audit record.
	_, err = e.Queue.Get(ctx, id)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	rec, err := e.Store.LatestByEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runner.CausePipelineTimeout, rec.Cause)
	assert.Equal(t, runner.ExitPipelineAbort, rec.ExitCode)

	depth, err := e.Queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRunCancellationRecordsSignalCause(t *testing.T) {
	e := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idRunning, err := e.Queue.Enqueue(ctx, runner.Command{Argv: []string{"sleep", "30"}})
	require.NoError(t, err)
	idWaiting, err := e.Queue.Enqueue(ctx, runner.Command{Argv: []string{"echo", "never"}})
	require.NoError(t, err)

	errCh := make(chan error, 1)

	go func() { errCh <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		running, err := e.Queue.Running(context.Background())
		return err == nil && running != nil
	}, 5*time.Second, 20*time.Millisecond, "entry never started")

	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("executor did not shut down")
	}

	// Operator cancellation is not a pipeline timeout; the audit trail
	// must say signal, for the running and the never-started entry alike.
	rec, err := e.Store.LatestByEntry(context.Background(), idRunning)
	require.NoError(t, err)
	assert.Equal(t, runner.CauseSignal, rec.Cause)

	rec, err = e.Store.LatestByEntry(context.Background(), idWaiting)
	require.NoError(t, err)
	assert.Equal(t, runner.CauseSignal, rec.Cause)
	assert.Equal(t, runner.ExitSignalled, rec.ExitCode)
}

func TestRunStopKillsRunningCommand(t *testing.T) {
	e := newTestExecutor(t)

	ctx := context.Background()

	id, err := e.Queue.Enqueue(ctx, runner.Command{Argv: []string{"sleep", "30"}})
	require.NoError(t, err)

	errCh := make(chan error, 1)

	go func() { errCh <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		running, err := e.Queue.Running(ctx)
		return err == nil && running != nil
	}, 5*time.Second, 20*time.Millisecond, "entry never started")

	require.NoError(t, e.Queue.Stop(ctx))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(10 * time.Second):
		t.Fatal("executor did not stop")
	}

	rec, err := e.Store.LatestByEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runner.CauseSignal, rec.Cause)
	assert.True(t, rec.Killed())
}

func TestExecDirectBypassesQueueAndLock(t *testing.T) {
	e := newTestExecutor(t)

	ctx := context.Background()

	// A closed, paused queue must not affect the bypass path.
	require.NoError(t, e.Queue.Close(ctx))
	require.NoError(t, e.Queue.Pause(ctx))

	rec := e.ExecDirect(ctx, runner.Command{Argv: []string{"echo", "hi"}})
	require.NotNil(t, rec)
	assert.Equal(t, 0, rec.ExitCode)
	assert.Equal(t, "hi\n", string(rec.Stdout))

	stored, _, err := e.Store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)
}

func TestRunRecoversEntryStuckRunning(t *testing.T) {
	e := newTestExecutor(t)
	e.Once = true

	ctx := context.Background()
	marker := filepath.Join(t.TempDir(), "order")

	id, err := e.Queue.Enqueue(ctx, appendCmd(marker, "A"))
	require.NoError(t, err)

	// Simulate a crash: the entry is marked running and the current marker
	// points at an executor PID that no longer exists.
	require.NoError(t, e.Queue.SetStatus(ctx, id, queue.StatusRunning))
	require.NoError(t, e.Project.WriteCurrent(project.CurrentMarker{
		EntryID:     id,
		ExecutorPID: 999999,
		StartedAt:   time.Now(),
	}))

	require.NoError(t, e.Run(ctx))

	rec, err := e.Store.LatestByEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ExitCode, "recovered entry must re-execute")

	current, err := e.Project.ReadCurrent()
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestReapOrphansKillsTreesWithDeadSupervisor(t *testing.T) {
	e := newTestExecutor(t)

	ctx := context.Background()

	// Fake a managed tree whose supervisor died: the markers name a PID
	// that does not exist.
	cmd := exec.Command("sleep", "30")
	cmd.Env = append(os.Environ(),
		runner.EnvActive+"=1",
		fmt.Sprintf("%s=%d", runner.EnvSupervisor, 999999),
		fmt.Sprintf("%s=%s", runner.EnvProject, e.Project.ID),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())

	pid := cmd.Process.Pid

	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	reaped := e.ReapOrphans(ctx)
	assert.GreaterOrEqual(t, reaped, 1)

	_, _ = cmd.Process.Wait()

	insp := procinspect.New()
	assert.Eventually(t, func() bool {
		return !insp.Alive(pid)
	}, 5*time.Second, 50*time.Millisecond, "orphan survived the reap")
}

func TestReapOrphansSparesLiveSupervisors(t *testing.T) {
	e := newTestExecutor(t)

	ctx := context.Background()

	// Same markers, but the supervisor is this test process, which is
	// very much alive.
	cmd := exec.Command("sleep", "30")
	cmd.Env = append(os.Environ(),
		runner.EnvActive+"=1",
		fmt.Sprintf("%s=%d", runner.EnvSupervisor, os.Getpid()),
		fmt.Sprintf("%s=%s", runner.EnvProject, e.Project.ID),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())

	pid := cmd.Process.Pid

	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	e.ReapOrphans(ctx)

	insp := procinspect.New()
	assert.True(t, insp.Alive(pid), "tree with a live supervisor must survive")
}

func TestRunWritesSessionLog(t *testing.T) {
	e := newTestExecutor(t)
	e.Once = true

	ctx := context.Background()

	_, err := e.Queue.Enqueue(ctx, runner.Command{Argv: []string{"true"}})
	require.NoError(t, err)

	require.NoError(t, e.Run(ctx))

	entries, err := os.ReadDir(e.Project.LogsDir)
	require.NoError(t, err)

	var sessions int

	for _, entry := range entries {
		if len(entry.Name()) > 8 && entry.Name()[:8] == "session-" {
			sessions++

			info, err := entry.Info()
			require.NoError(t, err)
			assert.Positive(t, info.Size(), "session log must not be empty")
		}
	}

	assert.Equal(t, 1, sessions)
}
