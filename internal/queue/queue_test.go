// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-FFFFFF/lockstep/internal/database"
	"github.com/matt-FFFFFF/lockstep/internal/runner"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return New(db)
}

func echo(arg string) runner.Command {
	return runner.Command{Argv: []string{"echo", arg}}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	idA, err := q.Enqueue(ctx, echo("A"))
	require.NoError(t, err)

	idB, err := q.Enqueue(ctx, echo("B"))
	require.NoError(t, err)

	idC, err := q.Enqueue(ctx, echo("C"))
	require.NoError(t, err)

	for _, want := range []string{idA, idB, idC} {
		entry, err := q.DequeueNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, want, entry.ID)
		assert.Equal(t, StatusWaiting, entry.Status)

		require.NoError(t, q.SetStatus(ctx, entry.ID, StatusCompleted))
		require.NoError(t, q.Remove(ctx, entry.ID))
	}

	entry, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry, "queue should be empty")
}

func TestEntryRoundTripPreservesCommand(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	cmd := runner.Command{
		Argv:          []string{"make", "lint", "FILE=a.go"},
		Cwd:           "/tmp/project",
		Env:           map[string]string{"CI": "1"},
		Timeout:       90 * time.Second,
		MemoryLimitMB: 2048,
		Retries:       2,
	}

	id, err := q.Enqueue(ctx, cmd)
	require.NoError(t, err)

	entry, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, cmd, entry.Command)
	assert.NotZero(t, entry.SubmitterPID)
	assert.WithinDuration(t, time.Now(), entry.EnqueuedAt, time.Minute)
}

func TestPauseHaltsDequeueAndPreservesOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	idA, err := q.Enqueue(ctx, echo("A"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, echo("B"))
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))

	entry, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry, "paused queue must not dequeue")

	// Enqueue during pause still appends at the tail.
	_, err = q.Enqueue(ctx, echo("C"))
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	require.NoError(t, q.Resume(ctx))

	entry, err = q.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, idA, entry.ID, "order must be preserved across a pause")
}

func TestCloseRejectsEnqueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Close(ctx))

	_, err := q.Enqueue(ctx, echo("A"))
	assert.ErrorIs(t, err, ErrClosed)

	// Closed only gates admission; existing entries still dequeue.
	require.NoError(t, q.Reopen(ctx))

	_, err = q.Enqueue(ctx, echo("B"))
	assert.NoError(t, err)
}

func TestEnqueueAdmissionAtomicUnderConcurrentClose(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const (
		writers   = 8
		perWriter = 20
	)

	var (
		accepted atomic.Int32
		wg       sync.WaitGroup
	)

	unexpected := make(chan error, writers*perWriter)
	start := make(chan struct{})

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			for j := range perWriter {
				_, err := q.Enqueue(ctx, echo(fmt.Sprintf("%d-%d", i, j)))

				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrClosed):
				default:
					unexpected <- err
				}
			}
		}()
	}

	close(start)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.Close(ctx))
	wg.Wait()
	close(unexpected)

	for err := range unexpected {
		t.Errorf("enqueue failed: %v", err)
	}

	// Every admitted entry is queued and nothing was admitted after the
	// close: the counts must agree exactly.
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int(accepted.Load()), depth)

	_, err = q.Enqueue(ctx, echo("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStopDiscardsWaitingEntries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	running, err := q.Enqueue(ctx, echo("running"))
	require.NoError(t, err)
	require.NoError(t, q.SetStatus(ctx, running, StatusRunning))

	_, err = q.Enqueue(ctx, echo("waiting1"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, echo("waiting2"))
	require.NoError(t, err)

	require.NoError(t, q.Stop(ctx))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "stop must discard waiting entries")

	// The running entry remains visible until the executor kills it.
	entry, err := q.Running(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, running, entry.ID)

	_, execution, err := q.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStopped, execution)
}

func TestClearKeepsExecutionState(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Pause(ctx))

	_, err := q.Enqueue(ctx, echo("A"))
	require.NoError(t, err)

	require.NoError(t, q.Clear(ctx))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	_, execution, err := q.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExecutionPaused, execution, "clear must not touch execution state")
}

func TestOrderSurvivesReopenOfDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	db, err := database.Open(path)
	require.NoError(t, err)

	q := New(db)

	idA, err := q.Enqueue(ctx, echo("A"))
	require.NoError(t, err)

	idB, err := q.Enqueue(ctx, echo("B"))
	require.NoError(t, err)

	require.NoError(t, db.Close())

	db2, err := database.Open(path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db2.Close() })

	q2 := New(db2)

	entry, err := q2.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, idA, entry.ID)

	require.NoError(t, q2.Remove(ctx, idA))

	entry, err = q2.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, idB, entry.ID)
}

func TestGetUnknownEntry(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}
