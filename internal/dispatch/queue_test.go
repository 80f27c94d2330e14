// ABOUTME: Tests for the background dispatch queue
// ABOUTME: Covers execution, retries, failure hooks, backpressure and draining on close

package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RunsTasks(t *testing.T) {
	q := New(Config{Workers: 2}, nil)

	var ran atomic.Int32
	for range 10 {
		id, err := q.Enqueue(t.Context(), Task{Type: "count", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, int32(10), ran.Load())

	stats := q.Stats()
	assert.Equal(t, int64(10), stats.Enqueued)
	assert.Equal(t, int64(10), stats.Succeeded)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestQueue_TaskContextIsDetached(t *testing.T) {
	q := New(Config{Workers: 1, TaskTimeout: time.Second}, nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	var taskErr atomic.Value
	_, err := q.Enqueue(reqCtx, Task{Type: "detached", Run: func(ctx context.Context) error {
		if ctx.Err() != nil {
			taskErr.Store(ctx.Err())
		}
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	}})
	require.NoError(t, err)
	cancel()

	require.NoError(t, q.Close(context.Background()))
	assert.Nil(t, taskErr.Load(), "task must not inherit request cancellation")
}

func TestQueue_RetriesThenFails(t *testing.T) {
	q := New(Config{Workers: 1, MaxAttempts: 3, RetryBackoff: time.Millisecond}, nil)

	var (
		mu       sync.Mutex
		failedID string
		failErr  error
	)
	q.OnFailure(func(taskID string, task Task, err error) {
		mu.Lock()
		defer mu.Unlock()
		failedID = taskID
		failErr = err
	})

	var attempts atomic.Int32
	id, err := q.Enqueue(t.Context(), Task{Type: "flaky", Run: func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("store unavailable")
	}})
	require.NoError(t, err)
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, int32(3), attempts.Load())
	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.Retried)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, id, failedID)
	assert.EqualError(t, failErr, "store unavailable")
}

func TestQueue_RetrySucceeds(t *testing.T) {
	q := New(Config{Workers: 1, MaxAttempts: 2}, nil)

	var attempts atomic.Int32
	_, err := q.Enqueue(t.Context(), Task{Type: "second-time", Run: func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, int64(1), q.Stats().Succeeded)
	assert.Equal(t, int64(0), q.Stats().Failed)
}

func TestQueue_PanicIsRecordedAsFailure(t *testing.T) {
	q := New(Config{Workers: 1}, nil)

	_, err := q.Enqueue(t.Context(), Task{Type: "panics", Run: func(ctx context.Context) error {
		panic("boom")
	}})
	require.NoError(t, err)
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, int64(1), q.Stats().Failed)
}

func TestQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := New(Config{Workers: 1, QueueSize: 1}, nil)

	release := make(chan struct{})
	block := Task{Type: "block", Run: func(ctx context.Context) error {
		<-release
		return nil
	}}

	// One running, one buffered
	_, err := q.Enqueue(t.Context(), block)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Stats().Pending == 0 }, time.Second, time.Millisecond)
	_, err = q.Enqueue(t.Context(), block)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Enqueue(ctx, block)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, q.Close(context.Background()))
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))

	_, err := q.Enqueue(t.Context(), Task{Type: "late", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_EnqueueRejectsEmptyTask(t *testing.T) {
	q := New(Config{}, nil)
	defer q.Close(context.Background())

	_, err := q.Enqueue(t.Context(), Task{Type: "empty"})
	assert.Error(t, err)
}

func TestQueue_CloseHonorsContext(t *testing.T) {
	q := New(Config{Workers: 1}, nil)

	release := make(chan struct{})
	defer close(release)
	_, err := q.Enqueue(t.Context(), Task{Type: "stuck", Run: func(ctx context.Context) error {
		<-release
		return nil
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
}
