// ABOUTME: In-process background task queue with a fixed worker pool
// ABOUTME: Decouples request acknowledgment from persistence and fan-out, with observable failures

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("dispatch queue closed")

// Task is one unit of background work. Run must be idempotent when
// MaxAttempts > 1.
type Task struct {
	Type string
	Run  func(ctx context.Context) error
}

// Config sizes the worker pool and sets the retry policy.
type Config struct {
	Workers      int           // default 4
	QueueSize    int           // default 256
	TaskTimeout  time.Duration // per attempt, default 10s
	MaxAttempts  int           // default 1 (no retry)
	RetryBackoff time.Duration // multiplied by attempt number
}

// Stats are cumulative counters since the queue started.
type Stats struct {
	Enqueued  int64
	Succeeded int64
	Failed    int64
	Retried   int64
	Pending   int
}

// FailureFunc observes tasks that exhausted their attempts.
type FailureFunc func(taskID string, task Task, err error)

type queued struct {
	id   string
	task Task
}

// Queue runs tasks on a fixed pool of workers. Enqueue blocks while the
// buffer is full, so a slow backing store delays acknowledgment rather than
// dropping work.
type Queue struct {
	cfg    Config
	tasks  chan queued
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	onFailure FailureFunc

	enqueued  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a queue and starts its workers. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	q := &Queue{
		cfg:    cfg,
		tasks:  make(chan queued, cfg.QueueSize),
		logger: logger.With("component", "dispatch"),
	}

	for i := range cfg.Workers {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.logger.Debug("dispatch queue started", "workers", cfg.Workers, "queue_size", cfg.QueueSize)
	return q
}

// OnFailure registers a hook for tasks that exhausted their attempts.
// Must be called before the first Enqueue.
func (q *Queue) OnFailure(fn FailureFunc) {
	q.onFailure = fn
}

// Enqueue schedules a task and returns its id. It blocks until the task is
// buffered or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, task Task) (string, error) {
	if task.Run == nil {
		return "", errors.New("dispatch: task has no Run func")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrClosed
	}

	item := queued{id: uuid.New().String(), task: task}
	select {
	case q.tasks <- item:
		q.enqueued.Add(1)
		return item.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops accepting tasks and waits for buffered tasks to finish or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Debug("dispatch queue drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining dispatch queue: %w", ctx.Err())
	}
}

// Stats returns cumulative counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Retried:   q.retried.Load(),
		Pending:   len(q.tasks),
	}
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for item := range q.tasks {
		q.process(n, item)
	}
}

func (q *Queue) process(worker int, item queued) {
	var err error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			q.retried.Add(1)
			time.Sleep(q.cfg.RetryBackoff * time.Duration(attempt-1))
		}

		err = q.runOnce(item.task)
		if err == nil {
			q.succeeded.Add(1)
			return
		}

		q.logger.Warn("task attempt failed",
			"task_id", item.id,
			"type", item.task.Type,
			"attempt", attempt,
			"max_attempts", q.cfg.MaxAttempts,
			"worker", worker,
			"error", err)
	}

	q.failed.Add(1)
	q.logger.Error("task failed",
		"task_id", item.id,
		"type", item.task.Type,
		"error", err)
	if q.onFailure != nil {
		q.onFailure(item.id, item.task, err)
	}
}

// runOnce runs one attempt on a detached context; the enqueuing request may already be gone.
func (q *Queue) runOnce(task Task) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return task.Run(ctx)
}
