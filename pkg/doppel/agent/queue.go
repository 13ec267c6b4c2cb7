// Package agent – queue.go implements the delayed work queue behind the
// debounce scheduler. Every admitted inbound message schedules one task;
// tasks re-read the pending buffer when they run, so bursts collapse into
// a single effective pass followed by no-op drains.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is one scheduled unit of work.
type Task struct {
	// ID is unique per invocation, not per party, so concurrent tasks for
	// the same party are allowed to run and self-deduplicate.
	ID string

	// Party is the remote party the task processes.
	Party string

	// RunAt is the earliest execution time.
	RunAt time.Time

	// Attempt counts executions of this task (starts at 1).
	Attempt int
}

// TaskFunc processes one task. A returned error triggers the queue's
// retry/backoff; a panic is recovered and treated the same way.
type TaskFunc func(ctx context.Context, task *Task) error

// TaskQueue runs delayed tasks, each on its own goroutine.
type TaskQueue struct {
	run TaskFunc

	// maxAttempts bounds retries per task (including the first run).
	maxAttempts int

	// retryBackoff is the base delay between attempts, multiplied by the
	// attempt number.
	retryBackoff time.Duration

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTaskQueue creates a queue that executes tasks with run.
func NewTaskQueue(run TaskFunc, logger *slog.Logger) *TaskQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskQueue{
		run:          run,
		maxAttempts:  3,
		retryBackoff: 5 * time.Second,
		logger:       logger.With("component", "queue"),
	}
}

// Start makes the queue accept tasks until ctx is cancelled.
func (q *TaskQueue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels all pending and running tasks and waits for them.
func (q *TaskQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Schedule enqueues one task for the party after delay. Returns the task id.
func (q *TaskQueue) Schedule(party string, delay time.Duration) string {
	task := &Task{
		ID:      uuid.NewString(),
		Party:   party,
		RunAt:   time.Now().Add(delay),
		Attempt: 1,
	}

	q.wg.Add(1)
	go q.execute(task, delay)

	q.logger.Debug("task scheduled",
		"task_id", task.ID,
		"party", party,
		"delay_ms", delay.Milliseconds(),
	)
	return task.ID
}

// execute waits out the delay, runs the task, and retries on failure.
func (q *TaskQueue) execute(task *Task, delay time.Duration) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-time.After(delay):
		}

		err := q.runSafely(task)
		if err == nil {
			return
		}

		if task.Attempt >= q.maxAttempts {
			q.logger.Error("task failed permanently",
				"task_id", task.ID,
				"party", task.Party,
				"attempts", task.Attempt,
				"error", err,
			)
			return
		}

		delay = q.retryBackoff * time.Duration(task.Attempt)
		task.Attempt++
		q.logger.Warn("task failed, retrying",
			"task_id", task.ID,
			"party", task.Party,
			"attempt", task.Attempt,
			"backoff_ms", delay.Milliseconds(),
			"error", err,
		)
	}
}

// runSafely invokes the task func with panic recovery so one party's task
// can never take down the process.
func (q *TaskQueue) runSafely(task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked",
				"task_id", task.ID,
				"party", task.Party,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &panicError{value: r}
		}
	}()
	return q.run(q.ctx, task)
}

// panicError wraps a recovered panic value as an error.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("task panic: %v", e.value)
}
