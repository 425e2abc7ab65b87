// Package autoreply drives the autonomous reply pipeline: a strictly
// serial task queue feeding permission-gated inbound messages through a
// timeout-bounded reply generator.
package autoreply

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one unit of queued work. It handles its own errors; the queue
// only runs tasks, it never inspects outcomes.
type Task func(ctx context.Context)

// Queue runs tasks one at a time in arrival order. There is no
// concurrency knob: conversation writes and provider calls downstream are
// not designed for concurrent access from this pipeline, and serializing
// also bounds provider call concurrency to one. A slow task delays all
// later ones; at human message rates that backpressure is acceptable.
type Queue struct {
	ctx    context.Context
	logger *slog.Logger

	mu      sync.Mutex
	pending []Task
	running bool
}

// NewQueue creates a queue whose tasks run under ctx.
func NewQueue(ctx context.Context, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ctx:    ctx,
		logger: logger.With("component", "autoreply-queue"),
	}
}

// Enqueue appends a task. If the queue is idle, draining starts
// immediately on a new goroutine; the caller never blocks.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

// Len returns the number of tasks waiting (not counting a running one).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// drain runs tasks until the queue is empty. Each task finishes fully,
// panics included, before the next starts.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

func (q *Queue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("reply task panic", "error", r)
		}
	}()
	task(q.ctx)
}
