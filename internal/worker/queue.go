// Package worker hosts the background machinery: a bounded fire-and-forget
// task queue and the due-post publishing runner.
package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Queue runs submitted tasks on a fixed pool of goroutines. Submission never
// blocks: when the buffer is full the task is dropped. That is the contract
// the health monitor relies on to keep its recording off the request path.
type Queue struct {
	tasks   chan func(context.Context)
	workers int
	wg      sync.WaitGroup
}

// NewQueue creates a queue with the given buffer size and worker count.
func NewQueue(size, workers int) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 2
	}
	return &Queue{
		tasks:   make(chan func(context.Context), size),
		workers: workers,
	}
}

// Start launches the worker goroutines. They drain the queue until ctx is
// done, recovering from task panics.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-q.tasks:
					runTask(ctx, task)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// TryEnqueue submits a task without blocking. Returns false if the task was
// dropped because the buffer is full.
func (q *Queue) TryEnqueue(task func(context.Context)) bool {
	select {
	case q.tasks <- task:
		return true
	default:
		slog.Warn("background queue full, task dropped")
		return false
	}
}

func runTask(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in background task", "error", r)
		}
	}()
	task(ctx)
}
