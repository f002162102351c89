// Package serial runs tasks one after another on a dedicated goroutine.
package serial

import (
	"sync"

	"github.com/gammazero/workerpool"
)

// Queue is an unbounded FIFO of tasks drained by a single worker.
// Push never blocks. Close discards tasks that have not started yet.
type Queue struct {
	pool *workerpool.WorkerPool

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func New() *Queue {
	return &Queue{
		pool: workerpool.New(1),
		done: make(chan struct{}),
	}
}

// Push enqueues fn. It reports false when the queue is closed.
func (q *Queue) Push(fn func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.pool.Submit(func() {
		if q.Closed() {
			return
		}
		fn()
	})
	return true
}

// Close returns at once. The worker exits after the running task, if any,
// returns; Done reports when that happened. Close may be called from a task.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	go func() {
		q.pool.Stop()
		close(q.done)
	}()
}

func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int { return q.pool.WaitingQueueSize() }
