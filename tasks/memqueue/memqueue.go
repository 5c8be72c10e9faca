// Package memqueue provides the in-process tasks.Queue used by single-node
// deployments and tests. Jobs do not survive a restart.
package memqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/mcpkit/compose-go/tasks"
)

// Queue is a buffered-channel queue with a single consumer.
type Queue struct {
	mu         sync.Mutex
	ch         chan tasks.Job
	closed     bool
	subscribed bool
}

// New creates a queue with the given buffer. Non-positive sizes get a small
// default so Enqueue rarely blocks in tests.
func New(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan tasks.Job, size)}
}

// Enqueue appends the job, blocking when the buffer is full until space
// frees up or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, job tasks.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return tasks.ErrQueueClosed
	}
	ch := q.ch
	q.mu.Unlock()

	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe attaches the single consumer and returns immediately; jobs are
// delivered in order on a queue-owned goroutine until ctx is canceled or the
// queue closes.
func (q *Queue) Subscribe(ctx context.Context, handler tasks.JobHandlerFunction) error {
	if handler == nil {
		return errors.New("handler must not be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return tasks.ErrQueueClosed
	}
	if q.subscribed {
		return errors.New("queue already has a consumer")
	}
	q.subscribed = true

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-q.ch:
				if !ok {
					return
				}
				// Handler failures are recorded on the task record by the
				// consumer; the queue never redelivers.
				_ = handler(ctx, job)
			}
		}
	}()
	return nil
}

// Close stops the queue. Pending jobs already in the buffer are still
// delivered to an active consumer.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ch)
	return nil
}

var _ tasks.Queue = (*Queue)(nil)
