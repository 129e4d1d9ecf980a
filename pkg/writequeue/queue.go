// Package writequeue runs persistence operations for one session strictly in
// the order they were enqueued.
package writequeue

import (
	"context"
	"fmt"
	"sync"
)

type Op func(ctx context.Context) error

// Queue is an unbounded FIFO drained by a single goroutine. A failing op is
// reported to onError and the queue moves on to the next one.
type Queue struct {
	mu      sync.Mutex
	pending []Op
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	onError func(error)
}

func New(ctx context.Context, onError func(error)) *Queue {
	if onError == nil {
		onError = func(error) {}
	}
	q := &Queue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onError: onError,
	}
	go q.run(context.WithoutCancel(ctx))
	return q
}

// Enqueue appends op. It returns false once the queue has been closed.
func (q *Queue) Enqueue(op Op) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, op)
	q.mu.Unlock()
	q.signal()
	return true
}

// Close stops accepting ops. Already queued ops still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Done is closed after Close once every queued op has settled.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		op := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.exec(ctx, op); err != nil {
			q.onError(err)
		}
	}
}

func (q *Queue) exec(ctx context.Context, op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write panicked: %v", r)
		}
	}()
	return op(ctx)
}
