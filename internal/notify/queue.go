// Package notify buffers events for delivery to application goroutines.
//
// Delivery is pull based: producers (topic writes, connection state
// changes) push into bounded queues and never block; consumers drain with
// a non-blocking Drain or a blocking Wait. Closing a queue wakes every
// waiter promptly.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/nettable/internal/errs"
)

// Queue is a bounded, thread-safe FIFO.
//
// When full, Push drops the oldest element and counts the drop, so a slow
// consumer loses history rather than stalling producers.
//
// Waiters block on a broadcast channel that Push closes and replaces; this
// wakes every waiter, unlike a buffered signal that wakes only one. The
// channel is only replaced when someone is waiting.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	limit   int
	dropped uint64
	closed  bool
	waiters int
	wake    chan struct{}
}

// NewQueue creates a queue holding at most limit elements. A limit below 1
// is treated as 1.
func NewQueue[T any](limit int) *Queue[T] {
	if limit < 1 {
		limit = 1
	}
	return &Queue[T]{
		limit: limit,
		wake:  make(chan struct{}),
	}
}

// Push appends v. Returns false if the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if len(q.items) >= q.limit {
		// Nil out the slot so the dropped element can be collected
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, v)
	q.broadcastLocked()
	return true
}

func (q *Queue[T]) broadcastLocked() {
	if q.waiters == 0 {
		return
	}
	close(q.wake)
	q.wake = make(chan struct{})
}

// Drain removes and returns everything queued, oldest first. Returns nil
// when the queue is empty.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

func (q *Queue[T]) drainLocked() []T {
	if len(q.items) == 0 {
		return nil
	}
	out := make([]T, len(q.items))
	copy(out, q.items)
	clear(q.items)
	q.items = q.items[:0]
	return out
}

// Wait blocks until at least one element is queued, then drains the queue.
//
// It returns (nil, nil) when timeout elapses (a negative timeout waits
// forever), the context error when ctx is done, and CLOSED once the queue is
// closed and empty.
func (q *Queue[T]) Wait(ctx context.Context, timeout time.Duration) ([]T, error) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		q.mu.Lock()
		if items := q.drainLocked(); items != nil {
			q.mu.Unlock()
			return items, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, errs.ErrClosed
		}
		q.waiters++
		wake := q.wake
		q.mu.Unlock()

		var err error
		timedOut := false
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-timer:
			timedOut = true
		case <-wake:
		}

		q.mu.Lock()
		q.waiters--
		q.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if timedOut {
			return nil, nil
		}
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many elements were discarded due to overflow.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops accepting elements and wakes all waiters. Already queued
// elements can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
	q.wake = make(chan struct{})
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
