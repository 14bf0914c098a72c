// Package queue provides the two single-producer/single-consumer queues used
// between the owner and its workers.
//
// Bounded is the frame queue: fixed capacity, a Push that never blocks and
// reports whether the item was accepted (drop-newest on full), FIFO order.
//
// Mailbox is the command queue: unbounded, Put never blocks, Get waits with
// a timeout so an idle consumer still observes cancellation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed Mailbox.
	ErrClosed = errors.New("queue: closed")
)

// Bounded is a fixed-capacity FIFO.
//
// Push never blocks. When the queue is full the pushed item is discarded and
// Push returns false; items already queued are never replaced or reordered.
type Bounded[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// NewBounded creates a queue holding at most capacity items.
func NewBounded[T any](capacity int) (*Bounded[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue: capacity must be > 0, got %d", capacity)
	}
	return &Bounded[T]{ch: make(chan T, capacity)}, nil
}

// Push enqueues v if there is room. Returns false (and counts a drop) when full.
func (q *Bounded[T]) Push(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// PushContext blocks until there is room or ctx is done.
func (q *Bounded[T]) PushContext(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPop dequeues the oldest item without blocking.
func (q *Bounded[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Pop waits up to timeout for an item. A negative timeout waits forever,
// zero behaves like TryPop.
func (q *Bounded[T]) Pop(timeout time.Duration) (T, bool) {
	if timeout == 0 {
		return q.TryPop()
	}
	if timeout < 0 {
		return <-q.ch, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-q.ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// PopContext waits for an item until ctx is done.
func (q *Bounded[T]) PopContext(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Len returns the number of queued items.
func (q *Bounded[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Bounded[T]) Cap() int { return cap(q.ch) }

// Dropped returns how many Push calls found the queue full.
func (q *Bounded[T]) Dropped() uint64 { return q.dropped.Load() }
