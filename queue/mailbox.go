package queue

import (
	"sync"
	"time"
)

// Mailbox is an unbounded FIFO.
//
// Put appends and wakes the consumer; it never blocks on the consumer.
// A single notify channel of capacity 1 carries wakeups, so Get can combine
// waiting with a timeout.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put appends v. Returns ErrClosed after Close.
func (m *Mailbox[T]) Put(v T) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	m.wake()
	return nil
}

// TryGet removes the oldest item without blocking.
func (m *Mailbox[T]) TryGet() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	v := m.items[0]
	m.items[0] = zero
	m.items = m.items[1:]
	if len(m.items) == 0 {
		m.items = nil
	}
	return v, true
}

// Get waits up to timeout for an item. A negative timeout waits until an
// item arrives or the mailbox is closed.
func (m *Mailbox[T]) Get(timeout time.Duration) (T, bool) {
	if v, ok := m.TryGet(); ok {
		return v, true
	}
	if m.isClosed() {
		var zero T
		return zero, false
	}

	var timeoutC <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case <-m.notify:
			if v, ok := m.TryGet(); ok {
				return v, true
			}
			if m.isClosed() {
				var zero T
				return zero, false
			}
		case <-timeoutC:
			return m.TryGet()
		}
	}
}

// Len returns the number of pending items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further Puts and wakes a waiting Get. Pending items can
// still be drained.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *Mailbox[T]) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mailbox[T]) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
