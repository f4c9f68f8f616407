// Package mailbox provides an unbounded FIFO queue with a blocking,
// context-aware receive side. Channels and event loops use it so a sender
// never waits on a slow receiver.
package mailbox

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Take once the mailbox is closed and drained.
var ErrClosed = errors.New("mailbox: closed")

// Mailbox is an unbounded FIFO queue. Put never blocks; Take blocks until an
// item is available, the context is done or the mailbox is closed.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

// New creates an empty, open mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put appends v to the queue. It reports false when the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, v)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Take removes and returns the oldest item. Items queued before Close are
// still handed out; ErrClosed is returned only once the queue is empty.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			if len(m.items) > 0 && !m.closed {
				// hand the wakeup on to the next waiter
				select {
				case m.notify <- struct{}{}:
				default:
				}
			}
			m.mu.Unlock()
			return v, nil
		}
		if m.closed {
			m.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.notify:
		}
	}
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops accepting new items and wakes every waiting Take.
// Calling Close more than once is a no-op.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.notify)
}
