// Package mailbox provides the thread-safe FIFO queues that move work
// between worker goroutines and the UI loop.
package mailbox

import (
	gosync "sync"
	"sync/atomic"
)

// Mailbox is an unbounded FIFO guarded by a single mutex. Push never
// blocks. Pop blocks until an item is available or the mailbox is closed.
//
// Every push also raises a level on the Ready channel so the mailbox can
// be multiplexed into a select-based event loop next to other sources.
type Mailbox[T any] struct {
	mu     gosync.Mutex
	cond   *gosync.Cond
	items  []T
	head   int
	closed bool

	ready  chan struct{}
	pushed atomic.Uint64
}

// New creates an empty, open mailbox.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		ready: make(chan struct{}, 1),
	}
	m.cond = gosync.NewCond(&m.mu)
	return m
}

// Push appends v to the mailbox. It returns false if the mailbox has
// been closed, in which case v is not queued.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.pushed.Add(1)
	m.cond.Signal()
	m.mu.Unlock()

	m.signal()
	return true
}

// Pop removes and returns the oldest item, blocking while the mailbox is
// empty. Once the mailbox is closed Pop keeps returning the remaining
// items and then reports false.
func (m *Mailbox[T]) Pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.lenLocked() == 0 && !m.closed {
		m.cond.Wait()
	}
	return m.popLocked()
}

// TryPop removes and returns the oldest item without blocking.
func (m *Mailbox[T]) TryPop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popLocked()
}

// Ready returns the readiness channel. A receive means at least one push
// happened since the last receive; consumers must drain with TryPop and
// tolerate finding the mailbox already empty.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lenLocked()
}

// Pushed returns the total number of items ever accepted by Push.
func (m *Mailbox[T]) Pushed() uint64 {
	return m.pushed.Load()
}

// Close marks the mailbox closed and wakes every blocked Pop. Items that
// are still queued remain poppable.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	m.signal()
}

// Closed reports whether Close has been called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
		// A wakeup is already pending.
	}
}

func (m *Mailbox[T]) lenLocked() int {
	return len(m.items) - m.head
}

func (m *Mailbox[T]) popLocked() (T, bool) {
	var zero T
	if m.lenLocked() == 0 {
		return zero, false
	}
	v := m.items[m.head]
	m.items[m.head] = zero
	m.head++

	// Compact once the consumed prefix dominates the backing array.
	if m.head > 32 && m.head*2 >= len(m.items) {
		n := copy(m.items, m.items[m.head:])
		clear(m.items[n:])
		m.items = m.items[:n]
		m.head = 0
	}
	return v, true
}
