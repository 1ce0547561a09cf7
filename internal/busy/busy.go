// Package busy tracks whether any task is active and drives the single
// "operation in progress" affordance of the UI.
package busy

import gosync "sync"

// Poster queues a closure on the UI loop without blocking.
type Poster interface {
	Post(fn func()) bool
}

// Indicator is the UI affordance toggled on transitions. It is called on
// the UI loop.
type Indicator interface {
	SetBusy(busy bool)
}

// Aggregator counts active tasks and reports empty/non-empty transitions.
type Aggregator struct {
	mu        gosync.Mutex
	count     int
	poster    Poster
	indicator Indicator
	listeners []func(bool)
}

// New creates an aggregator that posts transitions to indicator through
// poster. indicator may be nil.
func New(poster Poster, indicator Indicator) *Aggregator {
	return &Aggregator{poster: poster, indicator: indicator}
}

// OnChange adds a listener called on the UI loop with every transition.
func (a *Aggregator) OnChange(fn func(busy bool)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Inc records one more active task.
func (a *Aggregator) Inc() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	if a.count == 1 {
		a.emitLocked(true)
	}
}

// Dec records one task fewer. Unbalanced calls are ignored.
func (a *Aggregator) Dec() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return
	}
	a.count--
	if a.count == 0 {
		a.emitLocked(false)
	}
}

// Busy reports whether any task is active.
func (a *Aggregator) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count > 0
}

// Count returns the number of active tasks.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// emitLocked posts the transition while the lock is held so that posts
// reach the loop in transition order. Post never blocks.
func (a *Aggregator) emitLocked(busy bool) {
	if a.poster == nil {
		return
	}
	indicator := a.indicator
	listeners := append([]func(bool){}, a.listeners...)
	a.poster.Post(func() {
		if indicator != nil {
			indicator.SetBusy(busy)
		}
		for _, fn := range listeners {
			fn(busy)
		}
	})
}
