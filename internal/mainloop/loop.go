// Package mainloop implements the single UI goroutine: an event loop that
// multiplexes mailbox readiness, runs posted closures and delivers task
// results.
package mainloop

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	gosync "sync"
	"sync/atomic"

	"github.com/nhle/mailtask/internal/mailbox"
	"github.com/nhle/mailtask/internal/task"
)

var (
	// ErrRunning is returned when Run is called on a loop that is
	// already running.
	ErrRunning = errors.New("mainloop: already running")

	// ErrStopped is returned for work handed to a loop that has
	// terminated.
	ErrStopped = errors.New("mainloop: stopped")
)

type source struct {
	name  string
	ready <-chan struct{}
	fn    func()
}

// Loop is the UI event loop. Everything it dispatches runs on the one
// goroutine that called Run.
type Loop struct {
	log   *slog.Logger
	input *mailbox.Mailbox[func()]

	mu      gosync.Mutex
	sources []source

	changed chan struct{}
	wake    chan struct{}

	gid     atomic.Uint64
	running atomic.Bool
	stopped atomic.Bool
	halt    <-chan struct{}
	done    chan struct{}
}

// New creates a loop. Run must be called to start dispatching.
func New(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:     log.With("component", "mainloop"),
		input:   mailbox.New[func()](),
		changed: make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Watch registers fn to run on the loop whenever ready fires. The
// handler must drain its source completely.
func (l *Loop) Watch(name string, ready <-chan struct{}, fn func()) {
	l.mu.Lock()
	l.sources = append(l.sources, source{name: name, ready: ready, fn: fn})
	l.mu.Unlock()

	select {
	case l.changed <- struct{}{}:
	default:
	}
}

// Post queues fn to run on the loop. It never blocks and returns false
// once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	return l.input.Push(fn)
}

// Posted returns how many closures have been posted so far.
func (l *Loop) Posted() uint64 {
	return l.input.Pushed()
}

// Wake interrupts a blocked iteration so that pumping callers can
// re-check their condition.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// IsLoopGoroutine reports whether the caller is running on the loop.
func (l *Loop) IsLoopGoroutine() bool {
	id := l.gid.Load()
	return id != 0 && id == task.GoroutineID()
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return l.running.Load() && !l.stopped.Load()
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run dispatches events on the calling goroutine until ctx is done.
// Closures still queued when the loop stops are run before Run returns
// so that no synchronous caller is left blocked.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	l.gid.Store(task.GoroutineID())
	l.halt = ctx.Done()
	l.log.Debug("main loop running")

	defer func() {
		l.stopped.Store(true)
		l.input.Close()
		l.drainInput()
		l.gid.Store(0)
		close(l.done)
		l.log.Debug("main loop stopped")
	}()

	for ctx.Err() == nil {
		l.iterate(true, nil)
	}
	return nil
}

// Iterate runs one dispatch round on the loop goroutine. With block set
// it waits for at least one event. It reports whether anything ran.
func (l *Loop) Iterate(block bool) bool {
	return l.iterate(block, nil)
}

// PumpUntil keeps iterating until cond holds. It must be called on the
// loop goroutine and reports false if the loop began stopping first.
func (l *Loop) PumpUntil(cond func() bool) bool {
	for !cond() {
		if l.halting() {
			return false
		}
		l.iterate(true, nil)
	}
	return true
}

// Await blocks until done is closed. On the loop goroutine it keeps
// dispatching events while waiting instead of blocking the loop.
func (l *Loop) Await(done <-chan struct{}) {
	if !l.IsLoopGoroutine() {
		<-done
		return
	}
	for {
		select {
		case <-done:
			return
		default:
		}
		if l.halting() {
			<-done
			return
		}
		l.iterate(true, done)
	}
}

func (l *Loop) halting() bool {
	if l.halt == nil {
		return false
	}
	select {
	case <-l.halt:
		return true
	default:
		return false
	}
}

// iterate selects over the input mailbox, the wake and change channels,
// every watched source, and optionally extra.
func (l *Loop) iterate(block bool, extra <-chan struct{}) bool {
	l.mu.Lock()
	sources := append([]source(nil), l.sources...)
	l.mu.Unlock()

	const (
		caseInput = iota
		caseWake
		caseChanged
		caseFirstSource
	)

	cases := make([]reflect.SelectCase, 0, len(sources)+6)
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.input.Ready())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.wake)},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.changed)},
	)
	for _, s := range sources {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.ready)})
	}

	caseHalt, caseExtra, caseDefault := -1, -1, -1
	if l.halt != nil {
		caseHalt = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.halt)})
	}
	if extra != nil {
		caseExtra = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(extra)})
	}
	if !block {
		caseDefault = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectDefault})
	}

	chosen, _, _ := reflect.Select(cases)
	switch {
	case chosen == caseDefault, chosen == caseHalt, chosen == caseExtra:
		return false
	case chosen == caseInput:
		return l.drainInput() > 0
	case chosen == caseWake, chosen == caseChanged:
		// Posted work is checked on every wakeup; readiness of the
		// input mailbox may already have been consumed by a nested
		// iteration.
		return l.drainInput() > 0
	default:
		s := sources[chosen-caseFirstSource]
		l.dispatch(s.name, s.fn)
		return true
	}
}

func (l *Loop) drainInput() int {
	n := 0
	for {
		fn, ok := l.input.TryPop()
		if !ok {
			return n
		}
		l.dispatch("input", fn)
		n++
	}
}

func (l *Loop) dispatch(name string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			l.log.Error("main loop handler panicked", "source", name, "panic", v)
		}
	}()
	fn()
}
