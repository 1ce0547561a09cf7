// Package task defines the unit of asynchronous work, its cancellation
// token and the table of active tasks.
package task

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/nhle/mailtask/internal/mailbox"
)

// Operation is the behaviour attached to a task. Execute runs on a worker
// goroutine, Deliver on the UI loop, Destroy on whichever goroutine frees
// the task. Embed Base to get no-op defaults.
type Operation interface {
	// Describe returns a human readable label. complete selects the long
	// form used in error dialogs ("fetching messages for work").
	Describe(t *Task, complete bool) string

	// Execute performs the blocking work. ctx is done when the task's
	// token is cancelled. The returned error is stored in the task's
	// exception container.
	Execute(ctx context.Context, t *Task) error

	// Deliver consumes the result on the UI loop.
	Deliver(t *Task)

	// Destroy releases payload resources. It runs exactly once.
	Destroy(t *Task)
}

// Base provides no-op implementations of every Operation method.
type Base struct{}

func (Base) Describe(*Task, bool) string          { return "" }
func (Base) Execute(context.Context, *Task) error { return nil }
func (Base) Deliver(*Task)                        {}
func (Base) Destroy(*Task)                        {}

// Func adapts a plain function into an Operation with no delivery step.
type Func func(ctx context.Context, t *Task) error

func (Func) Describe(*Task, bool) string                  { return "" }
func (f Func) Execute(ctx context.Context, t *Task) error { return f(ctx, t) }
func (Func) Deliver(*Task)                                {}
func (Func) Destroy(*Task)                                {}

// Keyer is implemented by operations that choose the identity their
// failures are grouped under. The key must be comparable.
type Keyer interface {
	ErrorKey() any
}

type funcKey uintptr

// ErrorKey returns the identity used to group failures of op. Operations
// of the same concrete type share a key, except Func values, which are
// keyed by the function they wrap.
func ErrorKey(op Operation) any {
	switch o := op.(type) {
	case nil:
		return nil
	case Keyer:
		return o.ErrorKey()
	case Func:
		return funcKey(reflect.ValueOf(o).Pointer())
	}
	return reflect.TypeOf(op)
}

// Task is one unit of asynchronous work.
type Task struct {
	// ID is the sequence id assigned at registration.
	ID uint64

	// Op is the operation table.
	Op Operation

	// Token carries cancellation and progress.
	Token *Token

	// Reply receives the task after Execute; nil means the worker calls
	// Deliver and frees the task itself.
	Reply *mailbox.Mailbox[*Task]

	// Payload is private operation state, opaque to the engine.
	Payload any

	// Created is the registration time.
	Created time.Time

	exc      Exception
	started  atomic.Int64
	finished atomic.Int64
	freed    atomic.Bool
}

// New allocates an unregistered task for op. Registry.Add assigns its id.
func New(op Operation, payload any) *Task {
	return &Task{
		Op:      op,
		Token:   NewToken(nil),
		Payload: payload,
		Created: time.Now(),
	}
}

// Exception returns the task's error container.
func (t *Task) Exception() *Exception {
	return &t.exc
}

// Err is shorthand for t.Exception().Err().
func (t *Task) Err() error {
	return t.exc.Err()
}

// Describe returns the operation label, or "" when the task has no
// operation.
func (t *Task) Describe(complete bool) string {
	if t.Op == nil {
		return ""
	}
	return t.Op.Describe(t, complete)
}

// Freed reports whether the task has been freed.
func (t *Task) Freed() bool {
	return t.freed.Load()
}

// MarkStarted records the Execute start time.
func (t *Task) MarkStarted() {
	t.started.Store(time.Now().UnixNano())
}

// MarkFinished records the Execute end time.
func (t *Task) MarkFinished() {
	t.finished.Store(time.Now().UnixNano())
}

// Started returns when Execute began, or the zero time.
func (t *Task) Started() time.Time {
	return unixNano(t.started.Load())
}

// Finished returns when Execute returned, or the zero time.
func (t *Task) Finished() time.Time {
	return unixNano(t.finished.Load())
}

// Duration returns the Execute wall time, or 0 if it has not completed.
func (t *Task) Duration() time.Duration {
	s, f := t.started.Load(), t.finished.Load()
	if s == 0 || f == 0 {
		return 0
	}
	return time.Duration(f - s)
}

// PayloadAs returns the payload of t typed as T.
func PayloadAs[T any](t *Task) (T, bool) {
	v, ok := t.Payload.(T)
	return v, ok
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
