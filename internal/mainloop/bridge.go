package mainloop

import (
	"log/slog"
	"sync/atomic"

	"github.com/nhle/mailtask/internal/mailbox"
	"github.com/nhle/mailtask/internal/task"
)

// ErrorReporter shows a failure to the user. It is called on the loop
// goroutine; dismissed may be called from any goroutine once the user
// has closed the dialog.
type ErrorReporter interface {
	ShowError(title string, err error, dismissed func())
}

// Bridge drains a reply mailbox on the loop and hands each task to its
// Deliver callback, reports failures and frees the task.
type Bridge struct {
	loop  *Loop
	reply *mailbox.Mailbox[*task.Task]
	free  func(*task.Task)
	errs  ErrorReporter
	log   *slog.Logger

	// open tracks operation identities (task.ErrorKey) with an error
	// dialog on screen. Loop goroutine only.
	open map[any]bool

	delivered  atomic.Uint64
	suppressed atomic.Uint64
}

// NewBridge watches reply on loop. free releases a task after delivery.
func NewBridge(l *Loop, reply *mailbox.Mailbox[*task.Task], free func(*task.Task), errs ErrorReporter, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		loop:  l,
		reply: reply,
		free:  free,
		errs:  errs,
		log:   log.With("component", "bridge"),
		open:  make(map[any]bool),
	}
	l.Watch("reply", reply.Ready(), func() { b.Drain() })
	return b
}

// Drain delivers every task currently queued on the reply mailbox and
// returns how many it handled.
func (b *Bridge) Drain() int {
	n := 0
	for {
		t, ok := b.reply.TryPop()
		if !ok {
			return n
		}
		b.Dispatch(t)
		n++
	}
}

// Dispatch delivers one task on the loop goroutine.
func (b *Bridge) Dispatch(t *task.Task) {
	if t.Op != nil {
		func() {
			defer func() {
				if v := recover(); v != nil {
					t.Exception().Set(&task.PanicError{Callback: "deliver", Value: v})
				}
			}()
			t.Op.Deliver(t)
		}()
	}
	b.delivered.Add(1)

	if err := t.Err(); err != nil && !task.IsCancelled(err) {
		b.report(t, err)
	}
	b.free(t)
}

// Delivered returns the number of tasks dispatched.
func (b *Bridge) Delivered() uint64 { return b.delivered.Load() }

// Suppressed returns the number of failures not shown because a dialog
// for the same operation was already open.
func (b *Bridge) Suppressed() uint64 { return b.suppressed.Load() }

func (b *Bridge) report(t *task.Task, err error) {
	key := task.ErrorKey(t.Op)
	title := t.Describe(true)
	if title == "" {
		title = "Operation failed"
	} else {
		title = "Error while " + title
	}

	if b.open[key] {
		b.suppressed.Add(1)
		b.log.Warn("suppressing duplicate failure", "task", t.ID, "title", title, "error", err)
		return
	}
	b.log.Error("task failed", "task", t.ID, "title", title, "error", err)

	if b.errs == nil {
		return
	}
	b.open[key] = true
	b.errs.ShowError(title, err, func() {
		b.loop.Post(func() { delete(b.open, key) })
	})
}
