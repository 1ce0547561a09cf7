// Package progress maintains the UI-visible progress indicator of each
// task that reports progress.
package progress

import (
	"context"
	"log/slog"

	"github.com/nhle/mailtask/internal/task"
)

// Indicator is one on-screen progress display. Methods are called on the
// UI loop.
type Indicator interface {
	Update(desc string, percent int)
	Close()
}

// Surface creates indicators. NewIndicator may block (it can involve a
// round trip to the renderer) and is therefore called off the loop; ctx
// is cancelled if the task goes away before creation finishes.
type Surface interface {
	NewIndicator(ctx context.Context, id uint64, label string) (Indicator, error)
}

// Poster queues a closure on the UI loop.
type Poster interface {
	Post(fn func()) bool
}

// Lookup resolves an active task by id.
type Lookup func(id uint64) (*task.Task, bool)

// entry is the tracker state of one task. While creation is in flight the
// creation goroutine holds the only reference that matters: Release drops
// the entry from the map and flags it, the continuation then closes the
// freshly created indicator instead of installing it.
type entry struct {
	pending  bool
	orphaned bool
	cancel   context.CancelFunc
	ind      Indicator
	desc     string
	percent  int
}

// Tracker maps task ids to indicators. All methods except New must be
// called on the UI loop.
type Tracker struct {
	poster  Poster
	surface Surface
	lookup  Lookup
	log     *slog.Logger
	entries map[uint64]*entry
}

// New creates a tracker. A nil surface disables indicators.
func New(poster Poster, surface Surface, lookup Lookup, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		poster:  poster,
		surface: surface,
		lookup:  lookup,
		log:     log.With("component", "progress"),
		entries: make(map[uint64]*entry),
	}
}

// Update applies a progress report for task id. Reports for tasks that
// are gone, or whose operation has no label, are dropped.
func (tr *Tracker) Update(id uint64, desc string, percent int) {
	if tr.surface == nil {
		return
	}

	if e, ok := tr.entries[id]; ok {
		e.desc, e.percent = desc, percent
		if e.ind != nil {
			e.ind.Update(desc, percent)
		}
		return
	}

	t, ok := tr.lookup(id)
	if !ok {
		return
	}
	label := t.Describe(false)
	if label == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{pending: true, cancel: cancel, desc: desc, percent: percent}
	tr.entries[id] = e

	go func() {
		ind, err := tr.surface.NewIndicator(ctx, id, label)
		if !tr.poster.Post(func() { tr.installed(id, e, ind, err) }) && ind != nil {
			// Loop is gone; nothing will ever display it.
			ind.Close()
		}
	}()
}

// Release tears down the indicator of task id.
func (tr *Tracker) Release(id uint64) {
	e, ok := tr.entries[id]
	if !ok {
		return
	}
	delete(tr.entries, id)

	if e.pending {
		e.orphaned = true
		e.cancel()
		return
	}
	e.cancel()
	if e.ind != nil {
		e.ind.Close()
	}
}

// Len returns the number of tracked tasks.
func (tr *Tracker) Len() int {
	return len(tr.entries)
}

// Pending returns the number of indicators still being created.
func (tr *Tracker) Pending() int {
	n := 0
	for _, e := range tr.entries {
		if e.pending {
			n++
		}
	}
	return n
}

func (tr *Tracker) installed(id uint64, e *entry, ind Indicator, err error) {
	e.pending = false

	if err != nil {
		if !e.orphaned {
			tr.log.Warn("failed to create progress indicator", "task", id, "error", err)
		}
		return
	}
	if e.orphaned {
		if ind != nil {
			ind.Close()
		}
		return
	}

	e.ind = ind
	if ind != nil {
		ind.Update(e.desc, e.percent)
	}
}
