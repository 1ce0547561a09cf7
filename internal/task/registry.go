package task

import (
	"sort"
	gosync "sync"
	"time"
)

// Hooks observe registry transitions. They are called without the
// registry lock held.
type Hooks struct {
	// Added runs after a task is registered.
	Added func(t *Task)

	// Freeing runs once, before Destroy, while the task is still
	// registered.
	Freeing func(t *Task)

	// Removed runs after the task left the table and waiters were woken.
	Removed func(t *Task)
}

// Registry is the table of active tasks keyed by sequence id. One mutex
// guards it; a condition variable wakes goroutines waiting for ids to
// disappear.
type Registry struct {
	mu     gosync.Mutex
	cond   *gosync.Cond
	seq    uint64
	active map[uint64]*Task
	bound  map[uint64][]*Token
	hooks  Hooks
}

// NewRegistry creates an empty registry.
func NewRegistry(hooks Hooks) *Registry {
	r := &Registry{
		active: make(map[uint64]*Task),
		bound:  make(map[uint64][]*Token),
		hooks:  hooks,
	}
	r.cond = gosync.NewCond(&r.mu)
	return r
}

// Add assigns the next sequence id to t and registers it.
func (r *Registry) Add(t *Task) uint64 {
	r.mu.Lock()
	r.seq++
	id := r.seq
	t.ID = id
	t.Token.setID(id)
	r.active[id] = t
	r.mu.Unlock()

	if r.hooks.Added != nil {
		r.hooks.Added(t)
	}
	return id
}

// Free destroys t and unregisters it. It returns false if t was already
// freed; Destroy never runs twice.
func (r *Registry) Free(t *Task) bool {
	if !t.freed.CompareAndSwap(false, true) {
		return false
	}

	if r.hooks.Freeing != nil {
		r.hooks.Freeing(t)
	}

	if t.Op != nil {
		func() {
			defer func() {
				if v := recover(); v != nil {
					t.exc.Set(&PanicError{Callback: "destroy", Value: v})
				}
			}()
			t.Op.Destroy(t)
		}()
	}
	t.Token.release()

	r.mu.Lock()
	delete(r.active, t.ID)
	r.cond.Broadcast()
	r.mu.Unlock()

	if r.hooks.Removed != nil {
		r.hooks.Removed(t)
	}
	return true
}

// Lookup returns the active task with id.
func (r *Registry) Lookup(id uint64) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[id]
	return t, ok
}

// Active reports whether id is still registered.
func (r *Registry) Active(id uint64) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Len returns the number of active tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Snapshot returns the active tasks ordered by id.
func (r *Registry) Snapshot() []*Task {
	r.mu.Lock()
	out := make([]*Task, 0, len(r.active))
	for _, t := range r.active {
		out = append(out, t)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cancel cancels the token of the task with id. It reports whether the
// task was still active.
func (r *Registry) Cancel(id uint64) bool {
	t, ok := r.Lookup(id)
	if !ok {
		return false
	}
	t.Token.Cancel()
	return true
}

// CancelAll cancels every active task and returns how many were hit.
func (r *Registry) CancelAll() int {
	tasks := r.Snapshot()
	for _, t := range tasks {
		t.Token.Cancel()
	}
	return len(tasks)
}

// Wait blocks until id is no longer registered.
func (r *Registry) Wait(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if _, ok := r.active[id]; !ok {
			return
		}
		r.cond.Wait()
	}
}

// WaitAll blocks until the table is empty.
func (r *Registry) WaitAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.active) > 0 {
		r.cond.Wait()
	}
}

// WaitTimeout is Wait with an upper bound. It reports whether id was
// freed before the timeout.
func (r *Registry) WaitTimeout(id uint64, d time.Duration) bool {
	stop := time.AfterFunc(d, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop.Stop()

	deadline := time.Now().Add(d)
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if _, ok := r.active[id]; !ok {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		r.cond.Wait()
	}
}

// Bind registers tok as the current token of the calling goroutine until
// the returned function is called. Binds nest.
func (r *Registry) Bind(tok *Token) (unbind func()) {
	gid := GoroutineID()

	r.mu.Lock()
	r.bound[gid] = append(r.bound[gid], tok)
	r.mu.Unlock()

	tok.mu.Lock()
	tok.bound++
	tok.mu.Unlock()

	var once gosync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			stack := r.bound[gid]
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == tok {
					stack = append(stack[:i], stack[i+1:]...)
					break
				}
			}
			if len(stack) == 0 {
				delete(r.bound, gid)
			} else {
				r.bound[gid] = stack
			}
			r.mu.Unlock()

			tok.mu.Lock()
			tok.bound--
			tok.mu.Unlock()
		})
	}
}

// Current returns the innermost token bound to the calling goroutine, or
// nil.
func (r *Registry) Current() *Token {
	gid := GoroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.bound[gid]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}
