// Package engine owns the task runtime: the active-task registry, the
// worker pools, the UI loop and everything that connects them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nhle/mailtask/internal/busy"
	"github.com/nhle/mailtask/internal/mailbox"
	"github.com/nhle/mailtask/internal/mainloop"
	"github.com/nhle/mailtask/internal/model"
	"github.com/nhle/mailtask/internal/pool"
	"github.com/nhle/mailtask/internal/progress"
	"github.com/nhle/mailtask/internal/prompt"
	"github.com/nhle/mailtask/internal/task"
	"github.com/nhle/mailtask/internal/telemetry"
)

// ErrShutdown is returned for work handed to a runtime that is shutting
// down.
var ErrShutdown = errors.New("engine: shutting down")

// Runtime is one independent task engine. Nothing in it is global, so
// several runtimes can coexist in a process.
type Runtime struct {
	opts Options
	log  *slog.Logger
	ins  *telemetry.Instruments

	registry *task.Registry
	loop     *mainloop.Loop
	reply    *mailbox.Mailbox[*task.Task]
	tracker  *progress.Tracker
	busy     *busy.Aggregator
	broker   *prompt.Broker

	pools map[pool.Policy]*pool.Pool

	mu      gosync.Mutex
	bridges []*mainloop.Bridge
	replies []*mailbox.Mailbox[*task.Task]

	journal     *mailbox.Mailbox[*model.TaskLog]
	journalDone chan struct{}

	closing  atomic.Bool
	shutOnce gosync.Once
	shutErr  error
}

// New creates a runtime and starts its pools. The UI loop only runs once
// Run is called.
func New(opts Options) *Runtime {
	opts = opts.withDefaults()
	r := &Runtime{
		opts:        opts,
		log:         opts.Logger.With("component", "engine"),
		ins:         opts.Instruments,
		loop:        mainloop.New(opts.Logger),
		reply:       mailbox.New[*task.Task](),
		journalDone: make(chan struct{}),
	}

	r.registry = task.NewRegistry(task.Hooks{
		Added:   r.onAdded,
		Freeing: r.onFreeing,
		Removed: r.onRemoved,
	})

	var surface progress.Surface
	if opts.Surface != nil {
		surface = opts.Surface
	}
	r.tracker = progress.New(r.loop, surface, r.registry.Lookup, opts.Logger)

	var indicator busy.Indicator
	if opts.Surface != nil {
		indicator = opts.Surface
	}
	r.busy = busy.New(r.loop, indicator)

	var presenter prompt.Presenter
	if opts.Surface != nil {
		presenter = opts.Surface
	}
	r.broker = prompt.NewBroker(r.loop, presenter, opts.Credentials, opts.Logger)
	if opts.NonInteractive {
		r.broker.SetInteractive(false)
	}

	r.WatchReply("ui", r.reply)

	r.pools = map[pool.Policy]*pool.Pool{
		pool.Queued: pool.New(pool.Config{
			Name:    "fast",
			Policy:  pool.Queued,
			Workers: opts.FastWorkers,
			Limit:   opts.FastQueueLimit,
		}, r.runner("fast"), opts.Logger),
		pool.QueuedSlow: pool.New(pool.Config{
			Name:    "slow",
			Policy:  pool.QueuedSlow,
			Workers: opts.SlowWorkers,
		}, r.runner("slow"), opts.Logger),
		pool.NewThread: pool.New(pool.Config{
			Name:   "thread",
			Policy: pool.NewThread,
			Limit:  opts.ThreadLimit,
		}, r.runner("thread"), opts.Logger),
	}
	for _, p := range r.pools {
		p.Start()
	}

	if opts.Journal != nil {
		r.journal = mailbox.New[*model.TaskLog]()
		go r.writeJournal()
	} else {
		close(r.journalDone)
	}
	return r
}

// Loop returns the UI loop.
func (r *Runtime) Loop() *mainloop.Loop { return r.loop }

// Registry returns the active-task table.
func (r *Runtime) Registry() *task.Registry { return r.registry }

// Reply returns the default reply mailbox drained on the UI loop.
func (r *Runtime) Reply() *mailbox.Mailbox[*task.Task] { return r.reply }

// Run runs the UI loop on the calling goroutine until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	return r.loop.Run(ctx)
}

// WatchReply registers an extra reply mailbox drained on the UI loop.
// It is closed by Shutdown.
func (r *Runtime) WatchReply(name string, mb *mailbox.Mailbox[*task.Task]) {
	b := mainloop.NewBridge(r.loop, mb, r.Free, r.errorReporter(), r.opts.Logger.With("reply", name))
	r.mu.Lock()
	r.bridges = append(r.bridges, b)
	r.replies = append(r.replies, mb)
	r.mu.Unlock()
}

func (r *Runtime) errorReporter() mainloop.ErrorReporter {
	if r.opts.Surface == nil {
		return nil
	}
	return r.opts.Surface
}

// Option adjusts a task before it is registered.
type Option func(t *task.Task)

// WithPayload attaches operation state to the task.
func WithPayload(v any) Option {
	return func(t *task.Task) { t.Payload = v }
}

// WithReply delivers the task through mb instead of the default UI
// mailbox. mb must be registered with WatchReply or drained by the
// caller.
func WithReply(mb *mailbox.Mailbox[*task.Task]) Option {
	return func(t *task.Task) { t.Reply = mb }
}

// Detached makes the worker deliver and free the task itself.
func Detached() Option {
	return func(t *task.Task) { t.Reply = nil }
}

// WithParent nests the task token under parent so that cancelling the
// parent cancels the task.
func WithParent(parent *task.Token) Option {
	return func(t *task.Task) {
		if parent != nil {
			t.Token = parent.NewChild()
		}
	}
}

// NewTask creates and registers a task for op.
func (r *Runtime) NewTask(op task.Operation, opts ...Option) *task.Task {
	t := task.New(op, nil)
	t.Reply = r.reply
	for _, opt := range opts {
		opt(t)
	}
	t.Token.SetReporter(r.reporter())
	r.registry.Add(t)
	return t
}

// Submit queues t on the pool with the given policy. On failure t has
// already been freed.
func (r *Runtime) Submit(policy pool.Policy, t *task.Task) error {
	p, ok := r.pools[policy]
	if !ok {
		r.Free(t)
		return fmt.Errorf("submitting task %d: unknown pool %s", t.ID, policy)
	}
	if r.closing.Load() {
		r.Free(t)
		return fmt.Errorf("submitting task %d: %w", t.ID, ErrShutdown)
	}
	if err := p.Submit(t); err != nil {
		r.Free(t)
		return fmt.Errorf("submitting task %d to %s: %w", t.ID, p.Name(), err)
	}
	return nil
}

// Go creates a task for op and submits it in one step.
func (r *Runtime) Go(policy pool.Policy, op task.Operation, opts ...Option) (*task.Task, error) {
	t := r.NewTask(op, opts...)
	if err := r.Submit(policy, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SubmitMain delivers t on the UI loop without executing it.
func (r *Runtime) SubmitMain(t *task.Task) error {
	mb := t.Reply
	if mb == nil {
		mb = r.reply
	}
	if r.closing.Load() || !mb.Push(t) {
		r.Free(t)
		return fmt.Errorf("submitting task %d to main loop: %w", t.ID, ErrShutdown)
	}
	return nil
}

// Free destroys and unregisters t. Freeing twice is a no-op.
func (r *Runtime) Free(t *task.Task) {
	r.registry.Free(t)
}

// Cancel cancels the task with id and reports whether it was active.
func (r *Runtime) Cancel(id uint64) bool {
	return r.registry.Cancel(id)
}

// CancelAll cancels every active task.
func (r *Runtime) CancelAll() int {
	n := r.registry.CancelAll()
	if n > 0 {
		r.log.Info("cancelled all tasks", "count", n)
	}
	return n
}

// WaitForTask blocks until the task with id has been freed. On the UI
// loop goroutine the loop keeps dispatching meanwhile.
func (r *Runtime) WaitForTask(id uint64) {
	if r.loop.IsLoopGoroutine() {
		if r.loop.PumpUntil(func() bool { return !r.registry.Active(id) }) {
			return
		}
	}
	r.registry.Wait(id)
}

// WaitForAllTasks blocks until no task is active. It must not be called
// from inside a task.
func (r *Runtime) WaitForAllTasks() {
	if r.loop.IsLoopGoroutine() {
		if r.loop.PumpUntil(func() bool { return r.registry.Len() == 0 }) {
			return
		}
	}
	r.registry.WaitAll()
}

// Report updates the progress of the task executing on the calling
// goroutine. Outside a task it does nothing.
func (r *Runtime) Report(desc string, percent int) {
	if tok := r.registry.Current(); tok != nil {
		tok.Report(desc, percent)
	}
}

// CurrentToken returns the token of the task executing on the calling
// goroutine, or nil.
func (r *Runtime) CurrentToken() *task.Token {
	return r.registry.Current()
}

// CallOnMainThread runs fn on the UI loop and waits for it.
func (r *Runtime) CallOnMainThread(fn func()) error {
	return r.loop.Do(fn)
}

// Call runs fn on the UI loop of r and returns its result.
func Call[T any](r *Runtime, fn func() T) (T, error) {
	return mainloop.Call(r.loop, fn)
}

// RequestPrompt asks the user and blocks until an answer is available.
func (r *Runtime) RequestPrompt(ctx context.Context, req prompt.Request) (prompt.Response, error) {
	return r.broker.Request(ctx, req)
}

// ForgetCredential drops the cached secret for resource.
func (r *Runtime) ForgetCredential(resource string) error {
	return r.broker.Forget(resource)
}

// HasCredential reports whether a secret for resource is cached.
func (r *Runtime) HasCredential(resource string) bool {
	return r.broker.HasCredential(resource)
}

// SetInteractive toggles whether prompts are shown.
func (r *Runtime) SetInteractive(on bool) {
	r.broker.SetInteractive(on)
}

// Interactive reports whether prompts are shown.
func (r *Runtime) Interactive() bool {
	return r.broker.Interactive()
}

// Busy reports whether any task is active.
func (r *Runtime) Busy() bool {
	return r.busy.Busy()
}

// OnBusyChange registers fn to run on the UI loop at every idle/busy
// transition.
func (r *Runtime) OnBusyChange(fn func(busy bool)) {
	r.busy.OnChange(fn)
}

// Stats is a point-in-time summary of the runtime.
type Stats struct {
	Active    int
	Pending   map[string]int
	Running   map[string]int
	Completed map[string]uint64
}

// Stats returns counters of the registry and pools.
func (r *Runtime) Stats() Stats {
	s := Stats{
		Active:    r.registry.Len(),
		Pending:   make(map[string]int, len(r.pools)),
		Running:   make(map[string]int, len(r.pools)),
		Completed: make(map[string]uint64, len(r.pools)),
	}
	for _, p := range r.pools {
		s.Pending[p.Name()] = p.Pending()
		s.Running[p.Name()] = p.Active()
		s.Completed[p.Name()] = p.Completed()
	}
	return s
}

// Shutdown drains and joins the pools in the fixed order fast, slow,
// thread, delivers what is left on the reply mailboxes, then closes them.
// On the UI loop goroutine the loop keeps dispatching while it waits, so
// workers blocked in a main loop call can finish.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutOnce.Do(func() {
		r.closing.Store(true)
		r.log.Info("shutting down")

		for _, policy := range []pool.Policy{pool.Queued, pool.QueuedSlow, pool.NewThread} {
			p := r.pools[policy]
			if err := r.await(ctx, p.Shutdown()); err != nil {
				r.shutErr = fmt.Errorf("joining %s pool: %w", p.Name(), err)
				return
			}
		}

		r.drainReplies()
		r.mu.Lock()
		replies := append([]*mailbox.Mailbox[*task.Task](nil), r.replies...)
		r.mu.Unlock()
		for _, mb := range replies {
			mb.Close()
		}
		// Anything that raced the close is delivered here.
		r.drainReplies()

		if r.journal != nil {
			r.journal.Close()
		}
		if err := r.await(ctx, r.journalDone); err != nil {
			r.shutErr = fmt.Errorf("flushing journal: %w", err)
			return
		}
		r.log.Info("shutdown complete")
	})
	return r.shutErr
}

func (r *Runtime) await(ctx context.Context, done <-chan struct{}) error {
	if r.loop.IsLoopGoroutine() {
		either := make(chan struct{})
		go func() {
			select {
			case <-done:
			case <-ctx.Done():
			}
			close(either)
		}()
		r.loop.Await(either)
	} else {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	select {
	case <-done:
		return nil
	default:
		return ctx.Err()
	}
}

func (r *Runtime) drainReplies() {
	r.mu.Lock()
	bridges := append([]*mainloop.Bridge(nil), r.bridges...)
	r.mu.Unlock()

	drain := func() {
		for _, b := range bridges {
			b.Drain()
		}
	}
	if r.loop.IsLoopGoroutine() {
		drain()
		return
	}
	if r.loop.Running() {
		if err := r.loop.Do(drain); err == nil {
			return
		}
	}
	// No loop to deliver on; the caller stands in for it.
	drain()
}

// runner builds the per-pool worker body.
func (r *Runtime) runner(name string) pool.Runner {
	return pool.RunnerFunc(func(t *task.Task) {
		r.execute(name, t)
		r.route(t)
	})
}

func (r *Runtime) execute(poolName string, t *task.Task) {
	unbind := r.registry.Bind(t.Token)
	defer unbind()

	ctx := task.WithToken(t.Token.Context(), t.Token)
	ctx, span := r.ins.StartExecute(ctx, poolName, t.ID, t.Describe(false))

	t.MarkStarted()
	var err error
	if t.Token.Cancelled() {
		err = task.ErrCancelled
	} else {
		err = r.safeExecute(ctx, t)
	}
	t.MarkFinished()

	if err != nil && t.Token.Cancelled() && errors.Is(err, context.Canceled) {
		err = task.ErrCancelled
	}
	t.Exception().Set(err)

	r.ins.Executed(ctx, span, poolName, t.Duration(), err, task.IsCancelled(err))
}

func (r *Runtime) safeExecute(ctx context.Context, t *task.Task) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &task.PanicError{Callback: "execute", Value: v}
			r.log.Error("task panicked", "task", t.ID, "panic", v)
		}
	}()
	if t.Op == nil {
		return nil
	}
	return t.Op.Execute(ctx, t)
}

// route hands t to its reply mailbox, or delivers and frees it on the
// worker when it has none or the mailbox is closed.
func (r *Runtime) route(t *task.Task) {
	if t.Reply != nil && t.Reply.Push(t) {
		return
	}

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
	if err := t.Err(); err != nil && !task.IsCancelled(err) {
		r.log.Warn("detached task failed", "task", t.ID, "label", t.Describe(true), "error", err)
	}
	r.Free(t)
}

// reporter returns the progress sink for a new task. Each task has its
// own limiter; the first and last report always pass.
func (r *Runtime) reporter() task.Reporter {
	lim := rate.NewLimiter(rate.Limit(r.opts.ProgressRate), r.opts.ProgressBurst)
	return func(tok *task.Token, desc string, percent int) {
		if percent != task.ProgressStart && percent != task.ProgressEnd && !lim.Allow() {
			return
		}
		id := tok.ID()
		r.loop.Post(func() { r.tracker.Update(id, desc, percent) })
	}
}

func (r *Runtime) onAdded(t *task.Task) {
	r.busy.Inc()
	r.ins.Registered(context.Background())
}

func (r *Runtime) onFreeing(t *task.Task) {
	if r.journal == nil {
		return
	}
	entry := &model.TaskLog{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Label:     t.Describe(true),
		Operation: fmt.Sprintf("%T", t.Op),
		Outcome:   model.TaskOutcomeOK,
		CreatedAt: t.Created,
		FreedAt:   time.Now(),
	}
	if ts := t.Started(); !ts.IsZero() {
		entry.StartedAt = &ts
	}
	if ts := t.Finished(); !ts.IsZero() {
		entry.FinishedAt = &ts
	}
	switch err := t.Err(); {
	case task.IsCancelled(err):
		entry.Outcome = model.TaskOutcomeCancelled
	case err != nil:
		entry.Outcome = model.TaskOutcomeFailed
		entry.Error = err.Error()
	}
	r.journal.Push(entry)
}

func (r *Runtime) onRemoved(t *task.Task) {
	id := t.ID
	// Posted after the task left the table, so no later progress update
	// can recreate its indicator.
	r.loop.Post(func() { r.tracker.Release(id) })
	r.busy.Dec()
	r.ins.Removed(context.Background())
	r.loop.Wake()
}

func (r *Runtime) writeJournal() {
	defer close(r.journalDone)
	for {
		entry, ok := r.journal.Pop()
		if !ok {
			return
		}
		if err := r.opts.Journal.InsertTaskLog(context.Background(), entry); err != nil {
			r.log.Warn("failed to record task", "task", entry.TaskID, "error", err)
		}
	}
}
