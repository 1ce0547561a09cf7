// Package pool runs tasks on worker goroutines under one of three
// scheduling policies.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"

	"github.com/nhle/mailtask/internal/mailbox"
	"github.com/nhle/mailtask/internal/task"
)

// ErrClosed is returned by Submit once Shutdown has started.
var ErrClosed = errors.New("pool is shut down")

// Policy selects how a pool schedules submitted tasks.
type Policy int

const (
	// Queued runs tasks on a small fixed set of workers sharing a FIFO.
	Queued Policy = iota

	// QueuedSlow is Queued for long-blocking work, kept apart so slow
	// tasks cannot starve fast ones.
	QueuedSlow

	// NewThread starts a goroutine per task. Tasks that issue nested
	// synchronous calls belong here.
	NewThread
)

func (p Policy) String() string {
	switch p {
	case Queued:
		return "queued"
	case QueuedSlow:
		return "queued-slow"
	case NewThread:
		return "new-thread"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Runner executes one task on the calling worker goroutine: bind the
// token, Execute, record failures, route the result.
type Runner interface {
	Run(t *task.Task)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(t *task.Task)

func (f RunnerFunc) Run(t *task.Task) { f(t) }

// Config describes one pool.
type Config struct {
	Name   string
	Policy Policy

	// Workers is the number of persistent workers for the queued
	// policies. Defaults to 1.
	Workers int

	// Limit bounds outstanding work: pending tasks for Queued, running
	// goroutines for NewThread. Submit blocks at the limit. 0 means
	// unlimited.
	Limit int
}

// Pool is a named group of worker goroutines.
type Pool struct {
	cfg    Config
	runner Runner
	log    *slog.Logger

	inbox *mailbox.Mailbox[*task.Task]
	slots chan struct{}

	wg      gosync.WaitGroup
	mu      gosync.Mutex
	started bool
	closing atomic.Bool
	done    chan struct{}
	once    gosync.Once

	active    atomic.Int64
	completed atomic.Uint64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, runner Runner, log *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Policy.String()
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Pool{
		cfg:    cfg,
		runner: runner,
		log:    log.With("pool", cfg.Name),
		inbox:  mailbox.New[*task.Task](),
		done:   make(chan struct{}),
	}
	if cfg.Limit > 0 {
		p.slots = make(chan struct{}, cfg.Limit)
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Policy returns the scheduling policy.
func (p *Pool) Policy() Policy { return p.cfg.Policy }

// Start launches the persistent workers. It is a no-op for NewThread
// pools and on repeated calls.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	if p.cfg.Policy == NewThread {
		return
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Debug("pool started", "policy", p.cfg.Policy.String(), "workers", p.cfg.Workers)
}

// Submit hands t to the pool. It blocks while the pool is at its limit
// and fails with ErrClosed once Shutdown has begun.
func (p *Pool) Submit(t *task.Task) error {
	if p.closing.Load() {
		return ErrClosed
	}

	if p.slots != nil {
		p.slots <- struct{}{}
	}

	if p.cfg.Policy == NewThread {
		p.mu.Lock()
		if p.closing.Load() {
			p.mu.Unlock()
			p.release()
			return ErrClosed
		}
		p.wg.Add(1)
		p.mu.Unlock()

		go func() {
			defer p.wg.Done()
			defer p.release()
			p.run(t)
		}()
		return nil
	}

	if !p.inbox.Push(t) {
		p.release()
		return ErrClosed
	}
	return nil
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int { return p.inbox.Len() }

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Completed returns the number of tasks run to completion.
func (p *Pool) Completed() uint64 { return p.completed.Load() }

// Shutdown stops intake, lets the workers drain every queued task, joins
// them and only then closes the queue. The returned channel is closed
// when all of that has happened.
func (p *Pool) Shutdown() <-chan struct{} {
	p.once.Do(func() {
		// Workers must exist to drain anything queued before Start.
		p.Start()

		p.mu.Lock()
		p.closing.Store(true)
		p.mu.Unlock()

		p.inbox.Close()
		go func() {
			p.wg.Wait()
			p.log.Debug("pool drained", "completed", p.completed.Load())
			close(p.done)
		}()
	})
	return p.done
}

// Done is closed once Shutdown has finished.
func (p *Pool) Done() <-chan struct{} { return p.done }

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		t, ok := p.inbox.Pop()
		if !ok {
			return
		}
		p.release()
		p.run(t)
	}
}

func (p *Pool) run(t *task.Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	p.runner.Run(t)
	p.completed.Add(1)
}

func (p *Pool) release() {
	if p.slots == nil {
		return
	}
	select {
	case <-p.slots:
	default:
	}
}
