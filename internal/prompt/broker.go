// Package prompt serializes interactive requests raised by workers, such
// as credential prompts and alerts, so that at most one of each kind is
// on screen at a time.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nhle/mailtask/internal/credential"
)

// ErrCancelled is returned when the user declines a prompt or when the
// broker is not interactive.
var ErrCancelled = errors.New("prompt cancelled")

// Kind is a prompt class. Each kind has its own queue.
type Kind int

const (
	KindCredential Kind = iota
	KindAlert
)

func (k Kind) String() string {
	switch k {
	case KindCredential:
		return "credential"
	case KindAlert:
		return "alert"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request describes one prompt.
type Request struct {
	ID      string
	Kind    Kind
	Title   string
	Message string

	// Resource identifies what a credential is for, for example
	// "imaps://alice@mail.example.com:993". It keys the credential cache.
	Resource string
	Username string

	AllowCancel bool
}

// Response is the answer to a prompt.
type Response struct {
	Username string
	Secret   string
	Accepted bool
	Remember bool

	// Cached is set when the answer came from the credential store
	// without showing anything.
	Cached bool
}

// Presenter shows prompts. Present is called on the UI loop and must not
// block; answer may be called from any goroutine, at most once is
// honoured. The returned dismiss function tears the prompt down without
// an answer and is also called on the UI loop.
type Presenter interface {
	Present(req Request, answer func(Response, error)) (dismiss func())
}

// Loop is the part of the UI loop the broker needs.
type Loop interface {
	Post(fn func()) bool
	Await(done <-chan struct{})
}

type pending struct {
	req  Request
	once gosync.Once
	done chan struct{}
	resp Response
	err  error

	// guarded by Broker.mu
	dismiss  func()
	answered bool
}

func (p *pending) resolve(resp Response, err error) {
	p.once.Do(func() {
		p.resp, p.err = resp, err
		close(p.done)
	})
}

type queue struct {
	showing *pending
	waiting []*pending
}

// Broker queues prompts per kind and hands them to the presenter one at
// a time.
type Broker struct {
	loop      Loop
	presenter Presenter
	creds     credential.Store
	log       *slog.Logger

	mu          gosync.Mutex
	interactive bool
	queues      map[Kind]*queue

	shown atomic.Uint64
}

// NewBroker creates an interactive broker. creds may be nil, in which
// case credential requests always prompt.
func NewBroker(loop Loop, presenter Presenter, creds credential.Store, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		loop:        loop,
		presenter:   presenter,
		creds:       creds,
		log:         log.With("component", "prompt"),
		interactive: presenter != nil,
		queues:      make(map[Kind]*queue),
	}
}

// Request shows req and blocks until it is answered, cancelled, or ctx
// is done. On the UI loop goroutine the loop keeps running while the
// caller waits.
func (b *Broker) Request(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var key string
	if req.Kind == KindCredential && req.Resource != "" {
		key = credential.NormalizeKey(req.Resource)
		if resp, ok := b.cached(key, req); ok {
			return resp, nil
		}
	}

	p := &pending{req: req, done: make(chan struct{})}

	b.mu.Lock()
	if !b.interactive {
		b.mu.Unlock()
		return Response{}, ErrCancelled
	}
	q := b.queue(req.Kind)
	q.waiting = append(q.waiting, p)
	b.mu.Unlock()

	if !b.loop.Post(func() { b.showNext(req.Kind) }) {
		b.abandon(p, ErrCancelled)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			b.abandon(p, ctx.Err())
		case <-p.done:
		case <-stop:
		}
	}()

	b.loop.Await(p.done)

	resp, err := p.resp, p.err
	if err != nil {
		return Response{}, err
	}
	if !resp.Accepted {
		return Response{}, ErrCancelled
	}

	if key != "" && resp.Remember && b.creds != nil {
		if err := b.creds.Set(key, resp.Secret); err != nil {
			b.log.Warn("failed to store credential", "key", key, "error", err)
		}
	}
	return resp, nil
}

// HasCredential reports whether a secret for resource is stored, in
// which case a credential request for it returns without a prompt.
func (b *Broker) HasCredential(resource string) bool {
	_, ok := b.cached(credential.NormalizeKey(resource), Request{})
	return ok
}

// SetInteractive switches the broker between interactive and
// non-interactive operation. Turning it off cancels every queued prompt
// and dismisses the ones on screen.
func (b *Broker) SetInteractive(on bool) {
	b.mu.Lock()
	b.interactive = on && b.presenter != nil
	if b.interactive {
		b.mu.Unlock()
		return
	}

	var flushed []*pending
	var dismiss []func()
	for _, q := range b.queues {
		if q.showing != nil {
			flushed = append(flushed, q.showing)
			if q.showing.dismiss != nil {
				dismiss = append(dismiss, q.showing.dismiss)
			}
			q.showing = nil
		}
		flushed = append(flushed, q.waiting...)
		q.waiting = nil
	}
	b.mu.Unlock()

	for _, p := range flushed {
		p.resolve(Response{}, ErrCancelled)
	}
	for _, d := range dismiss {
		b.loop.Post(d)
	}
	if len(flushed) > 0 {
		b.log.Debug("flushed prompts", "count", len(flushed))
	}
}

// Interactive reports whether prompts are being shown.
func (b *Broker) Interactive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interactive
}

// Queued returns the number of prompts of kind waiting or showing.
func (b *Broker) Queued(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[kind]
	if !ok {
		return 0
	}
	n := len(q.waiting)
	if q.showing != nil {
		n++
	}
	return n
}

// Shown returns how many prompts have been handed to the presenter.
func (b *Broker) Shown() uint64 {
	return b.shown.Load()
}

// Forget drops the cached secret for resource.
func (b *Broker) Forget(resource string) error {
	if b.creds == nil {
		return nil
	}
	key := credential.NormalizeKey(resource)
	if err := b.creds.Delete(key); err != nil {
		return fmt.Errorf("forgetting credential: %w", err)
	}
	return nil
}

func (b *Broker) cached(key string, req Request) (Response, bool) {
	if b.creds == nil {
		return Response{}, false
	}
	secret, err := b.creds.Get(key)
	if err != nil {
		if !errors.Is(err, credential.ErrNotFound) {
			b.log.Warn("failed to read credential", "key", key, "error", err)
		}
		return Response{}, false
	}
	return Response{Username: req.Username, Secret: secret, Accepted: true, Cached: true}, true
}

// queue must be called with mu held.
func (b *Broker) queue(kind Kind) *queue {
	q, ok := b.queues[kind]
	if !ok {
		q = &queue{}
		b.queues[kind] = q
	}
	return q
}

// showNext runs on the UI loop.
func (b *Broker) showNext(kind Kind) {
	b.mu.Lock()
	q := b.queue(kind)
	if q.showing != nil || len(q.waiting) == 0 || !b.interactive {
		b.mu.Unlock()
		return
	}
	p := q.waiting[0]
	q.waiting[0] = nil
	q.waiting = q.waiting[1:]
	q.showing = p
	b.mu.Unlock()

	b.shown.Add(1)
	dismiss := b.presenter.Present(p.req, func(resp Response, err error) {
		b.answer(p, resp, err)
	})

	b.mu.Lock()
	if q.showing == p {
		p.dismiss = dismiss
		b.mu.Unlock()
		return
	}
	answered := p.answered
	b.mu.Unlock()

	// Cancelled while Present was running.
	if !answered && dismiss != nil {
		dismiss()
	}
}

func (b *Broker) answer(p *pending, resp Response, err error) {
	b.mu.Lock()
	q := b.queue(p.req.Kind)
	if q.showing != p {
		b.mu.Unlock()
		return
	}
	q.showing = nil
	p.answered = true
	b.mu.Unlock()

	p.resolve(resp, err)
	b.loop.Post(func() { b.showNext(p.req.Kind) })
}

// abandon withdraws p, dismissing it if it is on screen.
func (b *Broker) abandon(p *pending, err error) {
	var dismiss func()
	wasShowing := false

	b.mu.Lock()
	q := b.queue(p.req.Kind)
	if q.showing == p {
		q.showing = nil
		dismiss = p.dismiss
		wasShowing = true
	} else {
		for i, w := range q.waiting {
			if w == p {
				q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	p.resolve(Response{}, err)
	if dismiss != nil {
		b.loop.Post(dismiss)
	}
	if wasShowing {
		b.loop.Post(func() { b.showNext(p.req.Kind) })
	}
}
