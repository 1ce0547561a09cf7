package task

import (
	"context"
	gosync "sync"
	"sync/atomic"
)

// Progress sentinels accepted by Report.
const (
	ProgressStart = 0
	ProgressEnd   = 100
)

// Reporter receives token progress. It is invoked on the reporting
// goroutine and must hand the update off without blocking.
type Reporter func(tok *Token, desc string, percent int)

// Token is the cancellation and progress handle of one task. Cancel is
// sticky and may be called from any goroutine at any time.
type Token struct {
	id     uint64
	parent *Token

	cancelled atomic.Bool
	released  atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	mu       gosync.Mutex
	desc     string
	percent  int
	bound    int
	reporter Reporter
	children []*Token
}

// NewToken creates an unregistered, non-cancelled token. A token created
// with a parent is cancelled whenever its parent is.
func NewToken(parent *Token) *Token {
	base := context.Background()
	if parent != nil {
		base = parent.ctx
	}
	ctx, cancel := context.WithCancel(base)
	tok := &Token{
		parent: parent,
		ctx:    ctx,
		cancel: cancel,
	}
	if parent != nil {
		parent.mu.Lock()
		tok.reporter = parent.reporter
		tok.id = parent.id
		parent.children = append(parent.children, tok)
		parent.mu.Unlock()
		if parent.Cancelled() {
			tok.Cancel()
		}
	}
	return tok
}

// NewChild creates a token whose cancellation follows t.
func (t *Token) NewChild() *Token {
	return NewToken(t)
}

// ID returns the sequence id of the task owning the token.
func (t *Token) ID() uint64 {
	return t.id
}

// Cancel sets the cancel flag on t and all of its children. It is a
// no-op once the token is already cancelled.
func (t *Token) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	t.cancel()

	t.mu.Lock()
	children := append([]*Token(nil), t.children...)
	t.mu.Unlock()
	for _, c := range children {
		c.Cancel()
	}
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Err returns ErrCancelled once the token is cancelled, nil before.
func (t *Token) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Context returns a context that is done when the token is cancelled or
// released.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Report records the current description and percent and forwards them to
// the reporter installed by the runtime. Percent is clamped to
// ProgressStart..ProgressEnd.
func (t *Token) Report(desc string, percent int) {
	if percent < ProgressStart {
		percent = ProgressStart
	}
	if percent > ProgressEnd {
		percent = ProgressEnd
	}

	t.mu.Lock()
	if desc != "" {
		t.desc = desc
	}
	t.percent = percent
	desc = t.desc
	r := t.reporter
	t.mu.Unlock()

	if r != nil && !t.released.Load() {
		r(t, desc, percent)
	}
}

// Progress returns the last reported description and percent.
func (t *Token) Progress() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc, t.percent
}

// Registered reports whether the token is currently bound to a goroutine.
func (t *Token) Registered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound > 0
}

// SetReporter installs the progress sink.
func (t *Token) SetReporter(r Reporter) {
	t.mu.Lock()
	t.reporter = r
	t.mu.Unlock()
}

func (t *Token) setID(id uint64) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}

// release detaches the token from its parent and stops further reports.
// The cancel flag is left as is.
func (t *Token) release() {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	t.cancel()
	if p := t.parent; p != nil {
		p.mu.Lock()
		for i, c := range p.children {
			if c == t {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	}
}
