// Package tui renders the engine's UI surface in the terminal with Bubble
// Tea. Engine callbacks arrive on the engine loop goroutine; the Surface
// turns them into tea messages and forwards them to the program.
package tui

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailtask/internal/mailbox"
	"github.com/nhle/mailtask/internal/progress"
	"github.com/nhle/mailtask/internal/prompt"
)

// ErrClosed is returned once the surface has been closed.
var ErrClosed = errors.New("tui: surface closed")

// Sender receives forwarded messages. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// BusyMsg toggles the busy spinner and the stop key.
type BusyMsg struct {
	Busy bool
}

// ErrorMsg is a task failure waiting for the user to acknowledge it.
type ErrorMsg struct {
	Title     string
	Err       error
	dismissed func()
}

type indicatorOpenMsg struct {
	id    uint64
	label string
	ack   chan struct{}
}

type indicatorUpdateMsg struct {
	id      uint64
	desc    string
	percent int
}

type indicatorCloseMsg struct {
	id uint64
}

type promptOpenMsg struct {
	id     uint64
	req    prompt.Request
	answer func(prompt.Response, error)
}

type promptCloseMsg struct {
	id uint64
}

// Surface implements the engine surface on top of a tea program.
type Surface struct {
	out     *mailbox.Mailbox[tea.Msg]
	done    chan struct{}
	once    gosync.Once
	prompts atomic.Uint64
}

// NewSurface creates a surface. Messages queue up until Attach.
func NewSurface() *Surface {
	return &Surface{
		out:  mailbox.New[tea.Msg](),
		done: make(chan struct{}),
	}
}

// Attach starts forwarding queued and future messages to dst. It
// returns when the surface is closed.
func (s *Surface) Attach(dst Sender) {
	for {
		msg, ok := s.out.Pop()
		if !ok {
			return
		}
		dst.Send(msg)
	}
}

// Close stops forwarding. Pending indicator creations fail with
// ErrClosed.
func (s *Surface) Close() {
	s.once.Do(func() {
		close(s.done)
		s.out.Close()
	})
}

// Notify forwards an arbitrary message to the program.
func (s *Surface) Notify(msg tea.Msg) bool {
	return s.out.Push(msg)
}

func (s *Surface) SetBusy(busy bool) {
	s.out.Push(BusyMsg{Busy: busy})
}

// NewIndicator waits until the program has drawn the progress bar.
func (s *Surface) NewIndicator(ctx context.Context, id uint64, label string) (progress.Indicator, error) {
	ack := make(chan struct{})
	if !s.out.Push(indicatorOpenMsg{id: id, label: label, ack: ack}) {
		return nil, ErrClosed
	}

	select {
	case <-ack:
		return &indicator{s: s, id: id}, nil
	case <-ctx.Done():
		s.out.Push(indicatorCloseMsg{id: id})
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *Surface) ShowError(title string, err error, dismissed func()) {
	if !s.out.Push(ErrorMsg{Title: title, Err: err, dismissed: dismissed}) && dismissed != nil {
		dismissed()
	}
}

func (s *Surface) Present(req prompt.Request, answer func(prompt.Response, error)) func() {
	id := s.prompts.Add(1)
	if !s.out.Push(promptOpenMsg{id: id, req: req, answer: answer}) {
		answer(prompt.Response{}, prompt.ErrCancelled)
		return func() {}
	}
	return func() { s.out.Push(promptCloseMsg{id: id}) }
}

type indicator struct {
	s  *Surface
	id uint64
}

func (i *indicator) Update(desc string, percent int) {
	i.s.out.Push(indicatorUpdateMsg{id: i.id, desc: desc, percent: percent})
}

func (i *indicator) Close() {
	i.s.out.Push(indicatorCloseMsg{id: i.id})
}
