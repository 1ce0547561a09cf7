package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailtask/internal/progress"
	"github.com/nhle/mailtask/internal/prompt"
)

func popMsg(t *testing.T, s *Surface) tea.Msg {
	t.Helper()
	msg, ok := s.out.TryPop()
	require.True(t, ok, "no message queued")
	return msg
}

func TestSurfaceSetBusyQueuesMessage(t *testing.T) {
	s := NewSurface()
	s.SetBusy(true)
	assert.Equal(t, BusyMsg{Busy: true}, popMsg(t, s))
}

func TestSurfaceIndicatorWaitsForRenderer(t *testing.T) {
	s := NewSurface()

	type result struct {
		ind progress.Indicator
		err error
	}
	done := make(chan result, 1)
	go func() {
		ind, err := s.NewIndicator(context.Background(), 7, "Syncing work")
		done <- result{ind, err}
	}()

	var open indicatorOpenMsg
	require.Eventually(t, func() bool {
		msg, ok := s.out.TryPop()
		if ok {
			open = msg.(indicatorOpenMsg)
		}
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(7), open.id)
	assert.Equal(t, "Syncing work", open.label)

	select {
	case <-done:
		t.Fatal("indicator returned before the renderer acknowledged it")
	default:
	}
	close(open.ack)

	res := <-done
	require.NoError(t, res.err)

	res.ind.Update("Fetched 1 of 2", 45)
	assert.Equal(t, indicatorUpdateMsg{id: 7, desc: "Fetched 1 of 2", percent: 45}, popMsg(t, s))
	res.ind.Close()
	assert.Equal(t, indicatorCloseMsg{id: 7}, popMsg(t, s))
}

func TestSurfaceIndicatorCancelled(t *testing.T) {
	s := NewSurface()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.NewIndicator(ctx, 3, "x")
	require.ErrorIs(t, err, context.Canceled)

	assert.IsType(t, indicatorOpenMsg{}, popMsg(t, s))
	assert.Equal(t, indicatorCloseMsg{id: 3}, popMsg(t, s))
}

func TestSurfaceClosed(t *testing.T) {
	s := NewSurface()
	s.Close()

	_, err := s.NewIndicator(context.Background(), 1, "x")
	assert.ErrorIs(t, err, ErrClosed)

	dismissed := false
	s.ShowError("Error while syncing", errors.New("boom"), func() { dismissed = true })
	assert.True(t, dismissed)

	var gotErr error
	s.Present(prompt.Request{Kind: prompt.KindAlert}, func(_ prompt.Response, err error) { gotErr = err })
	assert.ErrorIs(t, gotErr, prompt.ErrCancelled)
}

func TestSurfacePresentDismiss(t *testing.T) {
	s := NewSurface()
	dismiss := s.Present(prompt.Request{Kind: prompt.KindCredential}, func(prompt.Response, error) {})

	open := popMsg(t, s).(promptOpenMsg)
	dismiss()
	assert.Equal(t, promptCloseMsg{id: open.id}, popMsg(t, s))
}

type chanSender struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (c *chanSender) Send(msg tea.Msg) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *chanSender) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestSurfaceAttachForwardsInOrder(t *testing.T) {
	s := NewSurface()
	s.SetBusy(true)
	s.Notify(actionDoneMsg{verb: "archive"})

	dst := &chanSender{}
	attached := make(chan struct{})
	go func() {
		s.Attach(dst)
		close(attached)
	}()

	s.SetBusy(false)
	require.Eventually(t, func() bool { return dst.len() == 3 }, time.Second, time.Millisecond)
	s.Close()
	<-attached

	assert.Equal(t, []tea.Msg{BusyMsg{Busy: true}, actionDoneMsg{verb: "archive"}, BusyMsg{Busy: false}}, dst.msgs)
	assert.False(t, s.Notify(BusyMsg{}))
}
