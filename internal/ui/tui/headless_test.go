package tui

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailtask/internal/engine"
	"github.com/nhle/mailtask/internal/pool"
	"github.com/nhle/mailtask/internal/prompt"
	"github.com/nhle/mailtask/internal/task"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func TestHeadlessDismissesErrors(t *testing.T) {
	log, buf := newLogger()
	h := NewHeadless(log)

	dismissed := false
	h.ShowError("Error while syncing work", errors.New("timeout"), func() { dismissed = true })

	assert.True(t, dismissed)
	assert.Contains(t, buf.String(), "timeout")
}

func TestHeadlessPrompts(t *testing.T) {
	h := NewHeadless(nil)

	var got prompt.Response
	h.Present(prompt.Request{Kind: prompt.KindCredential}, func(r prompt.Response, _ error) { got = r })
	assert.False(t, got.Accepted)

	h.Answer = func(req prompt.Request) (prompt.Response, bool) {
		return prompt.Response{Secret: "pw", Accepted: true}, req.Kind == prompt.KindCredential
	}
	h.Present(prompt.Request{Kind: prompt.KindCredential}, func(r prompt.Response, _ error) { got = r })
	assert.True(t, got.Accepted)
	assert.Equal(t, "pw", got.Secret)
}

func TestHeadlessIndicatorLogsDeciles(t *testing.T) {
	log, buf := newLogger()
	ind, err := NewHeadless(log).NewIndicator(context.Background(), 1, "Syncing")
	require.NoError(t, err)

	for p := 0; p <= 100; p++ {
		ind.Update("step", p)
	}
	ind.Close()

	assert.Equal(t, 10, bytes.Count([]byte(buf.String()), []byte("task progress")))
	assert.Contains(t, buf.String(), "task finished")
}

func TestHeadlessDrivesRuntime(t *testing.T) {
	log, buf := newLogger()
	r := engine.New(engine.Options{Surface: NewHeadless(log), NonInteractive: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	_, err := r.Go(pool.Queued, task.Func(func(context.Context, *task.Task) error {
		return errors.New("mailbox vanished")
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(buf.String()), []byte("mailbox vanished"))
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Shutdown(context.Background()))
}
