package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailtask/internal/mainloop"
	"github.com/nhle/mailtask/internal/task"
)

type fakeIndicator struct {
	mu      sync.Mutex
	updates []int
	closed  bool
}

func (f *fakeIndicator) Update(_ string, pct int) {
	f.mu.Lock()
	f.updates = append(f.updates, pct)
	f.mu.Unlock()
}

func (f *fakeIndicator) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeIndicator) snapshot() ([]int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.updates...), f.closed
}

// gatedSurface blocks indicator creation until release is closed.
type gatedSurface struct {
	release chan struct{}
	fail    bool

	mu      sync.Mutex
	created []*fakeIndicator
	calls   int
}

func (s *gatedSurface) NewIndicator(ctx context.Context, _ uint64, _ string) (Indicator, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.release != nil {
		<-s.release
	}
	if s.fail {
		return nil, errors.New("renderer unavailable")
	}
	ind := &fakeIndicator{}
	s.mu.Lock()
	s.created = append(s.created, ind)
	s.mu.Unlock()
	return ind, nil
}

func (s *gatedSurface) stats() (int, []*fakeIndicator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]*fakeIndicator(nil), s.created...)
}

type labelled struct{ task.Base }

func (labelled) Describe(*task.Task, bool) string { return "fetching mail" }

func setup(t *testing.T, surface Surface) (*mainloop.Loop, *Tracker, *task.Registry) {
	t.Helper()
	l := mainloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	reg := task.NewRegistry(task.Hooks{})
	return l, New(l, surface, reg.Lookup, nil), reg
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, l *mainloop.Loop, fn func()) {
	t.Helper()
	require.NoError(t, l.Do(fn))
}

func TestIndicatorCreatedOnceAndUpdated(t *testing.T) {
	surface := &gatedSurface{}
	l, tr, reg := setup(t, surface)

	tk := task.New(labelled{}, nil)
	reg.Add(tk)

	onLoop(t, l, func() { tr.Update(tk.ID, "start", 0) })
	onLoop(t, l, func() { tr.Update(tk.ID, "half", 50) })

	require.Eventually(t, func() bool {
		_, created := surface.stats()
		return len(created) == 1
	}, time.Second, time.Millisecond)

	onLoop(t, l, func() { tr.Update(tk.ID, "done", 100) })

	calls, created := surface.stats()
	assert.Equal(t, 1, calls, "indicator must not be created twice")
	updates, _ := created[0].snapshot()
	assert.Equal(t, 100, updates[len(updates)-1])

	onLoop(t, l, func() { tr.Release(tk.ID) })
	_, closed := created[0].snapshot()
	assert.True(t, closed)
	onLoop(t, l, func() { assert.Equal(t, 0, tr.Len()) })
}

func TestReleaseWhileCreatingClosesLateIndicator(t *testing.T) {
	surface := &gatedSurface{release: make(chan struct{})}
	l, tr, reg := setup(t, surface)

	tk := task.New(labelled{}, nil)
	reg.Add(tk)

	onLoop(t, l, func() { tr.Update(tk.ID, "start", 0) })
	onLoop(t, l, func() {
		assert.Equal(t, 1, tr.Pending())
		tr.Release(tk.ID)
		assert.Equal(t, 0, tr.Len())
	})

	close(surface.release)
	require.Eventually(t, func() bool {
		_, created := surface.stats()
		if len(created) != 1 {
			return false
		}
		_, closed := created[0].snapshot()
		return closed
	}, time.Second, time.Millisecond)

	_, created := surface.stats()
	updates, _ := created[0].snapshot()
	assert.Empty(t, updates, "orphaned indicator must never be installed")
}

func TestReportsForUnknownOrUnlabelledTasksAreDropped(t *testing.T) {
	surface := &gatedSurface{}
	l, tr, reg := setup(t, surface)

	quiet := task.New(task.Base{}, nil)
	reg.Add(quiet)

	onLoop(t, l, func() {
		tr.Update(999, "ghost", 10)
		tr.Update(quiet.ID, "quiet", 10)
		assert.Equal(t, 0, tr.Len())
	})
	calls, _ := surface.stats()
	assert.Equal(t, 0, calls)
}

func TestCreationFailureIsNotRetried(t *testing.T) {
	surface := &gatedSurface{fail: true}
	l, tr, reg := setup(t, surface)

	tk := task.New(labelled{}, nil)
	reg.Add(tk)

	onLoop(t, l, func() { tr.Update(tk.ID, "a", 1) })
	require.Eventually(t, func() bool {
		pending := -1
		_ = l.Do(func() { pending = tr.Pending() })
		return pending == 0
	}, time.Second, time.Millisecond)

	onLoop(t, l, func() { tr.Update(tk.ID, "b", 2) })
	calls, _ := surface.stats()
	assert.Equal(t, 1, calls)
}

func TestNilSurfaceDisablesTracking(t *testing.T) {
	l, tr, reg := setup(t, nil)
	tk := task.New(labelled{}, nil)
	reg.Add(tk)
	onLoop(t, l, func() {
		tr.Update(tk.ID, "a", 1)
		assert.Equal(t, 0, tr.Len())
	})
}
