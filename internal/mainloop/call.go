package mainloop

import "github.com/nhle/mailtask/internal/task"

// Call runs fn on the loop goroutine and returns its result once it has
// completed there. Called on the loop goroutine itself, fn runs inline.
//
// Call has no cancellation: fn must be short and must not wait on work
// that is queued behind the caller on the same worker. It blocks until
// the loop runs fn, so a loop that has not been started yet delays the
// caller until Run begins.
func Call[T any](l *Loop, fn func() T) (T, error) {
	if l.IsLoopGoroutine() {
		return fn(), nil
	}

	type result struct {
		v   T
		err error
	}
	reply := make(chan result, 1)

	ok := l.Post(func() {
		defer func() {
			if v := recover(); v != nil {
				reply <- result{err: &task.PanicError{Callback: "main loop call", Value: v}}
			}
		}()
		reply <- result{v: fn()}
	})
	if !ok {
		var zero T
		return zero, ErrStopped
	}

	r := <-reply
	return r.v, r.err
}

// Do is Call for functions without a result.
func (l *Loop) Do(fn func()) error {
	_, err := Call(l, func() struct{} {
		fn()
		return struct{}{}
	})
	return err
}
