package task

import (
	"errors"
	"fmt"
	gosync "sync"
)

// ErrCancelled marks an execution that unwound because its token was
// cancelled by the user. It is never surfaced as a failure dialog.
var ErrCancelled = errors.New("operation cancelled")

// IsCancelled reports whether err (or any error in its chain) is a user
// cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// PanicError records a panic recovered from an operation callback.
type PanicError struct {
	Callback string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Callback, e.Value)
}

// IsPanic reports whether err (or any error in its chain) is a PanicError.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// Exception is the per-task error slot. Execute failures land here instead
// of crossing the worker/UI boundary; Deliver branches on it.
type Exception struct {
	mu  gosync.Mutex
	err error
}

// Set records err. A nil err is ignored; a later error replaces an
// earlier one except that a cancellation is never overwritten.
func (e *Exception) Set(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil && IsCancelled(e.err) {
		return
	}
	e.err = err
}

// Err returns the recorded error, or nil.
func (e *Exception) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// IsSet reports whether an error has been recorded.
func (e *Exception) IsSet() bool {
	return e.Err() != nil
}

// IsCancelled reports whether the recorded error is a user cancellation.
func (e *Exception) IsCancelled() bool {
	return IsCancelled(e.Err())
}

// Clear drops the recorded error.
func (e *Exception) Clear() {
	e.mu.Lock()
	e.err = nil
	e.mu.Unlock()
}
