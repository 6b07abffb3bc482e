package dispatch

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for tasks enqueued after Close, or abandoned when a
// shutdown deadline expires before the backlog drained.
var ErrClosed = errors.New("dispatch queue closed")

// ExhaustedError is the terminal error of a task that never succeeded.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("dispatch %s: gave up after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
