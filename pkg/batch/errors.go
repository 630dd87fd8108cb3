package batch

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidState is returned when a Runner is used out of order,
	// e.g. Add after Run has started or Run called twice.
	ErrInvalidState = errors.New("batch runner: invalid state")
	// ErrWorkerUnavailable wraps the reason a task could not get a worker.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	ErrTaskPanicked      = errors.New("task panicked")
)

// TaskError attributes a failure to the task that produced it.
type TaskError struct {
	Key string
	Err error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q: %v", e.Key, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ErrorList is an append-safe error collection owned by a single run.
type ErrorList struct {
	mu   sync.Mutex
	errs []error
}

func (l *ErrorList) Add(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *ErrorList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

// List returns a copy of the collected errors.
func (l *ErrorList) List() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]error, len(l.errs))
	copy(out, l.errs)
	return out
}

// Err joins the collected errors, nil when there are none.
func (l *ErrorList) Err() error {
	return errors.Join(l.List()...)
}
