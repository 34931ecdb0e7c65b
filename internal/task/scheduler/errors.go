package scheduler

import (
	"errors"
	"fmt"

	"cronhost/internal/cronexpr"
)

var (
	// ErrInvalidExpression is returned by AddTask when the cron expression
	// cannot be parsed.
	ErrInvalidExpression = cronexpr.ErrInvalidExpression
	// ErrUnreachable is returned (or logged, for running tasks) when an
	// expression parses but has no fire time within the search horizon.
	ErrUnreachable = cronexpr.ErrUnreachable

	ErrNameRequired        = errors.New("task name required")
	ErrNilAction           = errors.New("task action is nil")
	ErrDuplicateActiveTask = errors.New("task with the same name is still running")
	ErrAlreadyStarted      = errors.New("scheduler already started")
	ErrStopped             = errors.New("scheduler stopped")
	ErrActionFailed        = errors.New("task action failed")
)

// ActionError wraps a failure raised by a dispatched action. It matches both
// ErrActionFailed and the underlying cause with errors.Is.
type ActionError struct {
	Task  string
	Err   error
	Stack string // set when the action panicked
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("task %q: %v", e.Task, e.Err)
}

func (e *ActionError) Unwrap() []error { return []error{ErrActionFailed, e.Err} }

// Panicked reports whether the action panicked rather than returning an error.
func (e *ActionError) Panicked() bool { return e.Stack != "" }
