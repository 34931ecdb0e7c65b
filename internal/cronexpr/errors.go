package cronexpr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrUnreachable       = errors.New("cron expression has no reachable fire time")
)

// ParseError describes why an expression was rejected.
// It matches ErrInvalidExpression with errors.Is.
type ParseError struct {
	Expr  string
	Field string // empty when the error is not tied to a single field
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("cronexpr: %q: %s", e.Expr, e.Msg)
	}
	return fmt.Sprintf("cronexpr: %q: %s: %s", e.Expr, e.Field, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrInvalidExpression }
