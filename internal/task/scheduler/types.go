package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"cronhost/internal/cronexpr"
)

// Config controls the scheduler service.
type Config struct {
	// Timezone is an IANA name used to evaluate cron expressions.
	// Empty means time.Local.
	Timezone string

	// HistorySize bounds the in-memory run history (default 200).
	HistorySize int

	// SkipWarnEvery throttles the per-task "still running, tick skipped"
	// warning (default 1m). Throttled occurrences are logged at debug.
	SkipWarnEvery time.Duration
}

// Action is the deferred work attached to a task. The context is not
// canceled by Stop; it only carries the task name and the optional timeout.
type Action func(ctx context.Context) error

// Clock supplies the current time. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLocation overrides Config.Timezone.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// TaskOption configures a single task.
type TaskOption func(*taskOptions)

type taskOptions struct {
	timeout time.Duration
}

// WithTimeout gives the action's context a deadline. The scheduler still
// waits for the action to return.
func WithTimeout(d time.Duration) TaskOption {
	return func(o *taskOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// State is the timing loop's state.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := StateIdle; c <= StateStopped; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown scheduler state %q", b)
}

// entry is one registered task. Guarded by Service.mu.
type entry struct {
	name    string
	expr    *cronexpr.Expression
	action  Action
	timeout time.Duration

	next    time.Time
	running bool

	lastStart    time.Time
	lastDuration time.Duration
	lastErr      string
	runs         uint64
	failures     uint64
	skips        uint64

	skipWarn *rate.Limiter
}

// TaskInfo is a read-only view of a registered task.
type TaskInfo struct {
	Name         string        `json:"name"`
	Expr         string        `json:"expr"`
	Next         time.Time     `json:"next"`
	Running      bool          `json:"running"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	LastStart    time.Time     `json:"last_start"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Skips        uint64        `json:"skips"`
}

// HistoryItem records one finished run.
type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Event types published on the bus.
const (
	EventTaskStarted  = "task.started"
	EventTaskFinished = "task.finished"
	EventTaskSkipped  = "task.skipped"
	EventTaskDropped  = "task.dropped"
)

// TaskEvent is the Data of every task.* event.
type TaskEvent struct {
	ID       string        `json:"id,omitempty"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Next     time.Time     `json:"next"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	State    State         `json:"state"`
	Started  bool          `json:"started"`
	Timezone string        `json:"timezone"`
	InFlight int           `json:"in_flight"`
	Tasks    []TaskInfo    `json:"tasks"`
	History  []HistoryItem `json:"history"`
}

type taskNameKey struct{}

// TaskName returns the name of the task whose action received ctx.
func TaskName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(taskNameKey{}).(string)
	return name, ok
}
