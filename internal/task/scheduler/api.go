package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cronhost/internal/cronexpr"
	logx "cronhost/pkg/logx"
)

// AddTask registers (or replaces) a named task. The first fire time is the
// first match strictly after now. Re-adding a name whose previous action is
// still running fails with ErrDuplicateActiveTask, including after that task
// was removed; an idle task is replaced.
// Tasks may be added before Start; they fire once the loop runs.
func (s *Service) AddTask(name, expr string, action Action, opts ...TaskOption) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if action == nil {
		return fmt.Errorf("task %q: %w", name, ErrNilAction)
	}
	parsed, err := cronexpr.Parse(expr)
	if err != nil {
		return fmt.Errorf("task %q: %w", name, err)
	}
	var to taskOptions
	for _, o := range opts {
		o(&to)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, ok := s.busy[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("task %q: %w", name, ErrDuplicateActiveTask)
	}
	now := s.now()
	next, err := parsed.Next(now)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("task %q: %w", name, err)
	}
	_, replaced := s.tasks[name]
	s.tasks[name] = &entry{
		name:     name,
		expr:     parsed,
		action:   action,
		timeout:  to.timeout,
		next:     next,
		skipWarn: rate.NewLimiter(rate.Every(s.cfg.SkipWarnEvery), 1),
	}
	wakeLoop := s.waitTarget.IsZero() || next.Before(s.waitTarget)
	s.mu.Unlock()

	if wakeLoop {
		s.signal()
	}

	fields := []logx.Field{
		logx.String("task", name),
		logx.String("expr", parsed.String()),
		logx.Time("next", next),
		logx.Bool("replaced", replaced),
	}
	if s.log.Enabled(logx.LevelDebug) {
		fields = append(fields, logx.Strs("upcoming", formatTimes(parsed.NextN(now, 3))))
	}
	s.log.Info("task registered", fields...)
	return nil
}

// RemoveTask unregisters name. It returns false when no such task exists.
// A running action is not interrupted, but it will not be rescheduled.
func (s *Service) RemoveTask(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	e, ok := s.tasks[name]
	running := false
	if ok {
		running = e.running
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.signal()
	s.log.Info("task removed", logx.String("task", name), logx.Bool("running", running))
	return true
}

// NextRun returns the next fire time of name. The result is false when the
// task is unknown or has no reachable fire time.
func (s *Service) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[name]
	if !ok || e.next.IsZero() {
		return time.Time{}, false
	}
	return e.next, true
}

// Tasks returns the registered tasks sorted by name.
func (s *Service) Tasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *entry) info() TaskInfo {
	return TaskInfo{
		Name:         e.name,
		Expr:         e.expr.String(),
		Next:         e.next,
		Running:      e.running,
		Timeout:      e.timeout,
		LastStart:    e.lastStart,
		LastDuration: e.lastDuration,
		LastError:    e.lastErr,
		Runs:         e.runs,
		Failures:     e.failures,
		Skips:        e.skips,
	}
}

func formatTimes(ts []time.Time) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Format(time.RFC3339))
	}
	return out
}
