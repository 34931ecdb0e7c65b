package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	logx "cronhost/pkg/logx"
)

// loop is the single timing driver. It returns nil once Stop closes stopCh.
func (s *Service) loop(ctx context.Context) error {
	for {
		target, ok := s.nextWake()
		if !ok {
			// Stopped.
			return nil
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if !target.IsZero() {
			// Timers follow the monotonic clock, which halts during host
			// suspend. Short waits re-read the wall clock so overdue tasks
			// fire soon after resume.
			d := min(max(target.Sub(s.now()), 0), s.maxWait)
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil
		case <-s.stopCh:
			stopTimer(timer)
			return nil
		case <-s.wake:
			stopTimer(timer)
		case <-timerC:
			s.dispatchDue()
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// nextWake moves the loop to Idle or Waiting and returns the instant to sleep
// until. A zero time means "until woken". ok is false once stopped.
func (s *Service) nextWake() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return time.Time{}, false
	}
	var earliest time.Time
	for _, e := range s.tasks {
		if e.next.IsZero() {
			continue
		}
		if earliest.IsZero() || e.next.Before(earliest) {
			earliest = e.next
		}
	}
	s.waitTarget = earliest
	if earliest.IsZero() {
		s.state = StateIdle
	} else {
		s.state = StateWaiting
	}
	return earliest, true
}

type dispatch struct {
	e     *entry
	runID string
	start time.Time
}

// dispatchDue fires every task whose next fire time is at or before now.
// Overdue tasks fire once, however many ticks were missed.
func (s *Service) dispatchDue() {
	var due []dispatch
	var skipped, dropped []TaskEvent

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.state = StateDispatching
	now := s.now()
	for name, e := range s.tasks {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		next, err := e.expr.Next(now)
		if e.running {
			e.skips++
			if err != nil {
				delete(s.tasks, name)
				dropped = append(dropped, TaskEvent{Name: name, Error: err.Error()})
				continue
			}
			e.next = next
			skipped = append(skipped, TaskEvent{Name: name, Started: e.lastStart, Next: next})
			if e.skipWarn.Allow() {
				s.log.Warn("task still running; tick skipped", logx.String("task", name), logx.Time("next", next), logx.Uint64("skips", e.skips))
			} else {
				s.log.Debug("task still running; tick skipped", logx.String("task", name), logx.Time("next", next))
			}
			continue
		}
		// Provisional until the run completes. An unreachable next leaves the
		// task unscheduled; the completion path drops it.
		e.next = next
		e.running = true
		s.busy[name] = e
		e.lastStart = now
		s.running++
		s.inflight.Add(1)
		due = append(due, dispatch{e: e, runID: uuid.NewString(), start: now})
	}
	ctx := s.runCtx
	s.mu.Unlock()

	for _, ev := range skipped {
		s.publish(EventTaskSkipped, ev)
	}
	for _, ev := range dropped {
		s.log.Error("task dropped: no reachable fire time", logx.String("task", ev.Name), logx.String("error", ev.Error))
		s.publish(EventTaskDropped, ev)
	}
	for _, d := range due {
		go s.run(ctx, d)
	}
}

// run executes one dispatched action and reschedules the task.
func (s *Service) run(parent context.Context, d dispatch) {
	defer s.inflight.Done()

	e := d.e
	log := s.log.With(logx.String("task", e.name), logx.String("run_id", d.runID))
	s.publish(EventTaskStarted, TaskEvent{ID: d.runID, Name: e.name, Started: d.start})
	log.Debug("task started")

	ctx := context.WithValue(parent, taskNameKey{}, e.name)
	var cancel context.CancelFunc = func() {}
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	began := time.Now()
	err := invoke(ctx, e.name, e.action)
	dur := time.Since(began)
	cancel()

	if err != nil {
		fields := []logx.Field{logx.Duration("duration", dur), logx.Err(err)}
		var ae *ActionError
		if errors.As(err, &ae) && ae.Panicked() {
			fields = append(fields, logx.Stack(ae.Stack))
		}
		log.Error("task failed", fields...)
	} else {
		log.Info("task finished", logx.Duration("duration", dur))
	}

	errText := ""
	if err != nil {
		errText = err.Error()
	}
	s.addHistory(HistoryItem{ID: d.runID, Name: e.name, Started: d.start, Duration: dur, Error: errText})

	next, dropErr := s.finish(e, d.start, dur, errText)
	s.publish(EventTaskFinished, TaskEvent{ID: d.runID, Name: e.name, Started: d.start, Duration: dur, Next: next, Error: errText})
	if dropErr != nil {
		log.Error("task dropped: no reachable fire time", logx.Err(dropErr))
		s.publish(EventTaskDropped, TaskEvent{Name: e.name, Error: dropErr.Error()})
	}
}

// finish clears the running flag and, if e is still registered, computes
// its next fire time from the completion time.
func (s *Service) finish(e *entry, start time.Time, dur time.Duration, errText string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running--
	e.running = false
	if s.busy[e.name] == e {
		delete(s.busy, e.name)
	}
	e.runs++
	e.lastDuration = dur
	e.lastErr = errText
	if errText != "" {
		e.failures++
	}

	if s.stopped || s.tasks[e.name] != e {
		// Removed or replaced mid-flight.
		return time.Time{}, nil
	}
	completed := s.now()
	if c := start.Add(dur); c.After(completed) {
		completed = c
	}
	next, err := e.expr.Next(completed)
	if err != nil {
		delete(s.tasks, e.name)
		s.signal()
		return time.Time{}, err
	}
	e.next = next
	s.signal()
	return next, nil
}

// invoke runs action, converting a returned error or a panic into an
// *ActionError.
func invoke(ctx context.Context, name string, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActionError{Task: name, Err: fmt.Errorf("panic: %v", r), Stack: string(debug.Stack())}
		}
	}()
	if aerr := action(ctx); aerr != nil {
		return &ActionError{Task: name, Err: aerr}
	}
	return nil
}
