package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cronhost/internal/eventbus"
	logx "cronhost/pkg/logx"
)

const everySecond = "* * * * * *"

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// manualClock moves only when a test sets it, like a wall clock that jumps
// after a host suspend.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	return New(Config{}, logx.Nop(), eventbus.New(), opts...)
}

func startService(t *testing.T, s *Service) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx, true); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noop(context.Context) error { return nil }

func TestAddTaskFirstFireIsNextMatch(t *testing.T) {
	at := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)
	s := newTestService(t, WithClock(fixedClock{at}), WithLocation(time.UTC))

	if err := s.AddTask("A", "0 0 * * * ?", noop); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	next, ok := s.NextRun("A")
	if !ok {
		t.Fatal("NextRun: task not found")
	}
	want := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("first fire = %s, want %s", next, want)
	}

	if err := s.AddTask("B", "0 */5 * * * ?", noop); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	next, _ = s.NextRun("B")
	if want := at.Add(5 * time.Minute); !next.Equal(want) {
		t.Fatalf("first fire = %s, want %s", next, want)
	}
}

func TestAddTaskErrors(t *testing.T) {
	s := newTestService(t)
	cases := []struct {
		name   string
		task   string
		expr   string
		action Action
		want   error
	}{
		{"bad expression", "a", "not a cron", noop, ErrInvalidExpression},
		{"month out of range", "a", "0 0 0 1 13 *", noop, ErrInvalidExpression},
		{"unreachable", "a", "0 0 0 30 2 *", noop, ErrUnreachable},
		{"empty name", "  ", everySecond, noop, ErrNameRequired},
		{"nil action", "a", everySecond, nil, ErrNilAction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.AddTask(tc.task, tc.expr, tc.action)
			if !errors.Is(err, tc.want) {
				t.Fatalf("AddTask err = %v, want %v", err, tc.want)
			}
		})
	}
	if got := len(s.Tasks()); got != 0 {
		t.Fatalf("rejected tasks were registered: %d", got)
	}
}

func TestRemoveTask(t *testing.T) {
	s := newTestService(t)
	if s.RemoveTask("missing") {
		t.Fatal("RemoveTask on unknown name returned true")
	}
	if err := s.AddTask("a", everySecond, noop); err != nil {
		t.Fatal(err)
	}
	if !s.RemoveTask("a") {
		t.Fatal("RemoveTask returned false for a registered task")
	}
	if _, ok := s.NextRun("a"); ok {
		t.Fatal("task still registered after removal")
	}
	if s.RemoveTask("a") {
		t.Fatal("second RemoveTask returned true")
	}
}

func TestLifecycle(t *testing.T) {
	s := newTestService(t)
	if s.IsStarted() {
		t.Fatal("IsStarted before Start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsStarted() {
		t.Fatal("IsStarted false after Start")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v, want ErrAlreadyStarted", err)
	}
	if err := s.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsStarted() {
		t.Fatal("IsStarted true after Stop")
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop err = %v, want ErrStopped", err)
	}
	if err := s.AddTask("a", everySecond, noop); !errors.Is(err, ErrStopped) {
		t.Fatalf("AddTask after Stop err = %v, want ErrStopped", err)
	}
	if err := s.Stop(context.Background(), false); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := newTestService(t)
	if err := s.AddTask("a", everySecond, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(s.Tasks()) != 0 {
		t.Fatal("registry not cleared by Stop")
	}
}

func TestIdleUntilTaskAdded(t *testing.T) {
	s := newTestService(t)
	startService(t, s)
	waitFor(t, time.Second, "idle state", func() bool { return s.State() == StateIdle })

	var runs atomic.Int32
	if err := s.AddTask("tick", everySecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "two dispatches", func() bool { return runs.Load() >= 2 })
}

func TestNoOverlappingRuns(t *testing.T) {
	bus := eventbus.New()
	skips, unsub := bus.Subscribe(16, EventTaskSkipped)
	defer unsub()
	s := New(Config{}, logx.Nop(), bus)
	startService(t, s)

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		runs    atomic.Int32
		mu      sync.Mutex
		spans   [][2]time.Time
	)
	err := s.AddTask("slow", everySecond, func(context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		start := time.Now()
		time.Sleep(1500 * time.Millisecond)
		mu.Lock()
		spans = append(spans, [2]time.Time{start, time.Now()})
		mu.Unlock()
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 8*time.Second, "two completed runs", func() bool { return runs.Load() >= 2 })

	if m := maxSeen.Load(); m != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", m)
	}
	mu.Lock()
	for i := 1; i < len(spans); i++ {
		if spans[i][0].Before(spans[i-1][1]) {
			t.Fatalf("run %d started before run %d ended", i, i-1)
		}
	}
	mu.Unlock()

	select {
	case e := <-skips:
		if ev := e.Data.(TaskEvent); ev.Name != "slow" {
			t.Fatalf("skip event for %q", ev.Name)
		}
	default:
		t.Fatal("expected a task.skipped event while the slow action ran")
	}
}

func TestFailingTaskIsIsolated(t *testing.T) {
	s := newTestService(t)
	startService(t, s)

	var failing, healthy atomic.Int32
	boom := errors.New("boom")
	if err := s.AddTask("failing", everySecond, func(context.Context) error {
		failing.Add(1)
		return boom
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTask("healthy", everySecond, func(context.Context) error {
		healthy.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 6*time.Second, "three failing dispatches", func() bool { return failing.Load() >= 3 })
	if !s.IsStarted() {
		t.Fatal("engine stopped after task failures")
	}
	before := healthy.Load()
	waitFor(t, 3*time.Second, "healthy task to keep running", func() bool { return healthy.Load() > before })

	var info TaskInfo
	for _, ti := range s.Tasks() {
		if ti.Name == "failing" {
			info = ti
		}
	}
	if info.Failures < 3 || info.LastError == "" {
		t.Fatalf("failure not recorded: %+v", info)
	}
	if _, ok := s.NextRun("failing"); !ok {
		t.Fatal("failing task was not rescheduled")
	}
}

func TestPanickingTaskIsRecovered(t *testing.T) {
	s := newTestService(t)
	startService(t, s)

	var runs atomic.Int32
	if err := s.AddTask("panics", everySecond, func(context.Context) error {
		runs.Add(1)
		panic("kaboom")
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 4*time.Second, "two panicking runs", func() bool { return runs.Load() >= 2 })

	h := s.History()
	if len(h) == 0 || !strings.Contains(h[0].Error, "kaboom") {
		t.Fatalf("panic not recorded in history: %+v", h)
	}
}

func TestInvokeWrapsErrors(t *testing.T) {
	cause := errors.New("disk full")
	err := invoke(context.Background(), "t", func(context.Context) error { return cause })
	if !errors.Is(err, ErrActionFailed) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want ErrActionFailed wrapping cause", err)
	}

	err = invoke(context.Background(), "t", func(context.Context) error { panic("x") })
	var ae *ActionError
	if !errors.As(err, &ae) || !ae.Panicked() || ae.Task != "t" {
		t.Fatalf("panic not converted: %#v", err)
	}
}

func TestRemoveDuringExecution(t *testing.T) {
	s := newTestService(t)
	startService(t, s)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var runs, finished atomic.Int32
	if err := s.AddTask("busy", everySecond, func(context.Context) error {
		runs.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		finished.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}
	if !s.RemoveTask("busy") {
		t.Fatal("RemoveTask returned false")
	}
	close(release)
	waitFor(t, time.Second, "in-flight run to finish", func() bool { return finished.Load() == 1 })

	time.Sleep(2200 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("removed task dispatched %d times, want 1", n)
	}
	if _, ok := s.NextRun("busy"); ok {
		t.Fatal("removed task was rescheduled")
	}
}

func TestReAddBlockedWhileRemovedRunIsActive(t *testing.T) {
	s := newTestService(t)
	startService(t, s)

	var active, maxActive, runs atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := func(context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	if err := s.AddTask("A", everySecond, slow); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	if !s.RemoveTask("A") {
		t.Fatal("RemoveTask returned false")
	}
	if err := s.AddTask("A", everySecond, slow); !errors.Is(err, ErrDuplicateActiveTask) {
		t.Fatalf("re-add while removed run is active err = %v, want ErrDuplicateActiveTask", err)
	}
	// Still rejected a tick later: the removed run holds the name.
	time.Sleep(1100 * time.Millisecond)
	if err := s.AddTask("A", everySecond, slow); !errors.Is(err, ErrDuplicateActiveTask) {
		t.Fatalf("second re-add err = %v, want ErrDuplicateActiveTask", err)
	}

	close(release)
	waitFor(t, 3*time.Second, "re-add after the removed run returned", func() bool {
		return s.AddTask("A", everySecond, slow) == nil
	})
	before := runs.Load()
	waitFor(t, 3*time.Second, "re-added task to run", func() bool { return runs.Load() > before })

	if n := maxActive.Load(); n != 1 {
		t.Fatalf("max concurrent runs of one name = %d, want 1", n)
	}
}

func TestDuplicatePolicy(t *testing.T) {
	s := newTestService(t)
	startService(t, s)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	if err := s.AddTask("dup", everySecond, func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	err := s.AddTask("dup", everySecond, noop)
	if !errors.Is(err, ErrDuplicateActiveTask) {
		t.Fatalf("re-add while running err = %v, want ErrDuplicateActiveTask", err)
	}
	close(release)

	// The short re-runs after release may still be in flight; retry until
	// the add lands on an idle entry.
	waitFor(t, 3*time.Second, "replace of idle task", func() bool {
		return s.AddTask("dup", "0 0 0 1 1 *", noop) == nil
	})
	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].Expr != "0 0 0 1 1 *" {
		t.Fatalf("idle task not replaced: %+v", tasks)
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	s := newTestService(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{}, 1)
	var done atomic.Bool
	if err := s.AddTask("slow", everySecond, func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(300 * time.Millisecond)
		done.Store(true)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx, true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !done.Load() {
		t.Fatal("Stop(wait) returned before the in-flight action completed")
	}
}

func TestStopWithoutWaitReturnsAndHaltsDispatch(t *testing.T) {
	s := newTestService(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var runs atomic.Int32
	if err := s.AddTask("blocked", everySecond, func(context.Context) error {
		runs.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	var other atomic.Int32
	if err := s.AddTask("other", everySecond, func(context.Context) error {
		other.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	begin := time.Now()
	if err := s.Stop(context.Background(), false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d := time.Since(begin); d > 500*time.Millisecond {
		t.Fatalf("Stop(false) took %s", d)
	}
	after := other.Load()
	time.Sleep(1500 * time.Millisecond)
	if got := other.Load(); got != after {
		t.Fatalf("dispatch after Stop: %d -> %d", after, got)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("blocked task dispatched %d times", got)
	}

	close(release)
	if err := s.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop(wait) after Stop: %v", err)
	}
}

func TestEventsAndHistory(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, "task.")
	defer unsub()
	s := New(Config{HistorySize: 2}, logx.Nop(), bus)
	startService(t, s)

	var runs atomic.Int32
	if err := s.AddTask("ev", everySecond, func(ctx context.Context) error {
		if name, ok := TaskName(ctx); !ok || name != "ev" {
			return errors.New("task name missing from context")
		}
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "three runs", func() bool { return runs.Load() >= 3 })
	waitFor(t, time.Second, "history", func() bool { return len(s.History()) == 2 })

	for _, h := range s.History() {
		if h.ID == "" || h.Name != "ev" || h.Error != "" {
			t.Fatalf("unexpected history item: %+v", h)
		}
	}

	var startedID string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			ev := e.Data.(TaskEvent)
			switch e.Type {
			case EventTaskStarted:
				if startedID == "" {
					startedID = ev.ID
				}
			case EventTaskFinished:
				if startedID != "" && ev.ID == startedID {
					if ev.Next.IsZero() {
						t.Fatal("finished event without next fire time")
					}
					return
				}
			}
		case <-timeout:
			t.Fatal("no matching task.started/task.finished pair")
		}
	}
}

func TestTaskTimeout(t *testing.T) {
	s := newTestService(t)
	startService(t, s)

	var runs atomic.Int32
	if err := s.AddTask("slow", everySecond, func(ctx context.Context) error {
		defer runs.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}, WithTimeout(50*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "timed out run", func() bool { return runs.Load() >= 1 })
	waitFor(t, time.Second, "history", func() bool { return len(s.History()) >= 1 })
	if h := s.History()[0]; !strings.Contains(h.Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("history error = %q, want deadline exceeded", h.Error)
	}
}

func TestSnapshot(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestService(t, WithClock(fixedClock{at}), WithLocation(time.UTC))
	if err := s.AddTask("b", "@hourly", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTask("a", "@daily", noop); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.Started || snap.Timezone != "UTC" || snap.State != StateIdle {
		t.Fatalf("unexpected snapshot header: %+v", snap)
	}
	if len(snap.Tasks) != 2 || snap.Tasks[0].Name != "a" || snap.Tasks[1].Name != "b" {
		t.Fatalf("tasks not sorted: %+v", snap.Tasks)
	}
	if want := at.Add(time.Hour); !snap.Tasks[1].Next.Equal(want) {
		t.Fatalf("b next = %s, want %s", snap.Tasks[1].Next, want)
	}
}

func TestInvalidTimezoneFallsBackToLocal(t *testing.T) {
	s := New(Config{Timezone: "Mars/Olympus"}, logx.Nop(), nil)
	if s.Location() != time.Local {
		t.Fatalf("location = %s, want Local", s.Location())
	}
	s = New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	if s.Location().String() != "UTC" {
		t.Fatalf("location = %s, want UTC", s.Location())
	}
}

func TestOverdueTaskFiresOnce(t *testing.T) {
	clk := &manualClock{t: time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)}
	s := newTestService(t, WithClock(clk), WithLocation(time.UTC))

	var runs atomic.Int32
	if err := s.AddTask("hourly", "0 0 * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if next, _ := s.NextRun("hourly"); !next.Equal(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("first fire = %s, want 10:00", next)
	}

	// 10:00 through 13:00 were all missed.
	clk.Set(time.Date(2024, 3, 4, 13, 30, 0, 0, time.UTC))
	startService(t, s)

	want := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	waitFor(t, 2*time.Second, "overdue run to be rescheduled", func() bool {
		next, ok := s.NextRun("hourly")
		return runs.Load() >= 1 && ok && next.Equal(want)
	})
	time.Sleep(300 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("overdue task ran %d times, want 1", n)
	}
	if h := s.History(); len(h) != 1 {
		t.Fatalf("history = %d items, want 1", len(h))
	}
}

func TestWallClockJumpFiresWithoutSignal(t *testing.T) {
	clk := &manualClock{t: time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)}
	s := newTestService(t, WithClock(clk), WithLocation(time.UTC))
	s.maxWait = 20 * time.Millisecond

	var runs atomic.Int32
	if err := s.AddTask("hourly", "0 0 * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	startService(t, s)
	time.Sleep(100 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("task fired before its time")
	}

	// The loop is asleep toward 10:00 on the monotonic clock. Moving the
	// wall clock past it must be noticed on the next capped wake.
	clk.Set(time.Date(2024, 3, 4, 10, 20, 0, 0, time.UTC))
	waitFor(t, time.Second, "run after wall clock jump", func() bool { return runs.Load() == 1 })
	waitFor(t, time.Second, "reschedule to 11:00", func() bool {
		next, _ := s.NextRun("hourly")
		return next.Equal(time.Date(2024, 3, 4, 11, 0, 0, 0, time.UTC))
	})
}

func TestRepeatedStopWaitsShareOneDrain(t *testing.T) {
	s := newTestService(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	if err := s.AddTask("held", everySecond, func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := s.Stop(ctx, true)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Stop #%d err = %v, want deadline exceeded", i, err)
		}
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx, true); err != nil {
		t.Fatalf("Stop after release: %v", err)
	}
}
