package scheduler

import (
	"context"
	"sync"
	"time"

	"cronhost/internal/eventbus"
	"cronhost/internal/runtime/supervisor"
	logx "cronhost/pkg/logx"
)

const (
	defaultHistorySize   = 200
	defaultSkipWarnEvery = time.Minute
	defaultMaxWait       = time.Minute // longest single sleep of the timing loop
)

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock Clock
	loc   *time.Location

	state   State
	started bool
	stopped bool
	tasks   map[string]*entry
	// busy holds every entry whose action is running, keyed by name. It
	// outlives removal so a name cannot be re-added until its run returns.
	busy map[string]*entry

	// wake is signalled on add/remove/completion so the loop recomputes its
	// wait target. waitTarget is the instant the loop is currently sleeping
	// until (zero when idle).
	wake       chan struct{}
	stopCh     chan struct{}
	waitTarget time.Time
	maxWait    time.Duration

	sup      *supervisor.Supervisor
	runCtx   context.Context
	inflight sync.WaitGroup
	running  int
	// drained is closed once in-flight actions have returned after Stop.
	drained   chan struct{}
	drainOnce sync.Once

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.SkipWarnEvery <= 0 {
		cfg.SkipWarnEvery = defaultSkipWarnEvery
	}
	s := &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		clock:   systemClock{},
		state:   StateIdle,
		tasks:   map[string]*entry{},
		busy:    map[string]*entry{},
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		runCtx:  context.Background(),
		drained: make(chan struct{}),
		maxWait: defaultMaxWait,
	}
	for _, o := range opts {
		o(s)
	}
	if s.loc == nil {
		s.loc = loadLocation(cfg.Timezone, s.log)
	}
	return s
}

func loadLocation(name string, log logx.Logger) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", name), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start launches the timing loop. The loop lives until Stop; ctx only
// supplies values (not cancellation) to dispatched actions.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.runCtx = context.WithoutCancel(ctx)
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	sup := s.sup
	n := len(s.tasks)
	s.mu.Unlock()

	sup.GoRestart("scheduler.loop", s.loop, supervisor.WithPublishFirstError(true))
	s.log.Info("scheduler started", logx.Int("tasks", n), logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts the timing loop and clears the registry. No dispatch happens
// after it returns. With waitForInFlight it also blocks until running
// actions have returned, or until ctx is done (ctx.Err() is returned).
// Stop is terminal and safe to call more than once.
func (s *Service) Stop(ctx context.Context, waitForInFlight bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if waitForInFlight {
			return s.waitInFlight(ctx)
		}
		return nil
	}
	s.stopped = true
	s.state = StateStopped
	s.waitTarget = time.Time{}
	clear(s.tasks)
	inFlight := s.running
	sup := s.sup
	close(s.stopCh)
	s.mu.Unlock()

	if sup != nil {
		// The loop exits promptly once stopCh is closed; it never blocks on
		// an action.
		if err := sup.Stop(ctx); err != nil {
			return err
		}
	}
	s.log.Info("scheduler stopped", logx.Int("in_flight", inFlight), logx.Bool("wait", waitForInFlight))

	if !waitForInFlight {
		return nil
	}
	return s.waitInFlight(ctx)
}

// waitInFlight blocks until every dispatched action has returned or ctx is
// done. Only valid once stopped, when no new dispatch can start. A single
// watcher goroutine is shared by all callers; it lives until the last
// action returns, even if every caller gave up.
func (s *Service) waitInFlight(ctx context.Context) error {
	s.drainOnce.Do(func() {
		go func() {
			s.inflight.Wait()
			close(s.drained)
		}()
	})
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsStarted reports whether Start succeeded and Stop has not been called.
func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Location is the time zone cron expressions are evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) now() time.Time { return s.clock.Now().In(s.loc) }

// signal wakes the loop without blocking.
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
