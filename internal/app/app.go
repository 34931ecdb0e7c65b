package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cronhost/internal/config"
	"cronhost/internal/eventbus"
	"cronhost/internal/observability/status"
	"cronhost/internal/runtime/supervisor"
	"cronhost/internal/storage"
	"cronhost/internal/task/scheduler"
	logx "cronhost/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	taskLog logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	sched   *scheduler.Service
	status  *status.Server

	pendingMu sync.Mutex
	pending   map[string]config.TaskConfig
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	taskLog := root.With(logx.String("comp", "task"))
	if err := validateTasks(cfg, taskLog); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, root, bus)

	statusCfg, err := mapStatusConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		taskLog: taskLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
		status:  status.New(statusCfg, sched, store, root),
		pending: map[string]config.TaskConfig{},
	}, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStatusConfig(cfg); err != nil {
			return err
		}
		return validateTasks(cfg, a.taskLog)
	})

	cfg := a.cfgm.Get()

	events, unsub := a.bus.Subscribe(256, "task.")
	a.sup.Go0("events.consume", func(c context.Context) {
		defer unsub()
		a.consumeEvents(c, events)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.registerAll(cfg); err != nil {
		return err
	}
	a.logLastRuns(a.sup.Context(), cfg)
	if err := a.status.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("tasks", len(a.sched.Tasks())), logx.String("config", a.cfgPath))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *Config, lastApplied *Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "scheduler":
			a.log.Warn("scheduler config changed; restart required for changes to take effect")
		case "status":
			a.log.Warn("status config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.applyTasks(config.DiffTasks(oldCfg, newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the app down: the scheduler first (draining in-flight runs
// when configured), then the status server, background loops and storage.
// Each step is bounded so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started.
		if a.store != nil {
			_ = a.store.Close()
		}
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	cfg := a.cfgm.Get()
	wait := cfg.Scheduler.WaitForInFlightOrDefault()
	var firstErr error

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
				return
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, stepCtx.Err())
			}
		}
	}

	step("scheduler", shutdownTimeout(cfg), func(c context.Context) error { return a.sched.Stop(c, wait) })

	step("status", 3*time.Second, a.status.Stop)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return firstErr
}
