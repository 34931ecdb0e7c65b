package app

import (
	"context"
	"time"

	"cronhost/internal/eventbus"
	"cronhost/internal/storage"
	"cronhost/internal/task/scheduler"
	logx "cronhost/pkg/logx"
)

// consumeEvents follows task events until ctx is done: it persists finished
// runs, retries parked config changes and logs every event at debug. Events
// already queued when ctx ends are still handled.
func (a *App) consumeEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					a.handleEvent(e, false)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			a.handleEvent(e, true)
		}
	}
}

func (a *App) handleEvent(e eventbus.Event, live bool) {
	ev, _ := e.Data.(scheduler.TaskEvent)
	a.log.Debug("event", logx.String("type", e.Type), logx.String("task", ev.Name), logx.Time("time", e.Time))

	if e.Type != scheduler.EventTaskFinished {
		return
	}
	if a.store != nil {
		a.recordRun(ev)
	}
	if live {
		a.retryPending(ev.Name)
	}
}

func (a *App) recordRun(ev scheduler.TaskEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.store.AppendRun(ctx, storage.RunRecord{
		ID:       ev.ID,
		Task:     ev.Name,
		Started:  ev.Started,
		Duration: ev.Duration,
		Error:    ev.Error,
	})
	if err != nil {
		a.log.Warn("run history write failed", logx.String("task", ev.Name), logx.Err(err))
	}
}

// logLastRuns reports the persisted last run of each configured task.
func (a *App) logLastRuns(ctx context.Context, cfg *Config) {
	if a.store == nil {
		return
	}
	for _, tc := range cfg.EnabledTasks() {
		r, ok, err := a.store.LastRun(ctx, tc.Name)
		if err != nil {
			a.log.Debug("run history read failed", logx.String("task", tc.Name), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		a.log.Info("last recorded run",
			logx.String("task", tc.Name),
			logx.Time("started", r.Started),
			logx.Duration("duration", r.Duration),
			logx.Bool("ok", r.OK()),
		)
	}
}
