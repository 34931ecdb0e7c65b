package app

import (
	"errors"
	"fmt"
	"strings"

	"cronhost/internal/config"
	"cronhost/internal/task/scheduler"
	logx "cronhost/pkg/logx"
)

// registerTask builds the action for tc and adds it to the scheduler.
func (a *App) registerTask(tc config.TaskConfig) error {
	action, opts, err := buildAction(tc, a.taskLog)
	if err != nil {
		return err
	}
	return a.sched.AddTask(strings.TrimSpace(tc.Name), tc.Schedule, action, opts...)
}

// registerAll adds every enabled task. It fails on the first rejected task.
func (a *App) registerAll(cfg *Config) error {
	for _, tc := range cfg.EnabledTasks() {
		if err := a.registerTask(tc); err != nil {
			return err
		}
	}
	return nil
}

// applyTasks reconciles the scheduler with a task diff. An added or changed
// task whose name still has a run executing (including a run of a task
// removed by an earlier reload) is parked and re-applied once that run
// finishes, so the same name never runs twice at once.
func (a *App) applyTasks(d config.TaskDiff) {
	for _, name := range d.Removed {
		a.clearPending(name)
		if a.sched.RemoveTask(name) {
			a.log.Info("task removed via config", logx.String("task", name))
		}
	}
	for _, tc := range d.Added {
		a.applyTask(tc)
	}
	for _, tc := range d.Changed {
		a.applyTask(tc)
	}
}

func (a *App) applyTask(tc config.TaskConfig) {
	err := a.registerTask(tc)
	switch {
	case err == nil:
		a.clearPending(tc.Name)
	case errors.Is(err, scheduler.ErrDuplicateActiveTask):
		a.pendingMu.Lock()
		a.pending[tc.Name] = tc
		a.pendingMu.Unlock()
		a.log.Info("task running; change deferred until it finishes", logx.String("task", tc.Name))
	default:
		a.log.Error("task rejected", logx.String("task", tc.Name), logx.Err(err))
	}
}

// retryPending re-applies a parked change for name, if any.
func (a *App) retryPending(name string) {
	a.pendingMu.Lock()
	tc, ok := a.pending[name]
	a.pendingMu.Unlock()
	if ok {
		a.applyTask(tc)
	}
}

func (a *App) clearPending(name string) {
	a.pendingMu.Lock()
	delete(a.pending, name)
	a.pendingMu.Unlock()
}

// validateTasks checks that every enabled task of cfg can be built.
func validateTasks(cfg *Config, log logx.Logger) error {
	var errs []error
	for _, tc := range cfg.EnabledTasks() {
		if _, _, err := buildAction(tc, log); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", config.ErrInvalidConfig, errors.Join(errs...))
}
