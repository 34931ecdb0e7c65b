package config

import (
	"sort"
	"strings"

	logx "cronhost/pkg/logx"
)

// TaskDiff lists task changes between two configs. Disabled tasks count as
// absent. Names are sorted.
type TaskDiff struct {
	Added   []TaskConfig
	Changed []TaskConfig
	Removed []string
}

func (d TaskDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffTasks compares the enabled tasks of oldCfg and newCfg.
func DiffTasks(oldCfg, newCfg *Config) TaskDiff {
	oldM := enabledByName(oldCfg)
	newM := enabledByName(newCfg)

	var d TaskDiff
	for name, nt := range newM {
		ot, ok := oldM[name]
		switch {
		case !ok:
			d.Added = append(d.Added, nt)
		case hashTask(ot) != hashTask(nt):
			d.Changed = append(d.Changed, nt)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].Name < d.Added[j].Name })
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].Name < d.Changed[j].Name })
	sort.Strings(d.Removed)
	return d
}

func enabledByName(cfg *Config) map[string]TaskConfig {
	out := map[string]TaskConfig{}
	if cfg == nil {
		return out
	}
	for _, t := range cfg.EnabledTasks() {
		t.Name = strings.TrimSpace(t.Name)
		out[t.Name] = t
	}
	return out
}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Task env values and exec args are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !sameScheduler(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
			logx.String("scheduler.shutdown_timeout", strings.TrimSpace(newCfg.Scheduler.ShutdownTimeout)),
			logx.Bool("scheduler.wait_for_in_flight", newCfg.Scheduler.WaitForInFlightOrDefault()),
		)
	}

	var oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if StorageDriver(oldCfg.Storage) != StorageDriver(newCfg.Storage) || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", StorageDriver(newCfg.Storage)),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	if d := DiffTasks(oldCfg, newCfg); !d.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.added", len(d.Added)),
			logx.Int("tasks.changed", len(d.Changed)),
			logx.Int("tasks.removed", len(d.Removed)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func sameScheduler(a, b SchedulerConfig) bool {
	return strings.TrimSpace(a.Timezone) == strings.TrimSpace(b.Timezone) &&
		a.HistorySize == b.HistorySize &&
		strings.TrimSpace(a.ShutdownTimeout) == strings.TrimSpace(b.ShutdownTimeout) &&
		strings.TrimSpace(a.SkipWarnEvery) == strings.TrimSpace(b.SkipWarnEvery) &&
		a.WaitForInFlightOrDefault() == b.WaitForInFlightOrDefault()
}
