package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"cronhost/internal/cronexpr"
	"cronhost/pkg/systemd"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultSkipWarnEvery   = time.Minute
)

// Validate checks cfg for errors that would otherwise surface only at
// runtime. Every problem is reported, each prefixed with its config path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	var errs []error

	if _, err := ParseDurationField("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.skip_warn_every", cfg.Scheduler.SkipWarnEvery); err != nil {
		errs = append(errs, err)
	}
	if cfg.Scheduler.HistorySize < 0 {
		errs = append(errs, errors.New("scheduler.history_size: must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if st := cfg.Storage; st != nil {
		switch StorageDriver(st) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Status.Enabled {
		if addr := strings.TrimSpace(cfg.Status.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("status.addr: %w", err))
			}
		}
		if _, err := ParseDurationField("status.read_timeout", cfg.Status.ReadTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("status.write_timeout", cfg.Status.WriteTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else {
			path = fmt.Sprintf("tasks[%s]", name)
			if _, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("%s.name: duplicate task name", path))
			}
			seen[name] = struct{}{}
		}
		if err := cronexpr.Validate(t.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
		if _, err := ParseDurationField(path+".timeout", t.Timeout); err != nil {
			errs = append(errs, err)
		}
		switch strings.ToLower(strings.TrimSpace(t.Action)) {
		case ActionLog:
			if _, err := ParseDurationField(path+".sleep", t.Sleep); err != nil {
				errs = append(errs, err)
			}
		case ActionExec:
			if strings.TrimSpace(t.Command) == "" {
				errs = append(errs, fmt.Errorf("%s.command: required for exec action", path))
			}
		case ActionUnit:
			if strings.TrimSpace(t.Unit) == "" {
				errs = append(errs, fmt.Errorf("%s.unit: required for unit action", path))
			}
			if _, err := systemd.ParseUnitOp(t.Operation); err != nil {
				errs = append(errs, fmt.Errorf("%s.operation: %w", path, err))
			}
		case "":
			errs = append(errs, fmt.Errorf("%s.action: required", path))
		default:
			errs = append(errs, fmt.Errorf("%s.action: unknown action %q", path, t.Action))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// StorageDriver returns the normalized driver name ("" when storage is off).
func StorageDriver(st *StorageConfig) string {
	if st == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(st.Driver))
}

// EnabledTasks returns the tasks that are not disabled, in config order.
func (c *Config) EnabledTasks() []TaskConfig {
	out := make([]TaskConfig, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		if !t.Disabled {
			out = append(out, t)
		}
	}
	return out
}
