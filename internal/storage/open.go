package storage

import (
	"context"
	"fmt"
	"strings"

	logx "cronhost/pkg/logx"
)

// Store persists task run history. Schedules themselves are never stored.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit runs of task, newest first.
	RecentRuns(ctx context.Context, task string, limit int) ([]RunRecord, error)
	// LastRun returns the newest run of task.
	LastRun(ctx context.Context, task string) (RunRecord, bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetain
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
