package app

import (
	"strings"
	"time"

	"cronhost/internal/config"
	"cronhost/internal/observability/status"
	"cronhost/internal/storage"
	"cronhost/internal/task/scheduler"
	logx "cronhost/pkg/logx"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	skip, err := config.ParseDurationOrDefault("scheduler.skip_warn_every", cfg.Scheduler.SkipWarnEvery, config.DefaultSkipWarnEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		HistorySize:   cfg.Scheduler.HistorySize,
		SkipWarnEvery: skip,
	}, nil
}

func shutdownTimeout(cfg *Config) time.Duration {
	d, err := config.ParseDurationOrDefault("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, config.DefaultShutdownTimeout)
	if err != nil {
		return config.DefaultShutdownTimeout
	}
	return d
}

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	driver := config.StorageDriver(cfg.Storage)
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, true, nil
}

func mapStatusConfig(cfg *Config) (status.Config, error) {
	sc := cfg.Status
	readTO, err := config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 5*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	// pprof profile/trace stream for up to 30s by default
	writeTO, err := config.ParseDurationOrDefault("status.write_timeout", sc.WriteTimeout, 40*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	return status.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		ReadTimeout:   readTO,
		WriteTimeout:  writeTO,
	}, nil
}
