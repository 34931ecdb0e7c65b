// Package systemd wraps the sd_notify protocol. Every call is a no-op when
// the process is not running under systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "cronhost/pkg/logx"
)

func Ready() error    { return notify(daemon.SdNotifyReady) }
func Stopping() error { return notify(daemon.SdNotifyStopping) }

// Status sets the free-form unit status shown by systemctl status.
func Status(msg string) error { return notify("STATUS=" + msg) }

func notify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

// Watchdog pings the service manager at half the configured WatchdogSec
// until ctx is done. It returns immediately when the watchdog is off.
func Watchdog(ctx context.Context, log logx.Logger, alive func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := interval / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if alive != nil && !alive() {
				// Withhold the ping; systemd restarts the unit after WatchdogSec.
				log.Warn("skipping watchdog ping: scheduler not running")
				continue
			}
			if err := notify(daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
