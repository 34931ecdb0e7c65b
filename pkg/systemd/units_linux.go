//go:build linux

package systemd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// RunUnit queues op for unit on the system manager and waits for the job
// to finish. Any job result other than "done" is an error.
func RunUnit(ctx context.Context, unit string, op UnitOp) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	name := UnitName(unit)
	ch := make(chan string, 1)
	switch op {
	case UnitStart:
		_, err = conn.StartUnitContext(ctx, name, "replace", ch)
	case UnitStop:
		_, err = conn.StopUnitContext(ctx, name, "replace", ch)
	case UnitRestart:
		_, err = conn.RestartUnitContext(ctx, name, "replace", ch)
	case UnitReload:
		_, err = conn.ReloadUnitContext(ctx, name, "replace", ch)
	default:
		return fmt.Errorf("unknown unit operation %q", op)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", op, name, res)
		}
		return nil
	}
}
