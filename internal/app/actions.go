package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"cronhost/internal/config"
	"cronhost/internal/task/scheduler"
	logx "cronhost/pkg/logx"
	"cronhost/pkg/systemd"
)

const (
	maxCapturedOutput = 4 << 10
	execWaitDelay     = 5 * time.Second
)

// buildAction turns a task config into the opaque action the scheduler runs.
func buildAction(tc config.TaskConfig, log logx.Logger) (scheduler.Action, []scheduler.TaskOption, error) {
	var opts []scheduler.TaskOption
	timeout, err := config.ParseDurationField("tasks["+tc.Name+"].timeout", tc.Timeout)
	if err != nil {
		return nil, nil, err
	}
	if timeout > 0 {
		opts = append(opts, scheduler.WithTimeout(timeout))
	}

	switch strings.ToLower(strings.TrimSpace(tc.Action)) {
	case config.ActionLog:
		sleep, err := config.ParseDurationField("tasks["+tc.Name+"].sleep", tc.Sleep)
		if err != nil {
			return nil, nil, err
		}
		return logAction(tc.Message, sleep, log), opts, nil
	case config.ActionExec:
		if strings.TrimSpace(tc.Command) == "" {
			return nil, nil, fmt.Errorf("tasks[%s].command: required for exec action", tc.Name)
		}
		return execAction(tc, log), opts, nil
	case config.ActionUnit:
		if strings.TrimSpace(tc.Unit) == "" {
			return nil, nil, fmt.Errorf("tasks[%s].unit: required for unit action", tc.Name)
		}
		op, err := systemd.ParseUnitOp(tc.Operation)
		if err != nil {
			return nil, nil, fmt.Errorf("tasks[%s].operation: %w", tc.Name, err)
		}
		return unitAction(tc.Unit, op), opts, nil
	default:
		return nil, nil, fmt.Errorf("tasks[%s].action: unknown action %q", tc.Name, tc.Action)
	}
}

// logAction emits a heartbeat line, optionally holding the run open for sleep.
func logAction(message string, sleep time.Duration, log logx.Logger) scheduler.Action {
	if strings.TrimSpace(message) == "" {
		message = "tick"
	}
	return func(ctx context.Context) error {
		name, _ := scheduler.TaskName(ctx)
		log.Info(message, logx.String("task", name))
		if sleep <= 0 {
			return nil
		}
		t := time.NewTimer(sleep)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

// execAction runs a command. A non-zero exit is a failure; the tail of the
// combined output is attached to the error.
func execAction(tc config.TaskConfig, log logx.Logger) scheduler.Action {
	command := strings.TrimSpace(tc.Command)
	args := append([]string(nil), tc.Args...)
	dir := strings.TrimSpace(tc.Dir)
	env := flattenEnv(tc.Env)

	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Dir = dir
		if len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
		cmd.WaitDelay = execWaitDelay
		var out tailBuffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		output := strings.TrimSpace(out.String())
		if err != nil {
			if output != "" {
				return fmt.Errorf("%s: %w: %s", command, err, output)
			}
			return fmt.Errorf("%s: %w", command, err)
		}
		if output != "" {
			name, _ := scheduler.TaskName(ctx)
			log.Debug("command output", logx.String("task", name), logx.String("output", output))
		}
		return nil
	}
}

// unitAction runs a systemd job and fails unless the job completes.
func unitAction(unit string, op systemd.UnitOp) scheduler.Action {
	unit = strings.TrimSpace(unit)
	return func(ctx context.Context) error {
		return systemd.RunUnit(ctx, unit, op)
	}
}

func flattenEnv(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// tailBuffer keeps the last maxCapturedOutput bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > maxCapturedOutput {
		p = p[len(p)-maxCapturedOutput:]
	}
	if over := t.buf.Len() + len(p) - maxCapturedOutput; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
