package systemd

import (
	"errors"
	"fmt"
	"strings"
)

// UnitOp is a job the unit action asks systemd to run.
type UnitOp string

const (
	UnitStart   UnitOp = "start"
	UnitStop    UnitOp = "stop"
	UnitRestart UnitOp = "restart"
	UnitReload  UnitOp = "reload"
)

var ErrUnsupported = errors.New("systemd: unit control is linux only")

// ParseUnitOp normalizes op; empty means restart.
func ParseUnitOp(op string) (UnitOp, error) {
	switch o := UnitOp(strings.ToLower(strings.TrimSpace(op))); o {
	case "":
		return UnitRestart, nil
	case UnitStart, UnitStop, UnitRestart, UnitReload:
		return o, nil
	default:
		return "", fmt.Errorf("unknown unit operation %q", op)
	}
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}
