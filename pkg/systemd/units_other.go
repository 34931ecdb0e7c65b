//go:build !linux

package systemd

import "context"

func RunUnit(context.Context, string, UnitOp) error { return ErrUnsupported }
