package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

const defaultRetain = 100

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (build tag sqlite)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain is the number of runs kept per task (default 100).
	Retain int
}

// RunRecord is one finished task run. Keep it compact and schema-stable.
type RunRecord struct {
	ID       string        `json:"id"`
	Task     string        `json:"task"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func (r RunRecord) OK() bool { return r.Error == "" }
