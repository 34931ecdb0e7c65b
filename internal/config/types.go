package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Status    StatusConfig    `json:"status"`
	Tasks     []TaskConfig    `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler service.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - timezone: local
//   - history_size: 200
//   - shutdown_timeout: "30s"
//   - wait_for_in_flight: true
//   - skip_warn_every: "1m"
type SchedulerConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// WaitForInFlight is a pointer so an explicit false can be told apart
	// from an omitted key.
	WaitForInFlight *bool  `json:"wait_for_in_flight,omitempty"`
	SkipWarnEvery   string `json:"skip_warn_every,omitempty"`
}

// StorageConfig controls the optional run-history store. Nil means disabled.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./cronhost_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StatusConfig controls the optional read-only HTTP status server
// (/healthz, /tasks, /tasks/{name}/runs and, when pprof is set, /debug/pprof/).
//
// Binding to a non-loopback addr requires token unless allow_insecure is set.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:8089
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// Action kinds understood by the host.
const (
	ActionLog  = "log"
	ActionExec = "exec"
	ActionUnit = "unit"
)

// TaskConfig registers one scheduled task.
//
// Example (YAML):
//
//	- name: heartbeat
//	  schedule: "0 */5 * * * ?"
//	  action: log
//	  message: still alive
type TaskConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Disabled bool   `json:"disabled,omitempty"`
	// Timeout bounds the action's context (Go duration string).
	Timeout string `json:"timeout,omitempty"`
	Action  string `json:"action"`

	// log
	Message string `json:"message,omitempty"`
	Sleep   string `json:"sleep,omitempty"`

	// exec
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// unit: a systemd job on the system manager
	Unit      string `json:"unit,omitempty"`
	Operation string `json:"operation,omitempty"` // start|stop|restart|reload (default restart)
}

// WaitForInFlightOrDefault resolves the shutdown drain policy.
func (s SchedulerConfig) WaitForInFlightOrDefault() bool {
	if s.WaitForInFlight == nil {
		return true
	}
	return *s.WaitForInFlight
}
