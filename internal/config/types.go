package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Dispatch DispatchConfig `json:"dispatch"`
	Sink     SinkConfig     `json:"sink"`
	Journal  JournalConfig  `json:"journal,omitempty"`

	// Storage is optional; when omitted deliveries are kept in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`
	Report  ReportConfig   `json:"report,omitempty"`

	// Status is the optional local HTTP status server.
	Status StatusConfig `json:"status,omitempty"`
}

// DispatchConfig controls admission throttling and the worker loop.
//
// All durations are Go duration strings (e.g. "500ms", "2s").
//
// Defaults (when fields are omitted/zero):
//   - min_interval: "2s"
//   - repeat_interval: "5s"
//   - saturation_threshold: 2
//   - idle_poll_interval: "500ms"
//   - settle_delay: "100ms"
//   - stop_grace: "1s"
//   - reacquire_interval: "0s" (a sink that failed to start is not retried while idle)
type DispatchConfig struct {
	MinInterval         string `json:"min_interval,omitempty"`
	RepeatInterval      string `json:"repeat_interval,omitempty"`
	SaturationThreshold int    `json:"saturation_threshold,omitempty"`
	IdlePollInterval    string `json:"idle_poll_interval,omitempty"`
	SettleDelay         string `json:"settle_delay,omitempty"`
	StopGrace           string `json:"stop_grace,omitempty"`
	ReacquireInterval   string `json:"reacquire_interval,omitempty"`
}

// SinkConfig selects how admitted messages are rendered.
//
// Example:
//
//	"sink": { "driver": "command", "command": { "path": "espeak", "rate": 150 } }
type SinkConfig struct {
	// Driver is one of console (default), command, telegram, none.
	Driver   string             `json:"driver,omitempty"`
	Console  SinkConsoleConfig  `json:"console,omitempty"`
	Command  SinkCommandConfig  `json:"command,omitempty"`
	Telegram SinkTelegramConfig `json:"telegram,omitempty"`
}

type SinkConsoleConfig struct {
	Prefix string `json:"prefix,omitempty"`
}

type SinkCommandConfig struct {
	Path   string   `json:"path,omitempty"`
	Args   []string `json:"args,omitempty"`
	Rate   int      `json:"rate,omitempty"`
	Volume float64  `json:"volume,omitempty"`
	// Timeout bounds a single utterance (Go duration string).
	Timeout string `json:"timeout,omitempty"`
}

type SinkTelegramConfig struct {
	Token    string `json:"token,omitempty"` // prefer VOICEFEEDBACK_TELEGRAM_TOKEN; never logged
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// JournalConfig controls the in-memory delivery history.
type JournalConfig struct {
	Size int `json:"size,omitempty"` // default: 300
}

// StorageConfig controls the optional delivery journal persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./voicefeedback.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ReportConfig schedules the periodic stats log line.
type ReportConfig struct {
	// Schedule is a cron spec ("*/5 * * * *") or descriptor ("@every 1m").
	// Empty disables the report.
	Schedule string `json:"schedule,omitempty"`
}

// StatusConfig controls the local HTTP status server (health, stats, history, submit).
//
// Example:
//
//	"status": { "enabled": true, "addr": "127.0.0.1:6061", "pprof": true }
//
// Binding to a non-loopback address requires token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: 127.0.0.1:6061
	Token         string `json:"token,omitempty"` // prefer VOICEFEEDBACK_STATUS_TOKEN; never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"` // default: 5s
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"` // default: 120s

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
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
