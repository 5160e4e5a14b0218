package config

// Config is the on-disk configuration of broadcastd (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "15s", "24h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Sender    SenderConfig    `json:"sender"`
	Storage   StorageConfig   `json:"storage"`
	HTTP      HTTPConfig      `json:"http"`
	Retention RetentionConfig `json:"retention"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alerts  LoggingAlert `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log lines at or above MinLevel to the telegram chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig configures the operator chat. An empty token disables telegram.
type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID receives alerts and broadcast summaries.
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
	// Summaries toggles the one-line summary sent when a broadcast finishes.
	Summaries bool `json:"summaries"`
}

// DispatchConfig controls the dispatch loop.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 1
//   - lookahead: "500ms"
//   - send_timeout: "15s"
//   - tick_interval: "1s"
type DispatchConfig struct {
	Concurrency  int    `json:"concurrency,omitempty"`
	Lookahead    string `json:"lookahead,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`
}

// SenderConfig selects and tunes the message sender.
// Only the "simulated" driver exists today.
type SenderConfig struct {
	Driver      string  `json:"driver,omitempty"`
	MinLatency  string  `json:"min_latency,omitempty"`
	MaxLatency  string  `json:"max_latency,omitempty"`
	FailureRate float64 `json:"failure_rate,omitempty"`
	// RatePerSec caps outgoing sends; 0 means unlimited.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Seed       uint64  `json:"seed,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/broadcastd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	AuditLimit  int    `json:"audit_limit,omitempty"`  // memory
}

// HTTPConfig controls the HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool     `json:"enabled"`
	Addr          string   `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string   `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	CORSOrigins   []string `json:"cors_origins,omitempty"`
	// Pprof mounts /debug/pprof behind the same auth as the API.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// RetentionConfig prunes finished broadcasts. Empty prune_every disables pruning.
type RetentionConfig struct {
	// PruneEvery is a cron spec ("@every 1h", "0 3 * * *").
	PruneEvery      string `json:"prune_every,omitempty"`
	KeepFinishedFor string `json:"keep_finished_for,omitempty"`
}
