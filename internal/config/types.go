package config

// Config is the whole bot configuration. Durations are Go duration strings
// ("500ms", "10s", "5m") everywhere.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Sink     SinkConfig     `json:"sink"`
	Pipeline PipelineConfig `json:"pipeline"`
	Sources  []SourceConfig `json:"sources"`
	Status   StatusConfig   `json:"status,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides the public Bot API endpoint (local bot-api servers, tests).
	APIURL string `json:"api_url,omitempty"`
	// Timeout bounds every Bot API request.
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the item store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ttbot.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"` // postgres; do not log

	BusyTimeout     string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns    int    `json:"max_open_conns,omitempty"`
	MaxIdleConns    int    `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `json:"conn_max_lifetime,omitempty"`
}

// SinkConfig selects where items are delivered. Kind "log" only logs what
// would have been sent.
type SinkConfig struct {
	Kind           string `json:"kind"` // "telegram" (default) | "log"
	ChatID         int64  `json:"chat_id"`
	ThreadID       int    `json:"thread_id,omitempty"`
	Media          bool   `json:"media,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	Template       string `json:"template,omitempty"`
}

// StatusConfig controls the optional status HTTP server (/healthz, /status,
// /debug/pprof). A non-loopback addr needs a token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: 127.0.0.1:6061
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type PipelineConfig struct {
	BatchSize      int    `json:"batch_size,omitempty"`
	FetchTimeout   string `json:"fetch_timeout,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
	StoreTimeout   string `json:"store_timeout,omitempty"`
	ThrottleStep   string `json:"throttle_step,omitempty"`
	ThrottleMax    string `json:"throttle_max,omitempty"`

	// RatePerMinute is the default per-source delivery ceiling. 0 disables it.
	RatePerMinute float64     `json:"rate_per_minute,omitempty"`
	RateBurst     int         `json:"rate_burst,omitempty"`
	Retry         RetryConfig `json:"retry"`
}

type RetryConfig struct {
	Base        string  `json:"base,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
}

// SourceConfig describes one content source. Zero-valued delivery fields
// fall back to the pipeline and sink sections.
type SourceConfig struct {
	Name string `json:"name"`
	// Enabled is a pointer so an omitted field means enabled.
	Enabled *bool  `json:"enabled,omitempty"`
	Kind    string `json:"kind"` // "json" | "html"
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"` // do not log

	Headers     map[string]string `json:"headers,omitempty"`
	Selector    string            `json:"selector,omitempty"`
	NewestFirst bool              `json:"newest_first,omitempty"`

	Schedule string `json:"schedule"`

	RatePerMinute float64      `json:"rate_per_minute,omitempty"`
	RateBurst     int          `json:"rate_burst,omitempty"`
	BatchSize     int          `json:"batch_size,omitempty"`
	Retry         *RetryConfig `json:"retry,omitempty"`

	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	Template string `json:"template,omitempty"`
}

func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// EnabledSources returns the enabled sources in file order.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}
