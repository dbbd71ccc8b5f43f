package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"ttbot/internal/observability/status"
	"ttbot/internal/pipeline"
	logx "ttbot/pkg/logx"
)

var (
	storageDrivers = map[string]bool{"": true, "memory": true, "file": true, "sqlite": true, "sqlite3": true, "postgres": true, "postgresql": true}
	sinkKinds      = map[string]bool{"": true, "telegram": true, "log": true}
	sourceKinds    = map[string]bool{"json": true, "html": true}
)

// Validate reports every problem found in cfg, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add("logging.level: unknown level %q", lvl)
		}
	}
	if lvl := strings.TrimSpace(cfg.Logging.Telegram.MinLevel); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add("logging.telegram.min_level: unknown level %q", lvl)
		}
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		add("logging.telegram.chat_id is required when telegram logging is enabled")
	}
	dur("telegram.timeout", cfg.Telegram.Timeout)

	st := cfg.Storage
	if !storageDrivers[strings.ToLower(strings.TrimSpace(st.Driver))] {
		add("storage.driver: unknown driver %q", st.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "postgres", "postgresql":
		if strings.TrimSpace(st.DSN) == "" {
			add("storage.dsn is required for driver %s", st.Driver)
		}
	}
	dur("storage.busy_timeout", st.BusyTimeout)
	dur("storage.conn_max_lifetime", st.ConnMaxLifetime)

	kind := strings.ToLower(strings.TrimSpace(cfg.Sink.Kind))
	if !sinkKinds[kind] {
		add("sink.kind: unknown kind %q", cfg.Sink.Kind)
	}
	needsToken := kind != "log" || cfg.Logging.Telegram.Enabled
	if needsToken && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required")
	}

	p := cfg.Pipeline
	if p.BatchSize < 0 {
		add("pipeline.batch_size must be >= 0")
	}
	if p.RatePerMinute < 0 || p.RateBurst < 0 {
		add("pipeline.rate_per_minute and rate_burst must be >= 0")
	}
	dur("pipeline.fetch_timeout", p.FetchTimeout)
	dur("pipeline.deliver_timeout", p.DeliverTimeout)
	dur("pipeline.store_timeout", p.StoreTimeout)
	dur("pipeline.throttle_step", p.ThrottleStep)
	dur("pipeline.throttle_max", p.ThrottleMax)
	errs = append(errs, validateRetry("pipeline.retry", p.Retry)...)

	sc := cfg.Status
	dur("status.read_timeout", sc.ReadTimeout)
	dur("status.idle_timeout", sc.IdleTimeout)
	if addr := strings.TrimSpace(sc.Addr); sc.Enabled && addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add("status.addr: %w", err)
		} else if !sc.AllowInsecure && strings.TrimSpace(sc.Token) == "" && !status.IsLoopback(addr) {
			add("status.addr: non-loopback addr requires token or allow_insecure")
		}
	}

	seen := map[string]bool{}
	for i, s := range cfg.Sources {
		path := fmt.Sprintf("sources[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			add("%s.name is required", path)
		} else {
			path = fmt.Sprintf("sources[%s]", name)
			if seen[name] {
				add("%s: duplicate source name", path)
			}
			seen[name] = true
		}
		if !sourceKinds[strings.ToLower(strings.TrimSpace(s.Kind))] {
			add("%s.kind: unknown kind %q", path, s.Kind)
		}
		if u, err := url.Parse(strings.TrimSpace(s.URL)); err != nil || u.Scheme == "" || u.Host == "" {
			add("%s.url: absolute URL required", path)
		}
		if strings.EqualFold(strings.TrimSpace(s.Kind), "html") && strings.TrimSpace(s.Selector) == "" {
			add("%s.selector is required for html sources", path)
		}
		if _, err := pipeline.ParseSchedule(s.Schedule); err != nil {
			add("%s.schedule: %w", path, err)
		}
		if s.RatePerMinute < 0 || s.RateBurst < 0 || s.BatchSize < 0 {
			add("%s: rate_per_minute, rate_burst and batch_size must be >= 0", path)
		}
		if s.Retry != nil {
			errs = append(errs, validateRetry(path+".retry", *s.Retry)...)
		}
		if kind != "log" && s.IsEnabled() && s.ChatID == 0 && cfg.Sink.ChatID == 0 {
			add("%s: no chat_id and sink.chat_id is not set", path)
		}
	}
	return errors.Join(errs...)
}

func validateRetry(path string, r RetryConfig) []error {
	var errs []error
	for field, raw := range map[string]string{"base": r.Base, "max_delay": r.MaxDelay} {
		if _, err := ParseDurationField(path+"."+field, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("%s.multiplier must be >= 1", path))
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("%s.max_attempts must be >= 0", path))
	}
	return errs
}
