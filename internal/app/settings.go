package app

import (
	"fmt"
	"strings"
	"time"

	"ttbot/internal/config"
	"ttbot/internal/dispatch"
	"ttbot/internal/observability/status"
	"ttbot/internal/pipeline"
	"ttbot/internal/sink/telegram"
	"ttbot/internal/source"
	"ttbot/internal/storage"
	logx "ttbot/pkg/logx"
)

// sourceSettings is everything the app builds for one configured source.
type sourceSettings struct {
	fetch    source.Config
	deliver  dispatch.Config
	schedule pipeline.Schedule
	batch    int
}

type pipelineSettings struct {
	orchestrator pipeline.Config
	fetchTimeout time.Duration
	sendTimeout  time.Duration
	retry        dispatch.RetryPolicy
}

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	life, err := config.ParseDurationField("storage.conn_max_lifetime", sc.ConnMaxLifetime)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			path = "./data/ttbot"
		}
	case "sqlite", "sqlite3":
		if path == "" {
			path = "./data/ttbot.db"
		}
	}
	return storage.Config{
		Driver:          driver,
		Path:            path,
		DSN:             strings.TrimSpace(sc.DSN),
		BusyTimeout:     busy,
		MaxOpenConns:    sc.MaxOpenConns,
		MaxIdleConns:    sc.MaxIdleConns,
		ConnMaxLifetime: life,
	}, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          strings.TrimSpace(cfg.Telegram.Token),
		APIURL:         strings.TrimSpace(cfg.Telegram.APIURL),
		Timeout:        timeout,
		Media:          cfg.Sink.Media,
		DisablePreview: cfg.Sink.DisablePreview,
	}, nil
}

func mapRetry(path string, r config.RetryConfig, base dispatch.RetryPolicy) (dispatch.RetryPolicy, error) {
	out := base
	var err error
	if out.Base, err = config.ParseDurationOrDefault(path+".base", r.Base, base.Base); err != nil {
		return out, err
	}
	if out.MaxDelay, err = config.ParseDurationOrDefault(path+".max_delay", r.MaxDelay, base.MaxDelay); err != nil {
		return out, err
	}
	if r.Multiplier > 0 {
		out.Multiplier = r.Multiplier
	}
	if r.MaxAttempts > 0 {
		out.MaxAttempts = r.MaxAttempts
	}
	return out, nil
}

func mapPipeline(cfg *config.Config) (pipelineSettings, error) {
	p := cfg.Pipeline
	var (
		out pipelineSettings
		err error
	)
	out.orchestrator.BatchSize = p.BatchSize
	if out.orchestrator.StoreTimeout, err = config.ParseDurationField("pipeline.store_timeout", p.StoreTimeout); err != nil {
		return out, err
	}
	if out.orchestrator.ThrottleStep, err = config.ParseDurationField("pipeline.throttle_step", p.ThrottleStep); err != nil {
		return out, err
	}
	if out.orchestrator.ThrottleMax, err = config.ParseDurationField("pipeline.throttle_max", p.ThrottleMax); err != nil {
		return out, err
	}
	if out.fetchTimeout, err = config.ParseDurationOrDefault("pipeline.fetch_timeout", p.FetchTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.sendTimeout, err = config.ParseDurationField("pipeline.deliver_timeout", p.DeliverTimeout); err != nil {
		return out, err
	}
	if out.retry, err = mapRetry("pipeline.retry", p.Retry, dispatch.DefaultRetryPolicy()); err != nil {
		return out, err
	}
	return out, nil
}

// mapSources resolves every enabled source against the pipeline and sink
// defaults.
func mapSources(cfg *config.Config, ps pipelineSettings) ([]sourceSettings, error) {
	enabled := cfg.EnabledSources()
	out := make([]sourceSettings, 0, len(enabled))
	for _, sc := range enabled {
		name := strings.TrimSpace(sc.Name)
		sched, err := pipeline.ParseSchedule(sc.Schedule)
		if err != nil {
			return nil, fmt.Errorf("sources[%s].schedule: %w", name, err)
		}
		retry := ps.retry
		if sc.Retry != nil {
			if retry, err = mapRetry("sources["+name+"].retry", *sc.Retry, ps.retry); err != nil {
				return nil, err
			}
		}

		target := dispatch.Target{ChatID: cfg.Sink.ChatID, ThreadID: cfg.Sink.ThreadID}
		if sc.ChatID != 0 {
			target = dispatch.Target{ChatID: sc.ChatID, ThreadID: sc.ThreadID}
		}
		tmpl := cfg.Sink.Template
		if strings.TrimSpace(sc.Template) != "" {
			tmpl = sc.Template
		}
		rpm, burst := cfg.Pipeline.RatePerMinute, cfg.Pipeline.RateBurst
		if sc.RatePerMinute > 0 {
			rpm, burst = sc.RatePerMinute, sc.RateBurst
		}

		out = append(out, sourceSettings{
			fetch: source.Config{
				Name:        name,
				Kind:        sc.Kind,
				URL:         strings.TrimSpace(sc.URL),
				Token:       sc.Token,
				Headers:     sc.Headers,
				Selector:    sc.Selector,
				NewestFirst: sc.NewestFirst,
			},
			deliver: dispatch.Config{
				Source:        name,
				Target:        target,
				Template:      tmpl,
				Retry:         retry,
				RatePerMinute: rpm,
				RateBurst:     burst,
				SendTimeout:   ps.sendTimeout,
			},
			schedule: sched,
			batch:    sc.BatchSize,
		})
	}
	return out, nil
}

func mapStatus(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	read, err := config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 10*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, time.Minute)
	if err != nil {
		return status.Config{}, err
	}
	return status.Config{
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}
