package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ttbot/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are safe to log; secrets are reported only as *_set booleans.
	Attrs []logx.Field

	// SourcesChanged lists sources whose fetch or delivery settings differ.
	SourcesChanged []string
	// SourcesAdded and SourcesRemoved compare enabled sources.
	SourcesAdded   []string
	SourcesRemoved []string
}

// RestartRequired lists the reasons this change cannot be applied live.
func (c Change) RestartRequired() []string {
	var out []string
	for _, s := range c.Sections {
		switch s {
		case "telegram", "storage", "sink", "status":
			out = append(out, s)
		}
	}
	if len(c.SourcesAdded) > 0 || len(c.SourcesRemoved) > 0 {
		out = append(out, "sources")
	}
	return out
}

// Diff compares oldCfg and newCfg. Nil configs compare as empty.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		strings.TrimSpace(ot.Timeout) != strings.TrimSpace(nt.Timeout) {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.api_url_set", strings.TrimSpace(nt.APIURL) != ""),
			logx.String("telegram.timeout", strings.TrimSpace(nt.Timeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		nl := newCfg.Logging
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if !reflect.DeepEqual(ost, nst) {
		ch.Sections = append(ch.Sections, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nst.DSN) != ""),
		)
	}

	osk, nsk := oldCfg.Sink, newCfg.Sink
	// chat and template changes reach dispatchers live through the sources diff
	osk.ChatID, osk.ThreadID, osk.Template = 0, 0, ""
	nsk.ChatID, nsk.ThreadID, nsk.Template = 0, 0, ""
	if osk != nsk {
		ch.Sections = append(ch.Sections, "sink")
		ch.Attrs = append(ch.Attrs,
			logx.String("sink.kind", newCfg.Sink.Kind),
			logx.Bool("sink.media", newCfg.Sink.Media),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		np := newCfg.Pipeline
		ch.Sections = append(ch.Sections, "pipeline")
		ch.Attrs = append(ch.Attrs,
			logx.Int("pipeline.batch_size", np.BatchSize),
			logx.String("pipeline.fetch_timeout", np.FetchTimeout),
			logx.Any("pipeline.rate_per_minute", np.RatePerMinute),
			logx.Int("pipeline.retry.max_attempts", np.Retry.MaxAttempts),
		)
	}

	if oldCfg.Status != newCfg.Status {
		ns := newCfg.Status
		ch.Sections = append(ch.Sections, "status")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("status.enabled", ns.Enabled),
			logx.String("status.addr", strings.TrimSpace(ns.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(ns.Token) != ""),
			logx.Bool("status.pprof", ns.Pprof),
		)
	}

	ch.SourcesChanged, ch.SourcesAdded, ch.SourcesRemoved = diffSources(oldCfg, newCfg)
	if len(ch.SourcesChanged)+len(ch.SourcesAdded)+len(ch.SourcesRemoved) > 0 {
		ch.Sections = append(ch.Sections, "sources")
		ch.Attrs = append(ch.Attrs,
			logx.Int("sources.changed", len(ch.SourcesChanged)),
			logx.Int("sources.added", len(ch.SourcesAdded)),
			logx.Int("sources.removed", len(ch.SourcesRemoved)),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}

// diffSources compares enabled sources. A source is changed when its own
// block differs or when an inherited sink/pipeline default changed.
func diffSources(oldCfg, newCfg *Config) (changed, added, removed []string) {
	index := func(c *Config) map[string]SourceConfig {
		m := map[string]SourceConfig{}
		for _, s := range c.EnabledSources() {
			m[strings.TrimSpace(s.Name)] = s
		}
		return m
	}
	oldM, newM := index(oldCfg), index(newCfg)
	inherited := oldCfg.Sink.ChatID != newCfg.Sink.ChatID ||
		oldCfg.Sink.ThreadID != newCfg.Sink.ThreadID ||
		oldCfg.Sink.Template != newCfg.Sink.Template ||
		!reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline)

	for name, n := range newM {
		o, ok := oldM[name]
		switch {
		case !ok:
			added = append(added, name)
		case inherited || hashValue(o) != hashValue(n):
			changed = append(changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(changed)
	sort.Strings(added)
	sort.Strings(removed)
	return changed, added, removed
}
