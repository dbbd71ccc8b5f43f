package config

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "ttbot/pkg/logx"
)

// Manager owns the config file: initial load, validation, hot reload and
// fan-out of committed configs to subscribers.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards subs so publish never sends on a channel Unsubscribe closed.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	debounce  time.Duration

	// lastHash is the hash of the last committed config; editors often emit
	// several write events for one save.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), debounce: 250 * time.Millisecond}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs an extra check that runs after Validate and before a
// reloaded config is committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	return cfg, nil
}

// Load parses, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashValue(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers cfg to every subscriber. A full subscriber loses its
// oldest queued config so it always ends up with the newest one.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Reload parses the file and, if it changed and is valid, commits and
// publishes it. It reports whether a new config was published.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashValue(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	if err := Validate(cfg); err != nil {
		return false, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, err
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	return true, nil
}

// Watch reloads the file on change until ctx ends. The fsnotify watcher is
// recreated with jittered backoff when it breaks.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	bo := newWatchBackoff()

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			published, err := m.Reload(ctx)
			switch {
			case err != nil:
				m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			case published:
				m.log.Info("config reloaded", logx.String("path", m.path))
			default:
				m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.String("dir", dir), logx.Err(err))
			if !sleepCtx(ctx, bo.next()) {
				return nil
			}
			continue
		}

		bo.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
		m.watchEvents(ctx, w, file, schedule)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}

		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
	return nil
}

// watchEvents consumes w until ctx ends or the watcher breaks.
func (m *Manager) watchEvents(ctx context.Context, w *fsnotify.Watcher, file string, schedule func()) {
	const interesting = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			// editors that save via rename report the temp name first; match by basename
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&interesting != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(msg, "closed") {
				return
			}
		}
	}
}

type watchBackoff struct {
	cur, base, max time.Duration
	rng            *rand.Rand
}

func newWatchBackoff() *watchBackoff {
	b := 250 * time.Millisecond
	return &watchBackoff{cur: b, base: b, max: 5 * time.Second, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *watchBackoff) reset() { b.cur = b.base }

// next returns the current wait plus up to 50% jitter and doubles the base.
func (b *watchBackoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
