// Package source fetches the current listing of a content source.
//
// A fetch returns a snapshot of what the source currently exposes; it does not
// know what was seen before. Deduplication happens downstream.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// RawItem is an item as reported by a source, before deduplication.
type RawItem struct {
	ID           string
	URL          string
	Caption      string
	MediaURL     string
	ThumbnailURL string
	Author       string
	PublishedAt  *time.Time
}

// Fetcher returns the current snapshot of one source in discovery order.
type Fetcher interface {
	Fetch(ctx context.Context) ([]RawItem, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]RawItem, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]RawItem, error) { return f(ctx) }

// Config describes how to reach one source.
type Config struct {
	Name        string
	Kind        string // "json" or "html"
	URL         string
	Token       string
	Headers     map[string]string
	Selector    string // html only
	NewestFirst bool
}

// New builds the fetcher for cfg.Kind.
func New(cfg Config, client *http.Client) (Fetcher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("source %s: url is required", cfg.Name)
	}
	if client == nil {
		client = http.DefaultClient
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "json":
		return &jsonFetcher{cfg: cfg, client: client}, nil
	case "html":
		if strings.TrimSpace(cfg.Selector) == "" {
			return nil, fmt.Errorf("source %s: selector is required for html sources", cfg.Name)
		}
		return &htmlFetcher{cfg: cfg, client: client}, nil
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// Registry maps source names to fetchers and bounds each fetch with a timeout.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
	timeout  time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{fetchers: map[string]Fetcher{}, timeout: timeout}
}

func (r *Registry) Register(name string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[name] = f
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fetchers, name)
}

func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fetchers))
	for n := range r.fetchers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Fetch returns the current snapshot of source name.
// Every failure is reported as *UnavailableError or *ThrottledError.
func (r *Registry) Fetch(ctx context.Context, name string) ([]RawItem, error) {
	r.mu.RLock()
	f, ok := r.fetchers[name]
	timeout := r.timeout
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	items, err := f.Fetch(ctx)
	if err == nil {
		return items, nil
	}
	if errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable) {
		return nil, err
	}
	return nil, &UnavailableError{Source: name, Err: err}
}
