package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	maxBodyBytes = 8 << 20
	userAgent    = "ttbot/1.0"
)

// get performs a GET and maps the response onto the fetch error taxonomy:
// 429 -> throttled, any other non-2xx or transport failure -> unavailable.
func get(ctx context.Context, client *http.Client, cfg Config, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, &UnavailableError{Source: cfg.Name, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Source: cfg.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &ThrottledError{
			Source:     cfg.Name,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &UnavailableError{Source: cfg.Name, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &UnavailableError{Source: cfg.Name, Err: err}
	}
	return body, nil
}

func reverse(items []RawItem) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
