package source

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnavailable   = errors.New("source unavailable")
	ErrThrottled     = errors.New("source throttled")
	ErrUnknownSource = errors.New("unknown source")
)

// UnavailableError reports that a source could not be reached or produced an
// unusable response.
type UnavailableError struct {
	Source string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %s unavailable", e.Source)
	}
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

// ThrottledError reports that a source refused the request for rate reasons.
// RetryAfter is zero when the source gave no hint.
type ThrottledError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("source %s throttled (retry after %s)", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("source %s throttled", e.Source)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// RetryAfterHint extracts the throttling hint from err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
