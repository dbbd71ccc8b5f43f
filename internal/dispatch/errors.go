package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyMessage is returned by Render when an item has nothing to send.
var ErrEmptyMessage = errors.New("rendered message is empty")

// Outcome classifies one delivery.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeRetryable
	OutcomePermanent
	// OutcomeSkipped means the item was no longer pending when its turn came,
	// typically because an overlapping cycle already handled it.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable_failure"
	case OutcomePermanent:
		return "permanent_failure"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Permanent marks a sink error as a permanent rejection of the message.
// Sinks wrap errors such as malformed payloads or forbidden chats with it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a sink-provided delay hint to a retryable error.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Classify maps a sink result onto an Outcome. Anything not explicitly marked
// permanent is retryable, including timeouts.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsPermanent(err):
		return OutcomePermanent
	default:
		return OutcomeRetryable
	}
}

func retryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

func isTimeout(err error) bool { return errors.Is(err, context.DeadlineExceeded) }
