package dispatch

import (
	"context"
	"time"
)

// RetryPolicy is an exponential backoff schedule for one item within one cycle.
type RetryPolicy struct {
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, MaxAttempts: 3}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// Delay returns the wait after the attempt-th failed attempt (1-based):
// Base * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on a real timer.
var TimerSleeper Sleeper = SleeperFunc(sleepCtx)

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
