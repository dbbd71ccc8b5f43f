package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Base: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 3 * time.Second, MaxAttempts: 5}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 3 * time.Second},
		{50, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d)=%v want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	if p != DefaultRetryPolicy() {
		t.Fatalf("defaults=%+v", p)
	}
	if got := (RetryPolicy{Base: 10 * time.Second, MaxDelay: time.Second}).Delay(3); got != 10*time.Second {
		t.Fatalf("max below base: Delay=%v", got)
	}
	if got := (RetryPolicy{Base: time.Second, Multiplier: 1.5, MaxDelay: time.Minute}).Delay(3); got != 2250*time.Millisecond {
		t.Fatalf("fractional multiplier: Delay=%v", got)
	}
}

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeSuccess},
		{base, OutcomeRetryable},
		{context.DeadlineExceeded, OutcomeRetryable},
		{RetryAfter(base, time.Second), OutcomeRetryable},
		{Permanent(base), OutcomePermanent},
		{fmt.Errorf("send: %w", Permanent(base)), OutcomePermanent},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v)=%s want %s", tt.err, got, tt.want)
		}
	}
	if hint, ok := retryAfterHint(fmt.Errorf("wrapped: %w", RetryAfter(base, 3*time.Second))); !ok || hint != 3*time.Second {
		t.Fatalf("hint=%v,%v", hint, ok)
	}
	if Permanent(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatal("wrapping nil must stay nil")
	}
}

func TestTimerSleeperHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := TimerSleeper.Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep ignored cancellation")
	}
}
