package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go0("boom", func(ctx context.Context) { panic("bad cycle") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestGoRestartRestartsUntilNil(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected first error to be published")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestStopCancelsContext(t *testing.T) {
	s := New(context.Background())
	s.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("counters = %+v", c)
	}
}
