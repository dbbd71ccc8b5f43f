package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ttbot/internal/dispatch"
	"ttbot/internal/eventbus"
	"ttbot/internal/source"
	"ttbot/internal/storage"
)

type fetchFunc func(ctx context.Context, name string) ([]source.RawItem, error)

func (f fetchFunc) Fetch(ctx context.Context, name string) ([]source.RawItem, error) { return f(ctx, name) }

func staticFetch(ids ...string) fetchFunc {
	return func(ctx context.Context, name string) ([]source.RawItem, error) {
		out := make([]source.RawItem, 0, len(ids))
		for _, id := range ids {
			out = append(out, source.RawItem{ID: id, Caption: id})
		}
		return out, nil
	}
}

// countingSink records sends per message text and returns scripted errors.
type countingSink struct {
	mu     sync.Mutex
	sends  map[string]int
	errFor func(text string) error
}

func (s *countingSink) Send(ctx context.Context, to dispatch.Target, msg dispatch.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sends == nil {
		s.sends = map[string]int{}
	}
	s.sends[msg.Text]++
	if s.errFor != nil {
		return s.errFor(msg.Text)
	}
	return nil
}

func (s *countingSink) count(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends[text]
}

func (s *countingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.sends {
		n += c
	}
	return n
}

var noSleep = dispatch.SleeperFunc(func(ctx context.Context, d time.Duration) error { return nil })

type harness struct {
	store storage.Store
	sink  *countingSink
	orch  *Orchestrator
	bus   eventbus.Bus
}

func newHarness(t *testing.T, fetch fetchFunc, cfg Config, sched Schedule) *harness {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	sink := &countingSink{}
	d, err := dispatch.New(st, sink, dispatch.Config{
		Source:   "src",
		Template: "{{.ID}}",
		Retry:    dispatch.RetryPolicy{Base: time.Millisecond, MaxAttempts: 3},
	}, dispatch.WithSleeper(noSleep))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	bus := eventbus.New()
	o := New(st, fetch, cfg, WithBus(bus))
	if err := o.AddSource(Source{Name: "src", Schedule: sched, Dispatcher: d}); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	return &harness{store: st, sink: sink, orch: o, bus: bus}
}

// pendingRecord returns the record of a pending item by source id.
func (h *harness) pendingRecord(t *testing.T, id string) storage.DeliveryRecord {
	t.Helper()
	ctx := context.Background()
	items, err := h.store.PendingItems(ctx, "src", 0)
	if err != nil {
		t.Fatalf("PendingItems: %v", err)
	}
	for _, it := range items {
		if it.SourceID == id {
			rec, _ := h.store.Record(ctx, it.Ref)
			return rec
		}
	}
	return storage.DeliveryRecord{}
}

func TestRunCycleMixedOutcomes(t *testing.T) {
	h := newHarness(t, staticFetch("A", "B", "C"), Config{}, Every(time.Minute))
	h.sink.errFor = func(text string) error {
		if text == "C" {
			return dispatch.Permanent(errors.New("content rejected"))
		}
		return nil
	}

	rep, err := h.orch.RunCycle(context.Background(), "src")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Fetched != 3 || rep.Discovered != 3 || rep.Delivery.Delivered != 2 || rep.Delivery.Failed != 1 {
		t.Fatalf("report=%+v", rep)
	}
	pending, _ := h.store.PendingItems(context.Background(), "src", 0)
	if len(pending) != 0 {
		t.Fatalf("pending=%v", pending)
	}

	// a second cycle over the same snapshot finds nothing new and sends nothing
	rep, err = h.orch.RunCycle(context.Background(), "src")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Discovered != 0 || rep.Backlog != 0 || h.sink.total() != 3 {
		t.Fatalf("second report=%+v sends=%d", rep, h.sink.total())
	}
}

func TestOverlappingCyclesStoreItemOnce(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	fetch := func(ctx context.Context, name string) ([]source.RawItem, error) {
		arrived.Done()
		arrived.Wait() // both cycles hold the same snapshot before either commits
		return []source.RawItem{{ID: "D"}}, nil
	}
	h := newHarness(t, fetch, Config{}, Every(time.Minute))

	var wg sync.WaitGroup
	var discovered atomic.Int64
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := h.orch.RunCycle(context.Background(), "src")
			discovered.Add(int64(rep.Discovered))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
	}

	ids, _ := h.store.KnownIDs(context.Background(), "src")
	if len(ids) != 1 || discovered.Load() != 1 {
		t.Fatalf("known=%v discovered=%d", ids, discovered.Load())
	}
	if got := h.sink.count("D"); got != 1 {
		t.Fatalf("D sent %d times", got)
	}
}

func TestRunCycleDeliversBacklogWhenFetchFails(t *testing.T) {
	fetch := func(ctx context.Context, name string) ([]source.RawItem, error) {
		return nil, &source.UnavailableError{Source: name, Err: errors.New("connection refused")}
	}
	h := newHarness(t, fetch, Config{}, Every(time.Minute))
	if _, err := h.store.InsertNew(context.Background(), []storage.ContentItem{{SourceName: "src", SourceID: "old"}}); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}

	rep, err := h.orch.RunCycle(context.Background(), "src")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.FetchErr == nil || rep.Delivery.Delivered != 1 {
		t.Fatalf("report=%+v", rep)
	}
	snap := h.orch.Snapshot()
	if len(snap) != 1 || snap[0].ConsecutiveFailures != 1 || snap[0].LastError == "" {
		t.Fatalf("snapshot=%+v", snap)
	}

	_, _ = h.orch.RunCycle(context.Background(), "src")
	if got := h.orch.Snapshot()[0].ConsecutiveFailures; got != 2 {
		t.Fatalf("consecutive failures=%d", got)
	}
}

func TestRetryExhaustedItemIsReoffered(t *testing.T) {
	h := newHarness(t, staticFetch("E"), Config{}, Every(time.Minute))
	h.sink.errFor = func(string) error { return context.DeadlineExceeded }

	rep, err := h.orch.RunCycle(context.Background(), "src")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Delivery.Pending != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if rec := h.pendingRecord(t, "E"); rec.Status != storage.StatusPending || rec.Attempts != 3 {
		t.Fatalf("record=%+v", rec)
	}

	h.sink.errFor = nil
	rep, err = h.orch.RunCycle(context.Background(), "src")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Backlog != 1 || rep.Delivery.Delivered != 1 {
		t.Fatalf("second report=%+v", rep)
	}
}

func TestThrottlePenalty(t *testing.T) {
	var hint atomic.Int64
	var throttled atomic.Bool
	throttled.Store(true)
	fetch := func(ctx context.Context, name string) ([]source.RawItem, error) {
		if throttled.Load() {
			return nil, &source.ThrottledError{Source: name, RetryAfter: time.Duration(hint.Load())}
		}
		return nil, nil
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, fetch, Config{ThrottleStep: time.Minute, ThrottleMax: 150 * time.Second}, Every(5*time.Minute))
	h.orch.now = func() time.Time { return now }

	steps := []struct {
		hint    time.Duration
		penalty time.Duration
	}{
		{0, time.Minute},
		{0, 2 * time.Minute},
		{0, 150 * time.Second},
		{10 * time.Minute, 10 * time.Minute},
	}
	for i, s := range steps {
		hint.Store(int64(s.hint))
		rep, err := h.orch.RunCycle(context.Background(), "src")
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if !rep.Throttled {
			t.Fatalf("cycle %d not marked throttled", i)
		}
		if got := h.orch.Snapshot()[0].Penalty; got != s.penalty {
			t.Fatalf("cycle %d penalty=%v want %v", i, got, s.penalty)
		}
		if wait := h.orch.scheduleNext("src"); wait != 5*time.Minute+s.penalty {
			t.Fatalf("cycle %d wait=%v", i, wait)
		}
	}

	throttled.Store(false)
	if _, err := h.orch.RunCycle(context.Background(), "src"); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := h.orch.Snapshot()[0]; got.Penalty != 0 || got.ConsecutiveFailures != 0 {
		t.Fatalf("state after recovery=%+v", got)
	}
}

func TestStartStop(t *testing.T) {
	var seq atomic.Int64
	fetch := func(ctx context.Context, name string) ([]source.RawItem, error) {
		n := seq.Add(1)
		return []source.RawItem{{ID: fmt.Sprintf("v%d", n)}}, nil
	}
	h := newHarness(t, fetch, Config{}, Every(10*time.Millisecond))
	events, unsub := h.bus.Subscribe(64)
	defer unsub()

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.orch.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	waitCycles(t, events, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.orch.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	sent := h.sink.total()
	if sent < 3 {
		t.Fatalf("sent=%d", sent)
	}
	time.Sleep(50 * time.Millisecond)
	if h.sink.total() != sent {
		t.Fatal("deliveries continued after Stop")
	}
}

func TestLoopSurvivesFailingCycles(t *testing.T) {
	h := newHarness(t, staticFetch("x"), Config{}, Every(5*time.Millisecond))
	_ = h.store.Close() // every store call now fails

	events, unsub := h.bus.Subscribe(64)
	defer unsub()
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCycles(t, events, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.orch.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if snap := h.orch.Snapshot(); snap[0].LastError == "" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestRunCycleUnknownSource(t *testing.T) {
	h := newHarness(t, staticFetch(), Config{}, Every(time.Minute))
	if _, err := h.orch.RunCycle(context.Background(), "nope"); !errors.Is(err, source.ErrUnknownSource) {
		t.Fatalf("err=%v", err)
	}
}

func TestAddSourceValidation(t *testing.T) {
	h := newHarness(t, staticFetch(), Config{}, Every(time.Minute))
	d := h.orch.sources["src"].src.Dispatcher
	tests := []Source{
		{Name: "", Schedule: Every(time.Minute), Dispatcher: d},
		{Name: "a", Schedule: Every(time.Minute)},
		{Name: "b", Dispatcher: d},
		{Name: "src", Schedule: Every(time.Minute), Dispatcher: d},
	}
	for _, src := range tests {
		if err := h.orch.AddSource(src); err == nil {
			t.Errorf("AddSource(%q) expected error", src.Name)
		}
	}
}

func TestReconfigure(t *testing.T) {
	h := newHarness(t, staticFetch(), Config{}, Every(time.Minute))
	changed := h.orch.Reconfigure(Config{BatchSize: 5}, []Source{
		{Name: "src", BatchSize: 2, Schedule: Every(time.Hour)},
		{Name: "new"},
	})
	if len(changed) != 1 || changed[0] != "new" {
		t.Fatalf("needRestart=%v", changed)
	}
	st := h.orch.sources["src"]
	if st.src.BatchSize != 2 || st.src.Schedule.Every != time.Hour || h.orch.cfg.BatchSize != 5 {
		t.Fatalf("source=%+v cfg=%+v", st.src, h.orch.cfg)
	}

	changed = h.orch.Reconfigure(Config{}, nil)
	if len(changed) != 1 || changed[0] != "src" {
		t.Fatalf("needRestart=%v", changed)
	}
}

func TestReconfigureDuringCycles(t *testing.T) {
	var n atomic.Int64
	fetch := fetchFunc(func(ctx context.Context, name string) ([]source.RawItem, error) {
		time.Sleep(time.Millisecond)
		id := fmt.Sprintf("item-%d", n.Add(1))
		return []source.RawItem{{ID: id, Caption: id}}, nil
	})
	h := newHarness(t, fetch, Config{}, Every(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if _, err := h.orch.RunCycle(ctx, "src"); err != nil && ctx.Err() == nil {
				t.Errorf("RunCycle: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			h.orch.Reconfigure(Config{}, []Source{{Name: "src", BatchSize: i%3 + 1, Schedule: Every(time.Duration(i%5+1) * time.Minute)}})
		}
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()

	// the batch size in effect at the start of a cycle bounds its backlog
	h.orch.Reconfigure(Config{}, []Source{{Name: "src", BatchSize: 1, Schedule: Every(time.Minute)}})
	h.sink.errFor = func(string) error { return dispatch.Permanent(errors.New("rejected")) }
	n.Store(1000)
	for i := 0; i < 3; i++ {
		if _, err := h.store.InsertNew(context.Background(), []storage.ContentItem{{SourceName: "src", SourceID: fmt.Sprintf("extra-%d", i)}}); err != nil {
			t.Fatalf("InsertNew: %v", err)
		}
	}
	rep, err := h.orch.RunCycle(context.Background(), "src")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Backlog != 1 {
		t.Fatalf("backlog=%d, want 1", rep.Backlog)
	}
}

func waitCycles(t *testing.T, events <-chan eventbus.Event, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	seen := 0
	for seen < n {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeCycle {
				seen++
			}
		case <-deadline:
			t.Fatalf("saw %d cycles, want %d", seen, n)
		}
	}
}

func TestRunCycleWithoutBus(t *testing.T) {
	st := storage.NewMemory()
	defer st.Close()
	d, err := dispatch.New(st, &countingSink{}, dispatch.Config{Source: "src", Template: "{{.ID}}"})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	o := New(st, staticFetch("A"), Config{})
	if err := o.AddSource(Source{Name: "src", Schedule: Every(time.Minute), Dispatcher: d}); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	rep, err := o.RunCycle(context.Background(), "src")
	if err != nil || rep.Delivery.Delivered != 1 {
		t.Fatalf("report=%+v err=%v", rep, err)
	}
}
