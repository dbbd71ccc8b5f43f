// Package pipeline owns the per-source poll cycle:
// fetch, diff against known ids, insert new items, deliver the pending backlog.
//
// Every source runs its own loop on its own schedule. Sources share only the
// item store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ttbot/internal/dedup"
	"ttbot/internal/dispatch"
	"ttbot/internal/eventbus"
	"ttbot/internal/runtime/supervisor"
	"ttbot/internal/source"
	"ttbot/internal/storage"
	logx "ttbot/pkg/logx"
)

// Fetcher returns the current snapshot of a named source.
type Fetcher interface {
	Fetch(ctx context.Context, name string) ([]source.RawItem, error)
}

// Deliverer delivers a batch of pending items and records their outcomes.
type Deliverer interface {
	DeliverBatch(ctx context.Context, items []storage.ContentItem) (dispatch.BatchReport, error)
}

type Config struct {
	// ThrottleStep is added to a source's interval per consecutive throttled fetch.
	ThrottleStep time.Duration
	// ThrottleMax caps the accumulated penalty.
	ThrottleMax  time.Duration
	BatchSize    int
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ThrottleStep <= 0 {
		c.ThrottleStep = time.Minute
	}
	if c.ThrottleMax <= 0 {
		c.ThrottleMax = 30 * time.Minute
	}
	if c.ThrottleMax < c.ThrottleStep {
		c.ThrottleMax = c.ThrottleStep
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 15 * time.Second
	}
	return c
}

// Source is one registered content source.
type Source struct {
	Name       string
	Schedule   Schedule
	BatchSize  int // 0 uses Config.BatchSize
	Dispatcher Deliverer
}

// CycleReport describes one cycle of one source.
type CycleReport struct {
	Source     string               `json:"source"`
	Started    time.Time            `json:"started"`
	Duration   time.Duration        `json:"duration"`
	Fetched    int                  `json:"fetched"`
	Discovered int                  `json:"discovered"`
	Backlog    int                  `json:"backlog"`
	Delivery   dispatch.BatchReport `json:"delivery"`
	FetchErr   error                `json:"-"`
	Throttled  bool                 `json:"throttled"`
}

// SourceState is the externally visible state of a source loop.
type SourceState struct {
	Name                string        `json:"name"`
	Schedule            string        `json:"schedule"`
	LastCycle           time.Time     `json:"last_cycle"`
	LastReport          CycleReport   `json:"last_report"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Penalty             time.Duration `json:"penalty"`
	NextRun             time.Time     `json:"next_run"`
}

type sourceState struct {
	src Source

	// serializes delivery so one source's items go out in discovery order
	deliverMu sync.Mutex

	throttles int
	state     SourceState
}

type Orchestrator struct {
	store   storage.Store
	fetcher Fetcher
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	mu      sync.Mutex
	cfg     Config
	sources map[string]*sourceState

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

type Option func(*Orchestrator)

func WithLogger(log logx.Logger) Option { return func(o *Orchestrator) { o.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(o *Orchestrator) { o.bus = bus } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(store storage.Store, fetcher Fetcher, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		sources: map[string]*sourceState{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.bus == nil {
		o.bus = eventbus.Nop{}
	}
	return o
}

// AddSource registers a source. Sources added after Start are not scheduled
// until the next Start.
func (o *Orchestrator) AddSource(src Source) error {
	if src.Name == "" {
		return errors.New("pipeline: source name is required")
	}
	if src.Dispatcher == nil {
		return fmt.Errorf("pipeline: source %s has no dispatcher", src.Name)
	}
	if !src.Schedule.valid() {
		return fmt.Errorf("pipeline: source %s has no schedule", src.Name)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.sources[src.Name]; dup {
		return fmt.Errorf("pipeline: duplicate source %s", src.Name)
	}
	o.sources[src.Name] = &sourceState{
		src:   src,
		state: SourceState{Name: src.Name, Schedule: src.Schedule.String()},
	}
	return nil
}

// Reconfigure applies new throttle/batch settings and schedules to known
// sources. It returns the names of sources that were added or removed; those
// take effect only after a restart.
func (o *Orchestrator) Reconfigure(cfg Config, sources []Source) (needRestart []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg.withDefaults()

	seen := map[string]bool{}
	for _, src := range sources {
		seen[src.Name] = true
		st, ok := o.sources[src.Name]
		if !ok {
			needRestart = append(needRestart, src.Name)
			continue
		}
		st.src.BatchSize = src.BatchSize
		if src.Schedule.String() != "" {
			st.src.Schedule = src.Schedule
			st.state.Schedule = src.Schedule.String()
		}
	}
	for name := range o.sources {
		if !seen[name] {
			needRestart = append(needRestart, name)
		}
	}
	sort.Strings(needRestart)
	return needRestart
}

// Start launches one supervised loop per source. The first cycle of each
// source runs immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.sup != nil {
		return errors.New("pipeline: already started")
	}
	o.sup = supervisor.New(ctx, supervisor.WithLogger(o.log.With(logx.String("comp", "pipeline.supervisor"))))

	o.mu.Lock()
	names := make([]string, 0, len(o.sources))
	for name := range o.sources {
		names = append(names, name)
	}
	o.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		name := name
		o.sup.GoRestart("source."+name, func(ctx context.Context) error {
			return o.loop(ctx, name)
		}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	o.log.Info("pipeline started", logx.Int("sources", len(names)))
	return nil
}

// Stop signals every source loop to finish its current step and waits until
// they exit or ctx ends. In-flight sends are not aborted.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.runMu.Lock()
	sup := o.sup
	o.sup = nil
	o.runMu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	o.log.Info("pipeline stopped", logx.Err(err))
	return err
}

// Snapshot returns the state of every source, sorted by name.
func (o *Orchestrator) Snapshot() []SourceState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SourceState, 0, len(o.sources))
	for _, st := range o.sources {
		out = append(out, st.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (o *Orchestrator) loop(ctx context.Context, name string) error {
	log := o.log.With(logx.String("source", name))
	for {
		if _, err := o.RunCycle(ctx, name); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, source.ErrUnknownSource) {
				return err
			}
			log.Error("cycle failed", logx.Err(err))
		}

		wait := o.scheduleNext(name)
		log.Debug("next cycle scheduled", logx.Duration("in", wait))
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return nil
		case <-tmr.C:
		}
	}
}

// scheduleNext computes the wait until the next cycle including any throttle
// penalty, and records it.
func (o *Orchestrator) scheduleNext(name string) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.sources[name]
	if st == nil {
		return time.Minute
	}
	now := o.now()
	next := st.src.Schedule.Next(now).Add(st.state.Penalty)
	st.state.NextRun = next
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RunCycle performs one full cycle for source name. It is safe to call
// concurrently with itself and with the scheduled loop.
//
// Fetch failures are recorded in the report and do not prevent delivery of
// the pending backlog. The returned error is a store failure.
func (o *Orchestrator) RunCycle(ctx context.Context, name string) (CycleReport, error) {
	o.mu.Lock()
	st, ok := o.sources[name]
	cfg := o.cfg
	var src Source
	if ok {
		// Reconfigure rewrites st.src under o.mu
		src = st.src
	}
	o.mu.Unlock()
	if !ok {
		return CycleReport{}, fmt.Errorf("%w: %s", source.ErrUnknownSource, name)
	}
	log := o.log.With(logx.String("source", name))

	rep := CycleReport{Source: name, Started: o.now()}
	err := o.runCycle(ctx, st, src, cfg, log, &rep)
	rep.Duration = o.now().Sub(rep.Started)

	o.record(st, cfg, rep, err, log)
	o.bus.Publish(eventbus.Event{Type: eventbus.TypeCycle, Time: o.now(), Source: name, Data: rep})
	return rep, err
}

func (o *Orchestrator) runCycle(ctx context.Context, st *sourceState, src Source, cfg Config, log logx.Logger, rep *CycleReport) error {
	name := src.Name

	raw, ferr := o.fetcher.Fetch(ctx, name)
	switch {
	case ferr != nil && ctx.Err() != nil:
		return ctx.Err()
	case ferr != nil:
		rep.FetchErr = ferr
		rep.Throttled = errors.Is(ferr, source.ErrThrottled)
	default:
		rep.Fetched = len(raw)
		if err := o.discover(ctx, name, raw, cfg, rep); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}

	st.deliverMu.Lock()
	defer st.deliverMu.Unlock()

	batch := src.BatchSize
	if batch <= 0 {
		batch = cfg.BatchSize
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	pending, err := o.store.PendingItems(sctx, name, batch)
	cancel()
	if err != nil {
		return fmt.Errorf("pending items: %w", err)
	}
	rep.Backlog = len(pending)
	if len(pending) == 0 {
		return nil
	}

	br, err := src.Dispatcher.DeliverBatch(ctx, pending)
	rep.Delivery = br
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	if br.Attempted() > 0 || br.Deferred > 0 {
		log.Info("cycle delivered",
			logx.Int("delivered", br.Delivered),
			logx.Int("failed", br.Failed),
			logx.Int("pending", br.Pending),
			logx.Int("deferred", br.Deferred),
		)
	}
	return nil
}

// discover records the new items of a fetched snapshot. The insert runs
// detached from ctx so a fetched snapshot is persisted even during Stop.
func (o *Orchestrator) discover(ctx context.Context, name string, raw []source.RawItem, cfg Config, rep *CycleReport) error {
	sctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	known, err := o.store.KnownIDs(sctx, name)
	cancel()
	if err != nil {
		return fmt.Errorf("known ids: %w", err)
	}

	fresh := dedup.Diff(name, raw, known, o.now())
	if len(fresh) == 0 {
		return nil
	}

	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
	inserted, err := o.store.InsertNew(ictx, fresh)
	cancel()
	rep.Discovered = len(inserted)
	for _, it := range inserted {
		o.bus.Publish(eventbus.Event{
			Type:   eventbus.TypeItemDiscovered,
			Time:   it.DiscoveredAt,
			Source: name,
			Data:   dispatch.ItemEvent{Ref: it.Ref, SourceID: it.SourceID},
		})
	}
	if err != nil {
		return fmt.Errorf("insert new: %w", err)
	}
	return nil
}

// record folds a cycle result into the source state and adjusts the
// throttle penalty.
func (o *Orchestrator) record(st *sourceState, cfg Config, rep CycleReport, err error, log logx.Logger) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		return
	}
	s := &st.state
	s.LastCycle = rep.Started
	s.LastReport = rep
	s.LastError = ""

	switch {
	case rep.FetchErr == nil && err == nil:
		s.ConsecutiveFailures = 0
		st.throttles = 0
		s.Penalty = 0
		return
	case rep.FetchErr == nil:
		// fetch worked; a store failure does not change the throttle state
		st.throttles = 0
		s.Penalty = 0
		s.LastError = err.Error()
		return
	}

	s.ConsecutiveFailures++
	s.LastError = rep.FetchErr.Error()

	if rep.Throttled {
		st.throttles++
		penalty := time.Duration(st.throttles) * cfg.ThrottleStep
		if penalty > cfg.ThrottleMax {
			penalty = cfg.ThrottleMax
		}
		if hint, ok := source.RetryAfterHint(rep.FetchErr); ok && hint > penalty {
			penalty = hint
		}
		s.Penalty = penalty
		log.Warn("source throttled, backing off",
			logx.Duration("penalty", penalty),
			logx.Int("consecutive", st.throttles),
		)
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeSourceThrottled, Time: o.now(), Source: rep.Source, Data: penalty})
		return
	}

	log.Warn("source unavailable",
		logx.Int("consecutive_failures", s.ConsecutiveFailures),
		logx.Err(rep.FetchErr),
	)
	o.bus.Publish(eventbus.Event{Type: eventbus.TypeSourceUnavailable, Time: o.now(), Source: rep.Source, Data: s.ConsecutiveFailures})
	if err != nil {
		s.LastError = err.Error()
	}
}
