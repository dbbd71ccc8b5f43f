// Package dispatch delivers content items to a messaging sink and commits each
// outcome to the item store.
//
// A retryable failure is retried with exponential backoff up to MaxAttempts
// within one batch; after that the item stays pending for a later cycle. Only
// a sink error wrapped with Permanent moves an item to failed_permanent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ttbot/internal/eventbus"
	"ttbot/internal/storage"
	logx "ttbot/pkg/logx"
)

// Sink sends one rendered message.
type Sink interface {
	Send(ctx context.Context, to Target, msg Message) error
}

// Config is the per-source delivery configuration.
type Config struct {
	Source   string
	Target   Target
	Template string
	Retry    RetryPolicy
	// RatePerMinute <= 0 disables the local ceiling.
	RatePerMinute float64
	// RateBurst defaults to RatePerMinute.
	RateBurst   int
	SendTimeout time.Duration
}

// BatchReport summarizes DeliverBatch.
type BatchReport struct {
	Delivered int
	Failed    int // failed_permanent
	Pending   int // retries exhausted, still pending
	Deferred  int // not attempted: rate ceiling or stop
	Skipped   int
}

func (r BatchReport) Attempted() int { return r.Delivered + r.Failed + r.Pending }

const (
	defaultSendTimeout = 30 * time.Second
	commitTries        = 3
	commitBackoff      = 200 * time.Millisecond
	commitTimeout      = 10 * time.Second
)

type Dispatcher struct {
	store   storage.Store
	sink    Sink
	log     logx.Logger
	bus     eventbus.Bus
	sleeper Sleeper

	mu       sync.RWMutex
	cfg      Config
	renderer *Renderer
	limiter  *rate.Limiter

	inflightMu sync.Mutex
	inflight   map[string]struct{}
	idle       chan struct{} // closed while nothing is in flight
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(d *Dispatcher) { d.bus = bus } }

// WithSleeper replaces the backoff timer, mainly for tests.
func WithSleeper(s Sleeper) Option { return func(d *Dispatcher) { d.sleeper = s } }

func New(store storage.Store, sink Sink, cfg Config, opts ...Option) (*Dispatcher, error) {
	if store == nil || sink == nil {
		return nil, errors.New("dispatch: store and sink are required")
	}
	d := &Dispatcher{
		store:    store,
		sink:     sink,
		sleeper:  TimerSleeper,
		inflight: map[string]struct{}{},
		idle:     make(chan struct{}),
	}
	close(d.idle)
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.bus == nil {
		d.bus = eventbus.Nop{}
	}
	if err := d.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Reconfigure swaps template, retry policy and rate ceiling. Items already
// being delivered finish with the previous settings.
func (d *Dispatcher) Reconfigure(cfg Config) error {
	r, err := NewRenderer(cfg.Template)
	if err != nil {
		return err
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.renderer = r
	if cfg.RatePerMinute <= 0 {
		d.limiter = nil
		return nil
	}
	limit := rate.Limit(cfg.RatePerMinute / 60)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = int(cfg.RatePerMinute)
	}
	if burst < 1 {
		burst = 1
	}
	if d.limiter == nil {
		d.limiter = rate.NewLimiter(limit, burst)
	} else {
		d.limiter.SetLimit(limit)
		d.limiter.SetBurst(burst)
	}
	return nil
}

func (d *Dispatcher) snapshot() (Config, *Renderer, *rate.Limiter) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.renderer, d.limiter
}

// DeliverBatch delivers items in order. It stops early, counting the rest as
// deferred, when the rate ceiling is reached or ctx is done. A non-nil error
// means the store could not record an outcome and the batch was aborted.
func (d *Dispatcher) DeliverBatch(ctx context.Context, items []storage.ContentItem) (BatchReport, error) {
	var rep BatchReport
	_, _, limiter := d.snapshot()
	for i, item := range items {
		if ctx.Err() != nil {
			rep.Deferred += len(items) - i
			break
		}
		if limiter != nil && !limiter.Allow() {
			rep.Deferred += len(items) - i
			d.log.Debug("rate ceiling reached, deferring rest of batch", logx.Int("deferred", len(items)-i))
			break
		}
		out, err := d.Deliver(ctx, item)
		switch out {
		case OutcomeSuccess:
			rep.Delivered++
		case OutcomePermanent:
			rep.Failed++
		case OutcomeRetryable:
			rep.Pending++
		case OutcomeSkipped:
			rep.Skipped++
		}
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// Deliver sends one item, retrying retryable failures, and commits every
// attempt to the store. The returned error is a store failure only.
func (d *Dispatcher) Deliver(ctx context.Context, item storage.ContentItem) (Outcome, error) {
	if !d.claim(item.Ref) {
		return OutcomeSkipped, nil
	}
	defer d.release(item.Ref)

	cfg, renderer, _ := d.snapshot()
	log := d.log.With(logx.String("source", item.SourceName), logx.String("item", item.SourceID))

	var rec storage.DeliveryRecord
	err := d.withStore(ctx, func(c context.Context) (err error) {
		rec, err = d.store.Record(c, item.Ref)
		return err
	})
	if err != nil {
		return OutcomeSkipped, d.storeError(log, "read record", err)
	}
	if rec.Status != storage.StatusPending {
		return OutcomeSkipped, nil
	}

	msg, err := renderer.Render(item)
	if err != nil {
		log.Warn("render failed", logx.Err(err))
		if cerr := d.withStore(ctx, func(c context.Context) error {
			return d.store.MarkFailed(c, item.Ref, true, err.Error())
		}); cerr != nil {
			return OutcomePermanent, d.storeError(log, "mark failed", cerr)
		}
		d.publish(eventbus.TypeItemFailed, item, err)
		return OutcomePermanent, nil
	}

	for attempt := 1; ; attempt++ {
		sendErr := d.send(ctx, cfg, msg)
		out := Classify(sendErr)

		switch out {
		case OutcomeSuccess:
			if err := d.withStore(ctx, func(c context.Context) error { return d.store.MarkDelivered(c, item.Ref) }); err != nil {
				return out, d.storeError(log, "mark delivered", err)
			}
			log.Info("item delivered", logx.Int("attempt", attempt))
			d.publish(eventbus.TypeItemDelivered, item, nil)
			return out, nil

		case OutcomePermanent:
			if err := d.withStore(ctx, func(c context.Context) error {
				return d.store.MarkFailed(c, item.Ref, true, reason(sendErr))
			}); err != nil {
				return out, d.storeError(log, "mark failed", err)
			}
			log.Warn("item rejected by sink", logx.Int("attempt", attempt), logx.Err(sendErr))
			d.publish(eventbus.TypeItemFailed, item, sendErr)
			return out, nil
		}

		if err := d.withStore(ctx, func(c context.Context) error {
			return d.store.MarkFailed(c, item.Ref, false, reason(sendErr))
		}); err != nil {
			return out, d.storeError(log, "mark failed", err)
		}
		if attempt >= cfg.Retry.MaxAttempts {
			log.Warn("retries exhausted, item stays pending", logx.Int("attempts", attempt), logx.Err(sendErr))
			return out, nil
		}

		delay := cfg.Retry.Delay(attempt)
		if hint, ok := retryAfterHint(sendErr); ok {
			if hint > cfg.Retry.MaxDelay {
				log.Warn("sink asked to wait longer than max delay, leaving item pending",
					logx.Duration("retry_after", hint), logx.Duration("max_delay", cfg.Retry.MaxDelay))
				return out, nil
			}
			if hint > delay {
				delay = hint
			}
		}
		log.Debug("delivery retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(sendErr))
		if err := d.sleeper.Sleep(ctx, delay); err != nil {
			return out, nil
		}
	}
}

// send runs on a context detached from ctx cancellation so Stop never aborts
// a message mid-flight; SendTimeout still bounds it.
func (d *Dispatcher) send(ctx context.Context, cfg Config, msg Message) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
	defer cancel()
	return d.sink.Send(sendCtx, cfg.Target, msg)
}

// withStore runs a store call detached from shutdown and retries transient
// failures briefly. Not-found and illegal transitions are not transient.
func (d *Dispatcher) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	var err error
	for try := 0; try < commitTries; try++ {
		if err = fn(cctx); err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrIllegalTransition) {
			return err
		}
		if try == commitTries-1 {
			break
		}
		if serr := d.sleeper.Sleep(cctx, commitBackoff<<try); serr != nil {
			break
		}
	}
	return err
}

// storeError logs invariant violations and passes connectivity failures up.
func (d *Dispatcher) storeError(log logx.Logger, op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrIllegalTransition) {
		log.Error("store invariant violated", logx.String("op", op), logx.Err(err))
		return nil
	}
	log.Error("store unavailable", logx.String("op", op), logx.Err(err))
	return fmt.Errorf("%s: %w", op, err)
}

// Drain waits until no item is being delivered or ctx ends. Sends and
// commits already started keep running after their caller is canceled, so
// the store must outlive them.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.inflightMu.Lock()
	idle := d.idle
	d.inflightMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopBudget is the longest a delivery started before cancellation can still
// take: a record read, one send and one commit.
func (d *Dispatcher) StopBudget() time.Duration {
	cfg, _, _ := d.snapshot()
	return cfg.SendTimeout + 2*commitTimeout
}

func (d *Dispatcher) claim(ref string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, busy := d.inflight[ref]; busy {
		return false
	}
	if len(d.inflight) == 0 {
		d.idle = make(chan struct{})
	}
	d.inflight[ref] = struct{}{}
	return true
}

func (d *Dispatcher) release(ref string) {
	d.inflightMu.Lock()
	delete(d.inflight, ref)
	if len(d.inflight) == 0 {
		close(d.idle)
	}
	d.inflightMu.Unlock()
}

type ItemEvent struct {
	Ref      string `json:"ref"`
	SourceID string `json:"source_id"`
	Error    string `json:"error,omitempty"`
}

func (d *Dispatcher) publish(typ string, item storage.ContentItem, err error) {
	ev := ItemEvent{Ref: item.Ref, SourceID: item.SourceID}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Source: item.SourceName, Data: ev})
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	if isTimeout(err) {
		return "send timeout: " + err.Error()
	}
	return err.Error()
}
