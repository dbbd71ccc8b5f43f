// Package app wires config, logging, storage, sinks, sources and the
// pipeline together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"ttbot/internal/config"
	"ttbot/internal/dispatch"
	"ttbot/internal/eventbus"
	"ttbot/internal/observability/status"
	"ttbot/internal/pipeline"
	"ttbot/internal/runtime/supervisor"
	"ttbot/internal/sink/logsink"
	"ttbot/internal/sink/telegram"
	"ttbot/internal/source"
	"ttbot/internal/storage"
	logx "ttbot/pkg/logx"
	"ttbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tg       *telegram.Sink // nil when nothing needs the Bot API
	sink     dispatch.Sink
	client   *http.Client
	registry *source.Registry
	orch     *pipeline.Orchestrator
	status   *status.Server // nil when disabled

	mu          sync.Mutex
	dispatchers map[string]*dispatch.Dispatcher
	applied     *config.Config
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start or RunOnce.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	// Telegram forwarding is attached once the sink exists.
	logSvc, root := logx.New(mapLogging(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	ps, err := mapPipeline(cfg)
	if err != nil {
		return nil, err
	}
	sources, err := mapSources(cfg, ps)
	if err != nil {
		return nil, err
	}

	a = &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         eventbus.New(),
		client:      &http.Client{},
		registry:    source.NewRegistry(ps.fetchTimeout),
		dispatchers: map[string]*dispatch.Dispatcher{},
		applied:     cfg,
	}

	sinkKind := strings.ToLower(strings.TrimSpace(cfg.Sink.Kind))
	if sinkKind != "log" || cfg.Logging.Telegram.Enabled {
		tcfg, err := mapTelegram(cfg)
		if err != nil {
			return nil, err
		}
		a.tg, err = telegram.New(tcfg, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		logSvc.SetSender(a.tg)
	}
	if sinkKind == "log" {
		a.sink = logsink.New(root.With(logx.String("comp", "sink")))
	} else {
		a.sink = a.tg
	}

	scfg, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(scfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer func() {
		if err != nil {
			_ = a.store.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", scfg.Driver))

	a.orch = pipeline.New(a.store, a.registry, ps.orchestrator,
		pipeline.WithLogger(root.With(logx.String("comp", "pipeline"))),
		pipeline.WithBus(a.bus),
	)
	for _, s := range sources {
		if err := a.addSource(root, s); err != nil {
			return nil, err
		}
	}
	if cfg.Status.Enabled {
		stcfg, err := mapStatus(cfg)
		if err != nil {
			return nil, err
		}
		a.status = status.New(stcfg, func() any { return a.orch.Snapshot() }, root.With(logx.String("comp", "status")))
	}
	log.Info("app configured", logx.Int("sources", len(sources)), logx.String("sink", sinkName(sinkKind)))
	return a, nil
}

func (a *App) addSource(root logx.Logger, s sourceSettings) error {
	f, err := source.New(s.fetch, a.client)
	if err != nil {
		return err
	}
	d, err := dispatch.New(a.store, a.sink, s.deliver,
		dispatch.WithLogger(root.With(logx.String("comp", "dispatch"))),
		dispatch.WithBus(a.bus),
	)
	if err != nil {
		return fmt.Errorf("sources[%s]: %w", s.fetch.Name, err)
	}
	if err := a.orch.AddSource(pipeline.Source{
		Name:       s.fetch.Name,
		Schedule:   s.schedule,
		BatchSize:  s.batch,
		Dispatcher: d,
	}); err != nil {
		return err
	}
	a.registry.Register(s.fetch.Name, f)
	a.dispatchers[s.fetch.Name] = d
	return nil
}

func sinkName(kind string) string {
	if kind == "" {
		return "telegram"
	}
	return kind
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Snapshot reports the state of every source loop.
func (a *App) Snapshot() []pipeline.SourceState { return a.orch.Snapshot() }

// Start launches the source loops, the config watcher and the reload fan-out.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		ps, err := mapPipeline(cfg)
		if err != nil {
			return err
		}
		specs, err := mapSources(cfg, ps)
		if err != nil {
			return err
		}
		for _, s := range specs {
			if _, err := dispatch.NewRenderer(s.deliver.Template); err != nil {
				return fmt.Errorf("sources[%s].template: %w", s.fetch.Name, err)
			}
		}
		return nil
	})

	if err := a.orch.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("source", e.Source), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(cfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.status != nil {
		a.sup.GoRestart("status.http", a.status.Serve, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c, a.log); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	})
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started")
	return nil
}

// RunOnce runs one cycle of every source and returns. Fetch failures are
// logged; store failures are returned.
func (a *App) RunOnce(ctx context.Context) error {
	var errs []error
	for _, st := range a.orch.Snapshot() {
		rep, err := a.orch.RunCycle(ctx, st.Name)
		fields := []logx.Field{
			logx.String("source", st.Name),
			logx.Int("fetched", rep.Fetched),
			logx.Int("discovered", rep.Discovered),
			logx.Int("delivered", rep.Delivery.Delivered),
			logx.Int("failed", rep.Delivery.Failed),
			logx.Int("pending", rep.Delivery.Pending+rep.Delivery.Deferred),
		}
		if rep.FetchErr != nil {
			fields = append(fields, logx.String("fetch_err", rep.FetchErr.Error()))
		}
		a.log.Info("cycle finished", fields...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
		}
	}
	return errors.Join(errs...)
}

// applyConfig pushes a committed config into the running components and
// returns what could not be applied without a restart.
func (a *App) applyConfig(cfg *config.Config) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	ch := config.Diff(a.applied, cfg)
	a.applied = cfg
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return nil
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)...)

	a.logs.Apply(mapLogging(cfg))

	restart := ch.RestartRequired()
	ps, err := mapPipeline(cfg)
	if err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
		return restart
	}
	specs, err := mapSources(cfg, ps)
	if err != nil {
		a.log.Warn("invalid sources config; keeping previous", logx.Err(err))
		return restart
	}
	a.registry.SetTimeout(ps.fetchTimeout)

	changed := map[string]bool{}
	for _, name := range ch.SourcesChanged {
		changed[name] = true
	}
	srcs := make([]pipeline.Source, 0, len(specs))
	for _, s := range specs {
		name := s.fetch.Name
		srcs = append(srcs, pipeline.Source{Name: name, Schedule: s.schedule, BatchSize: s.batch})
		d, ok := a.dispatchers[name]
		if !ok || !changed[name] {
			continue
		}
		if err := d.Reconfigure(s.deliver); err != nil {
			a.log.Warn("dispatcher reconfigure failed", logx.String("source", name), logx.Err(err))
		}
		f, err := source.New(s.fetch, a.client)
		if err != nil {
			a.log.Warn("fetcher rebuild failed", logx.String("source", name), logx.Err(err))
			continue
		}
		a.registry.Register(name, f)
	}
	if pending := a.orch.Reconfigure(ps.orchestrator, srcs); len(pending) > 0 {
		a.log.Warn("source set changed; restart required", logx.String("sources", strings.Join(pending, ",")))
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)...)
	return restart
}

// Stop shuts down in order: source loops, background goroutines, storage,
// logging. Every step is bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	if a.sup != nil {
		a.sup.Cancel()
	}

	budget := a.deliveryBudget()
	a.step(ctx, "pipeline", budget, func(c context.Context) error { return a.orch.Stop(c) })
	// a send outlives the loop that started it; its commit needs the store
	a.step(ctx, "dispatch", budget, a.drain)
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// StopTimeout is a deadline for Stop that lets in-flight deliveries commit.
func (a *App) StopTimeout() time.Duration {
	return a.deliveryBudget() + 5*time.Second
}

func (a *App) deliveryBudget() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	budget := 10 * time.Second
	for _, d := range a.dispatchers {
		if b := d.StopBudget(); b > budget {
			budget = b
		}
	}
	return budget
}

func (a *App) drain(ctx context.Context) error {
	a.mu.Lock()
	ds := make([]*dispatch.Dispatcher, 0, len(a.dispatchers))
	for _, d := range a.dispatchers {
		ds = append(ds, d)
	}
	a.mu.Unlock()
	for _, d := range ds {
		if err := d.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
