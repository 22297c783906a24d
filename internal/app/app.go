// Package app is the composition root: it builds every component from the
// config file, starts and stops them in order and applies hot reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"smsmaster/internal/config"
	"smsmaster/internal/credentials"
	"smsmaster/internal/dispatch"
	"smsmaster/internal/httpserver"
	"smsmaster/internal/notify"
	"smsmaster/internal/provider"
	"smsmaster/internal/ratelimit"
	"smsmaster/internal/render"
	rtsup "smsmaster/internal/runtime/supervisor"
	"smsmaster/internal/scheduler"
	"smsmaster/internal/storage"
	logx "smsmaster/pkg/logx"
)

type App struct {
	cfgm  *config.ConfigManager
	clock clockwork.Clock
	fs    afero.Fs

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	creds    credentials.Writer
	limiter  *ratelimit.Limiter
	registry *provider.Registry
	breaker  *dispatch.Breaker
	worker   *dispatch.Worker
	pool     *dispatch.Pool
	catalog  *render.Catalog
	sched    *scheduler.Loop
	bus      *notify.Bus
	notif    *notify.Service
	amqp     *notify.AMQPPublisher
	http     *httpserver.Server

	mu           sync.Mutex
	sup          *rtsup.Supervisor
	schedEnabled bool
	schedRunning bool
}

// Option adjusts construction. Tests use them to swap the clock or the
// filesystem the catalog is read from.
type Option func(*App)

func WithClock(c clockwork.Clock) Option { return func(a *App) { a.clock = c } }

func WithFs(fs afero.Fs) Option { return func(a *App) { a.fs = fs } }

// New loads cfgPath and wires every component without starting any of them.
// One-shot commands use the facade and Close; the daemon calls Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, clock: clockwork.NewRealClock(), fs: afero.NewOsFs()}
	for _, o := range opts {
		o(a)
	}

	logSvc, log := logx.New(mapLogConfig(cfg), logx.WithFs(a.fs))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	if err := a.build(ctx, cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	ds, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	schedCfg, schedEnabled, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}

	creds, err := credentials.Open(mapCredentialsConfig(cfg))
	if err != nil {
		return err
	}
	a.creds = creds

	a.limiter = ratelimit.New(a.clock)
	a.registry = provider.NewRegistry(a.limiter)
	if err := a.applyProviders(cfg); err != nil {
		return err
	}

	a.catalog = render.NewCatalog()
	if err := a.loadCatalog(cfg); err != nil {
		return err
	}

	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store

	a.bus = notify.NewBus()
	a.breaker = dispatch.NewBreaker(ds.breaker)
	a.worker = dispatch.NewWorker(dispatch.Deps{
		Store:    store,
		History:  store,
		Registry: a.registry,
		Limiter:  a.limiter,
		Breaker:  a.breaker,
		Sink:     a.bus,
		Clock:    a.clock,
		Log:      log.With(logx.String("comp", "dispatch")),
	}, ds.worker)
	a.pool = dispatch.NewPool(a.worker, ds.pool, log.With(logx.String("comp", "dispatch")))

	a.sched = scheduler.New(scheduler.Deps{
		Store:    store,
		Queue:    a.pool,
		Registry: a.registry,
		Resolver: render.New(a.catalog, a.catalog),
		Sink:     a.bus,
		Clock:    a.clock,
		Log:      log.With(logx.String("comp", "scheduler")),
	}, schedCfg)
	a.schedEnabled = schedEnabled

	ncfg, acfg := mapNotifyConfig(cfg)
	a.notif = notify.New(a.bus, ncfg, log.With(logx.String("comp", "notify")))
	if cfg.Notify.LogEnabled() {
		a.notif.Add("log", notify.LogSink{Log: log.With(logx.String("comp", "outcome"))})
	}
	if cfg.Notify.AMQP.Enabled {
		a.amqp = notify.NewAMQPPublisher(acfg, log.With(logx.String("comp", "amqp")))
		a.notif.Add("amqp", a.amqp)
	}

	if cfg.HTTP.Enabled {
		addr, rt, err := cfg.HTTP.Resolve()
		if err != nil {
			return err
		}
		a.http = httpserver.New(httpserver.Config{Addr: addr, ReadTimeout: rt, Pprof: cfg.HTTP.Pprof}, log.With(logx.String("comp", "http")))
		a.http.AddCheck("storage", store.Ping)
		a.http.AddCheck("dispatch", func(context.Context) error { return a.pool.Err() })
		a.http.AddCheck("scheduler", func(context.Context) error { return a.sched.Err() })
		a.http.SetStatus(a.Status)
	}
	return nil
}

func (a *App) loadCatalog(cfg *config.Config) error {
	p := strings.TrimSpace(cfg.Catalog)
	if p == "" {
		return nil
	}
	if err := a.catalog.LoadFile(a.fs, p); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	nt, nc := a.catalog.Len()
	a.log.Info("catalog loaded", logx.String("path", p), logx.Int("templates", nt), logx.Int("contacts", nc))
	return nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the app supervisor.
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	return sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return nil
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sup := a.sup
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	// Sinks first so the first outcomes are not lost; the scheduler last so
	// nothing is claimed before the pool can take it.
	a.notif.Start(sup.Context())
	a.pool.Start(sup.Context())
	if err := a.startScheduler(sup.Context()); err != nil {
		return err
	}
	if a.http != nil {
		if err := a.http.Start(sup.Context()); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	sup.Go("config.reload", a.reloadLoop)
	sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("providers", len(a.registry.List())),
		logx.Any("sinks", a.notif.Sinks()),
	)
	return nil
}

func (a *App) startScheduler(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.schedEnabled || a.schedRunning {
		return nil
	}
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	a.schedRunning = true
	return nil
}

func (a *App) stopScheduler(ctx context.Context) {
	a.mu.Lock()
	running := a.schedRunning
	a.schedRunning = false
	a.mu.Unlock()
	if running {
		a.sched.Stop(ctx)
	}
}

// Stop shuts components down in reverse dependency order. In-flight sends
// get the dispatch step's budget to finish; whatever is still queued goes
// back to Pending.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.stopScheduler(c); return nil })
	step("dispatch", 10*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.http != nil {
		step("http", 2*time.Second, a.http.Stop)
	}
	sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.mu.Lock()
	a.sup = nil
	a.mu.Unlock()
	a.log.Info("stopped")
	return a.Close()
}

// Close releases storage, the broker connection and log files. It is what
// one-shot commands call instead of Stop.
func (a *App) Close() error {
	var errs []error
	if a.amqp != nil {
		errs = append(errs, a.amqp.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// validateReload rejects a new file before it is committed.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	for _, pc := range cfg.Providers {
		if _, err := buildClient(pc, a.creds, logx.Nop()); err != nil {
			return err
		}
	}
	if p := strings.TrimSpace(cfg.Catalog); p != "" {
		if err := render.NewCatalog().LoadFile(a.fs, p); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

// applyConfig pushes the live-tunable parts of cfg into running components.
func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if err := a.logs.Apply(mapLogConfig(cfg)); err != nil {
		a.log.Warn("log file unavailable, logging to console", logx.Err(err))
	}

	if err := a.applyProviders(cfg); err != nil {
		a.log.Warn("invalid providers config; keeping previous", logx.Err(err))
	}

	if ds, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.worker.Apply(ds.worker)
		a.breaker.Configure(ds.breaker)
	}

	if sc, enabled, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
		a.mu.Lock()
		was := a.schedEnabled
		a.schedEnabled = enabled
		a.mu.Unlock()
		switch {
		case was && !enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.stopScheduler(stopCtx)
			cancel()
		case !was && enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.startScheduler(ctx); err != nil {
				a.log.Error("scheduler start failed", logx.Err(err))
			}
		}
	}

	if err := a.loadCatalog(cfg); err != nil {
		a.log.Warn("catalog reload failed; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}
