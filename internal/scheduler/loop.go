// Package scheduler owns the due-time scan and the scheduling API.
//
// The loop claims due rows with a Pending -> Dispatching compare-and-swap and
// hands them to the dispatch queue. It never waits on a send.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"smsmaster/internal/dispatch"
	"smsmaster/internal/domain"
	"smsmaster/internal/provider"
	rtsup "smsmaster/internal/runtime/supervisor"
	"smsmaster/internal/storage"
	logx "smsmaster/pkg/logx"
)

// Enqueuer accepts claimed jobs without blocking.
type Enqueuer interface {
	Enqueue(job dispatch.Job) error
}

// Resolver turns template/contact references into the send-time recipient
// and body.
type Resolver interface {
	Resolve(ctx context.Context, m domain.ScheduledMessage) (recipient, body string, err error)
}

type Config struct {
	Tick      time.Duration
	BatchSize int
	// Retention prunes finished one-off rows older than this. Zero keeps them.
	Retention time.Duration
	// ClaimLease is how long a row may stay Dispatching before the loop
	// hands it back to Pending. It must outlast the longest occurrence.
	ClaimLease time.Duration
	Location   *time.Location
}

const (
	defaultTick       = 30 * time.Second
	defaultBatchSize  = 100
	defaultClaimLease = 15 * time.Minute
	pruneEvery        = time.Minute
	recoverEvery      = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = defaultClaimLease
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Deps wires a Loop. Resolver, Sink, Clock and Log are optional.
type Deps struct {
	Store    storage.Store
	Queue    Enqueuer
	Registry *provider.Registry
	Resolver Resolver
	Sink     dispatch.Sink
	Clock    clockwork.Clock
	Log      logx.Logger
}

// Loop is the single scheduling authority of the process.
type Loop struct {
	store    storage.Store
	queue    Enqueuer
	registry *provider.Registry
	resolver Resolver
	sink     dispatch.Sink
	clock    clockwork.Clock
	log      logx.Logger
	newID    func() string

	applyMu sync.Mutex

	mu          sync.Mutex
	cfg         Config
	stopCh      chan struct{}
	stopDone    chan struct{}
	sup         *rtsup.Supervisor
	retick      chan time.Duration
	lastPrune   time.Time
	lastRecover time.Time
}

func New(d Deps, cfg Config) *Loop {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return &Loop{
		store:    d.Store,
		queue:    d.Queue,
		registry: d.Registry,
		resolver: d.Resolver,
		sink:     d.Sink,
		clock:    d.Clock,
		log:      d.Log,
		newID:    uuid.NewString,
		cfg:      cfg.withDefaults(),
		retick:   make(chan time.Duration, 1),
	}
}

func (l *Loop) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Apply swaps the loop settings. A new tick takes effect immediately.
// It never blocks, whether or not the loop is running.
func (l *Loop) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.applyMu.Lock()
	defer l.applyMu.Unlock()
	l.mu.Lock()
	old := l.cfg.Tick
	l.cfg = cfg
	l.mu.Unlock()
	if cfg.Tick == old {
		return
	}
	// A pending retick is replaced by the latest value. applyMu makes this
	// goroutine the only sender, so the slot is free after the drain.
	select {
	case <-l.retick:
	default:
	}
	select {
	case l.retick <- cfg.Tick:
	default:
	}
}

// Start recovers claims left by a crashed process and starts ticking.
// It is idempotent.
func (l *Loop) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.stopCh != nil {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	now := l.clock.Now()
	n, err := l.store.RecoverDispatching(ctx, now.Add(time.Nanosecond), now)
	if err != nil {
		return err
	}
	if n > 0 {
		l.log.Warn("recovered interrupted dispatches", logx.Int("count", n))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopCh != nil {
		return nil
	}
	l.stopCh = make(chan struct{})
	l.stopDone = nil
	stopCh := l.stopCh
	l.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(l.log),
		rtsup.WithCancelOnError(false),
	)
	l.sup.GoRestart("scheduler.loop", func(c context.Context) error {
		l.run(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("scheduler loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)
	l.log.Info("scheduler started", logx.Duration("tick", l.cfg.Tick), logx.Int("batch", l.cfg.BatchSize))
	return nil
}

func (l *Loop) run(ctx context.Context, stopCh <-chan struct{}) {
	tick := l.config().Tick
	t := l.clock.NewTicker(tick)
	defer t.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case d := <-l.retick:
			if d != tick {
				tick = d
				t.Reset(d)
				l.log.Info("scheduler tick changed", logx.Duration("tick", d))
			}
		case <-t.Chan():
			l.Tick(ctx)
		}
	}
}

// Stop waits for the current tick to finish, bounded by ctx.
func (l *Loop) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.stopCh == nil {
		l.mu.Unlock()
		return
	}
	if l.stopDone != nil {
		done := l.stopDone
		l.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	l.stopDone = done
	close(l.stopCh)
	sup := l.sup
	l.mu.Unlock()

	go func() {
		_ = sup.Wait(context.Background())
		sup.Cancel()
		l.mu.Lock()
		l.stopCh = nil
		l.stopDone = nil
		l.sup = nil
		l.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		l.log.Info("scheduler stopped")
	case <-ctx.Done():
		sup.Cancel()
		l.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Err is the first loop failure, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	sup := l.sup
	l.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Tick runs one scan. It is safe to call concurrently with itself and with
// the running loop: the status CAS keeps each occurrence single-flight.
// Store errors are logged and reported; the next tick starts fresh.
func (l *Loop) Tick(ctx context.Context) (claimed int, err error) {
	cfg := l.config()
	now := l.clock.Now()

	l.maybeRecover(ctx, cfg, now)

	due, err := l.store.ListDue(ctx, now, cfg.BatchSize)
	if err != nil {
		ticksTotal.WithLabelValues("error").Inc()
		l.log.Error("scheduler tick failed", logx.Err(err))
		return 0, err
	}

	for _, m := range due {
		ok, err := l.store.TryTransition(ctx, m.ID, domain.StatusPending, domain.StatusDispatching, now)
		if err != nil {
			l.log.Warn("claim failed", logx.MsgID(m.ID), logx.Err(err))
			continue
		}
		if !ok {
			// Claimed by a concurrent tick, or canceled since the scan.
			continue
		}
		m.Status = domain.StatusDispatching
		m.UpdatedAt = now

		recipient, body, err := l.resolve(ctx, m)
		if err != nil {
			l.failUnresolvable(ctx, m, err)
			continue
		}

		if err := l.queue.Enqueue(dispatch.Job{Message: m, Recipient: recipient, Body: body, Enqueued: now}); err != nil {
			l.unclaim(ctx, m, err)
			if errors.Is(err, dispatch.ErrQueueFull) {
				break
			}
			continue
		}
		claimed++
	}
	claimedTotal.Add(float64(claimed))
	ticksTotal.WithLabelValues("ok").Inc()
	if claimed > 0 {
		l.log.Debug("scheduler tick", logx.Int("due", len(due)), logx.Int("claimed", claimed))
	}

	l.maybePrune(ctx, cfg, now)
	return claimed, nil
}

func (l *Loop) resolve(ctx context.Context, m domain.ScheduledMessage) (string, string, error) {
	if l.resolver != nil {
		return l.resolver.Resolve(ctx, m)
	}
	if m.TemplateID != "" || m.ContactID != "" {
		return "", "", errors.New("message references a template or contact but no resolver is configured")
	}
	return m.Recipient, m.Body, nil
}

// unclaim hands the row back so the next tick retries it.
func (l *Loop) unclaim(ctx context.Context, m domain.ScheduledMessage, cause error) {
	m.Status = domain.StatusPending
	if _, err := storage.WriteBack(ctx, l.store, m, domain.StatusDispatching); err != nil {
		l.log.Error("unclaim failed", logx.MsgID(m.ID), logx.Err(err))
		return
	}
	l.log.Warn("dispatch queue rejected job, retrying next tick", logx.MsgID(m.ID), logx.Err(cause))
}

// failUnresolvable ends an occurrence whose template or contact cannot be
// rendered. It leaves a history row like any other terminal failure.
func (l *Loop) failUnresolvable(ctx context.Context, m domain.ScheduledMessage, cause error) {
	now := l.clock.Now()
	if err := l.store.Record(ctx, domain.DispatchAttempt{
		ID:         l.newID(),
		MessageID:  m.ID,
		Occurrence: m.NextRunTime,
		Index:      1,
		At:         now,
		Outcome:    domain.AttemptTerminalFailure,
		Error:      "render: " + cause.Error(),
	}); err != nil {
		l.log.Error("history write failed", logx.MsgID(m.ID), logx.Err(err))
	}
	m.Status = domain.StatusFailed
	m.LastError = "render: " + cause.Error()
	m.LastRunAt = now
	m.UpdatedAt = now
	if _, err := storage.WriteBack(ctx, l.store, m, domain.StatusDispatching); err != nil {
		l.log.Error("finalize failed", logx.MsgID(m.ID), logx.Err(err))
	}
	l.log.Warn("message cannot be rendered", logx.MsgID(m.ID), logx.Err(cause))
	l.notify(ctx, domain.Outcome{
		Event:      domain.EventFailed,
		MessageID:  m.ID,
		Owner:      m.Owner,
		Occurrence: m.NextRunTime,
		Error:      m.LastError,
		At:         now,
	})
}

// maybeRecover hands back claims older than the lease. They belong to
// occurrences whose final write never landed.
func (l *Loop) maybeRecover(ctx context.Context, cfg Config, now time.Time) {
	l.mu.Lock()
	if !l.lastRecover.IsZero() && now.Sub(l.lastRecover) < recoverEvery {
		l.mu.Unlock()
		return
	}
	l.lastRecover = now
	l.mu.Unlock()

	n, err := l.store.RecoverDispatching(ctx, now.Add(-cfg.ClaimLease), now)
	if err != nil {
		l.log.Warn("claim recovery failed", logx.Err(err))
		return
	}
	if n > 0 {
		recoveredTotal.Add(float64(n))
		l.log.Warn("recovered expired claims", logx.Int("count", n), logx.Duration("lease", cfg.ClaimLease))
	}
}

func (l *Loop) maybePrune(ctx context.Context, cfg Config, now time.Time) {
	if cfg.Retention <= 0 {
		return
	}
	l.mu.Lock()
	if !l.lastPrune.IsZero() && now.Sub(l.lastPrune) < pruneEvery {
		l.mu.Unlock()
		return
	}
	l.lastPrune = now
	l.mu.Unlock()

	n, err := l.store.Prune(ctx, now.Add(-cfg.Retention))
	if err != nil {
		l.log.Warn("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		l.log.Info("pruned finished messages", logx.Int("count", n), logx.Duration("retention", cfg.Retention))
	}
}

func (l *Loop) notify(ctx context.Context, o domain.Outcome) {
	if l.sink != nil {
		l.sink.Notify(ctx, o)
	}
}
