package notify

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"smsmaster/internal/domain"
	rtsup "smsmaster/internal/runtime/supervisor"
	logx "smsmaster/pkg/logx"
)

// Deliverer hands one outcome to an external system.
type Deliverer interface {
	Deliver(ctx context.Context, o domain.Outcome) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, o domain.Outcome) error

func (f DelivererFunc) Deliver(ctx context.Context, o domain.Outcome) error { return f(ctx, o) }

type Config struct {
	// Buffer is the per-sink subscription size.
	Buffer        int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	return c
}

type target struct {
	name string
	d    Deliverer
}

// Service drains the bus into registered sinks, one supervised reader per
// sink. Sink failures are retried a few times, then logged and dropped.
type Service struct {
	bus *Bus
	log logx.Logger
	cfg Config

	mu       sync.Mutex
	targets  []target
	sup      *rtsup.Supervisor
	unsubs   []func()
	stopDone chan struct{}
}

func New(bus *Bus, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{bus: bus, log: log, cfg: cfg.withDefaults()}
}

// Add registers a sink. Sinks added after Start are picked up on the next
// Start.
func (s *Service) Add(name string, d Deliverer) {
	if d == nil {
		return
	}
	s.mu.Lock()
	s.targets = append(s.targets, target{name: name, d: d})
	s.mu.Unlock()
}

// Sinks lists the registered sink names.
func (s *Service) Sinks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	for _, t := range s.targets {
		ch, unsub := s.bus.Subscribe(s.cfg.Buffer)
		s.unsubs = append(s.unsubs, unsub)
		t := t
		s.sup.GoRestart("notify."+t.name, func(c context.Context) error {
			s.forward(c, t, ch)
			if c.Err() != nil {
				return c.Err()
			}
			// Channel closed by Stop.
			return context.Canceled
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notify started", logx.Any("sinks", s.names()))
}

func (s *Service) names() []string {
	out := make([]string, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t.name)
	}
	return out
}

func (s *Service) forward(ctx context.Context, t target, ch <-chan domain.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-ch:
			if !ok {
				return
			}
			s.deliver(ctx, t, o)
		}
	}
}

func (s *Service) deliver(ctx context.Context, t target, o domain.Outcome) {
	cfg := s.cfg
	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		err = t.d.Deliver(ctx, o)
		if err == nil {
			deliveredTotal.WithLabelValues(t.name, "ok").Inc()
			return
		}
		if ctx.Err() != nil || attempt == cfg.RetryMax {
			break
		}
		wait := backoff(cfg.RetryBase, cfg.RetryMaxDelay, attempt)
		s.log.Debug("notify retry",
			logx.String("sink", t.name),
			logx.MsgID(o.MessageID),
			logx.Int("attempt", attempt+1),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)
		select {
		case <-ctx.Done():
			attempt = cfg.RetryMax
		case <-time.After(wait):
		}
	}
	deliveredTotal.WithLabelValues(t.name, "error").Inc()
	s.log.Warn("notify delivery failed",
		logx.String("sink", t.name),
		logx.MsgID(o.MessageID),
		logx.String("event", string(o.Event)),
		logx.Err(err),
	)
}

// backoff is exponential with 20% jitter.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int63n(j + 1))
	}
	return d
}

// Stop closes every subscription, lets readers flush what is buffered and
// waits for them, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	sup := s.sup
	unsubs := s.unsubs
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}

	go func() {
		_ = sup.Wait(context.Background())
		sup.Cancel()
		s.mu.Lock()
		s.sup = nil
		s.unsubs = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("notify stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notify stop timed out", logx.Err(ctx.Err()))
	}
}

// Err is the first sink reader failure, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}
