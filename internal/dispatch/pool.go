package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"smsmaster/internal/domain"
	rtsup "smsmaster/internal/runtime/supervisor"
	"smsmaster/internal/storage"
	logx "smsmaster/pkg/logx"
)

var (
	ErrStopped   = errors.New("dispatch pool stopped")
	ErrStopping  = errors.New("dispatch pool stopping")
	ErrQueueFull = errors.New("dispatch queue full")
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
)

// PoolConfig sizes the pool. Both values are read on Start only.
type PoolConfig struct {
	Workers   int
	QueueSize int
}

// Pool is the bounded dispatch queue drained by a fixed set of workers.
type Pool struct {
	worker *Worker
	store  Store
	log    logx.Logger

	mu       sync.Mutex
	cfg      PoolConfig
	q        chan Job
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *rtsup.Supervisor
}

func NewPool(w *Worker, cfg PoolConfig, log logx.Logger) *Pool {
	return &Pool{worker: w, store: w.store, cfg: cfg, log: log}
}

func (p *Pool) Worker() *Worker { return p.worker }

// Start launches the workers. It is idempotent; a Start during Stop waits for
// the stop to finish first.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		done := p.stopDone
		p.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		if p.stopCh != nil {
			p.mu.Unlock()
			return
		}
	}

	cfg := p.cfg
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	p.q = make(chan Job, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	queue, stopCh := p.q, p.stopCh

	p.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log),
		// A dead worker must not take the scheduler down with it.
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i), func(c context.Context) error {
			p.run(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}
	p.log.Info("dispatch pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

func (p *Pool) run(ctx context.Context, stopCh <-chan struct{}, queue chan Job) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job := <-queue:
			queueDepth.Set(float64(len(queue)))
			p.worker.Dispatch(ctx, job)
		}
	}
}

// Enqueue hands a claimed job to the pool without blocking. The send happens
// under the pool lock, so a job accepted here is seen either by a worker or
// by the drain in Stop.
func (p *Pool) Enqueue(job Job) error {
	if job.Enqueued.IsZero() {
		job.Enqueued = p.worker.clock.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q == nil || p.stopCh == nil {
		return ErrStopped
	}
	if p.stopDone != nil {
		return ErrStopping
	}
	select {
	case p.q <- job:
		queueDepth.Set(float64(len(p.q)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Len is the number of queued, not yet started, jobs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.q)
}

// Err is the first worker failure, if any, for readiness reporting.
func (p *Pool) Err() error {
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Stop lets in-flight sends finish until ctx expires, then cancels them.
// Jobs still queued are handed back as Pending.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup, queue := p.sup, p.q
	p.mu.Unlock()

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
			sup.Cancel()
		}
		p.drain(queue)
		p.mu.Lock()
		p.q = nil
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		queueDepth.Set(0)
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("dispatch pool stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		p.log.Warn("dispatch pool stop timed out, canceling in-flight sends", logx.Err(ctx.Err()))
		select {
		case <-done:
		case <-time.After(finalizeTimeout):
		}
	}
}

func (p *Pool) drain(queue chan Job) {
	for {
		select {
		case job := <-queue:
			m := job.Message
			m.Status = domain.StatusPending
			m.UpdatedAt = p.worker.clock.Now()
			ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
			if _, err := storage.WriteBack(ctx, p.store, m, domain.StatusDispatching); err != nil {
				p.log.Warn("release queued job failed", logx.MsgID(m.ID), logx.Err(err))
			}
			cancel()
		default:
			return
		}
	}
}
