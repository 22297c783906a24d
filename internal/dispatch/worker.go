package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"smsmaster/internal/domain"
	"smsmaster/internal/provider"
	"smsmaster/internal/ratelimit"
	"smsmaster/internal/storage"
	logx "smsmaster/pkg/logx"
)

// Store is the part of the schedule store the worker writes through.
type Store interface {
	Get(ctx context.Context, id string) (domain.ScheduledMessage, error)
	Update(ctx context.Context, m domain.ScheduledMessage, expect domain.Status) (bool, error)
}

// Recorder persists one row per provider call.
type Recorder interface {
	Record(ctx context.Context, a domain.DispatchAttempt) error
}

// Sink receives occurrence outcomes. Implementations must not block.
type Sink interface {
	Notify(ctx context.Context, o domain.Outcome)
}

// ErrNoProvider is the final error when no active gateway can reach the
// recipient.
var ErrNoProvider = errors.New("no active provider for recipient")

// Job is one claimed occurrence. Message is the stored row (already moved to
// Dispatching); Recipient and Body are the rendered values for this send.
type Job struct {
	Message   domain.ScheduledMessage
	Recipient string
	Body      string
	Enqueued  time.Time
}

// Result summarizes one occurrence.
type Result struct {
	MessageID         string
	Status            domain.Status
	Event             domain.OutcomeEvent
	Provider          string
	ProviderMessageID string
	Attempts          int
	NextRunTime       time.Time
	Err               error
}

func (r Result) Success() bool { return r.Err == nil && r.ProviderMessageID != "" }

// Settings are the live-tunable knobs. Apply swaps them atomically.
type Settings struct {
	ProviderTimeout time.Duration
	RateWaitBudget  time.Duration
	Retry           RetryPolicy
	// Location evaluates calendar recurrences. Nil means time.Local.
	Location *time.Location
}

const (
	defaultProviderTimeout = 15 * time.Second
	finalizeTimeout        = 5 * time.Second
)

// Deps wires a Worker. Breaker, Sink, Clock and Log are optional.
type Deps struct {
	Store    Store
	History  Recorder
	Registry *provider.Registry
	Limiter  *ratelimit.Limiter
	Breaker  *Breaker
	Sink     Sink
	Clock    clockwork.Clock
	Log      logx.Logger
}

// Worker runs one occurrence end to end: candidate selection, rate limit,
// provider call, retry or failover, history, and the final status write.
// It is safe for concurrent use by the pool goroutines.
type Worker struct {
	store    Store
	history  Recorder
	registry *provider.Registry
	limiter  *ratelimit.Limiter
	breaker  *Breaker
	sink     Sink
	clock    clockwork.Clock
	log      logx.Logger
	newID    func() string

	mu  sync.RWMutex
	set Settings
}

func NewWorker(d Deps, s Settings) *Worker {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.New(d.Clock)
	}
	return &Worker{
		store:    d.Store,
		history:  d.History,
		registry: d.Registry,
		limiter:  d.Limiter,
		breaker:  d.Breaker,
		sink:     d.Sink,
		clock:    d.Clock,
		log:      d.Log,
		newID:    uuid.NewString,
		set:      s,
	}
}

func (w *Worker) Apply(s Settings) {
	w.mu.Lock()
	w.set = s
	w.mu.Unlock()
}

func (w *Worker) settings() Settings {
	w.mu.RLock()
	s := w.set
	w.mu.RUnlock()
	return s.withDefaults()
}

// Longest bounds one occurrence over n candidate gateways, assuming every
// call times out after waiting the full rate budget and backing off at the
// cap. The scheduler's claim lease is derived from it.
func (s Settings) Longest(n int) time.Duration {
	s = s.withDefaults()
	if n < 1 {
		n = 1
	}
	perCall := s.ProviderTimeout + s.RateWaitBudget + s.Retry.Cap
	return time.Duration(n*s.Retry.MaxAttempts)*perCall + finalizeTimeout
}

func (s Settings) withDefaults() Settings {
	if s.ProviderTimeout <= 0 {
		s.ProviderTimeout = defaultProviderTimeout
	}
	if s.RateWaitBudget < 0 {
		s.RateWaitBudget = 0
	}
	s.Retry = s.Retry.withDefaults()
	if s.Location == nil {
		s.Location = time.Local
	}
	return s
}

// candidates orders gateways for this message. Providers whose circuit is
// open keep their relative order but move behind the healthy ones.
func (w *Worker) candidates(m domain.ScheduledMessage, recipient string, now time.Time) []provider.Client {
	all := w.registry.Candidates(m.ProviderHint(), recipient)
	if w.breaker == nil || len(all) < 2 {
		return all
	}
	healthy := make([]provider.Client, 0, len(all))
	var cooling []provider.Client
	for _, c := range all {
		if open, _ := w.breaker.Open(c.Name(), now); open {
			cooling = append(cooling, c)
			continue
		}
		healthy = append(healthy, c)
	}
	return append(healthy, cooling...)
}

// occurrence carries the per-run bookkeeping shared by the helpers below.
type occurrence struct {
	job      Job
	at       time.Time
	log      logx.Logger
	attempts int
	lastErr  error
	// shortestWait is the smallest limiter wait seen on a skipped candidate.
	shortestWait time.Duration
}

// Dispatch runs one occurrence and never returns before the message has left
// Dispatching (or the store refused the write, which is logged).
//
// ctx is the pool context: its cancellation means shutdown, and the claim is
// handed back as Pending so the next process picks it up.
func (w *Worker) Dispatch(ctx context.Context, job Job) Result {
	set := w.settings()
	m := job.Message
	oc := &occurrence{
		job: job,
		at:  m.NextRunTime,
		log: w.log.With(logx.MsgID(m.ID)),
	}

	cands := w.candidates(m, job.Recipient, w.clock.Now())
	if hint := m.ProviderHint(); hint != "" && (len(cands) == 0 || !strings.EqualFold(cands[0].Name(), hint)) {
		oc.log.Warn("requested provider unavailable, using auto order", logx.Provider(hint))
	}
	if len(cands) == 0 {
		oc.lastErr = ErrNoProvider
		return w.fail(ctx, oc)
	}

	for ci, c := range cands {
		name := c.Name()
		last := ci == len(cands)-1

		for attempt := 0; ; attempt++ {
			if res, stop := w.interrupted(ctx, oc); stop {
				return res
			}

			waited, ok, err := w.limiter.AcquireWithin(ctx, name, set.RateWaitBudget)
			if err != nil {
				return w.release(oc, err)
			}
			if !ok {
				if oc.shortestWait == 0 || waited < oc.shortestWait {
					oc.shortestWait = waited
				}
				oc.log.Debug("rate limited, skipping provider", logx.Provider(name), logx.Duration("wait", waited))
				break
			}
			recordRateWait(name, waited)
			if waited > 0 {
				if res, stop := w.interrupted(ctx, oc); stop {
					return res
				}
			}

			rec, err := w.attempt(ctx, oc, c, set.ProviderTimeout)
			if err == nil {
				return w.succeed(ctx, oc, set, name, rec)
			}
			oc.lastErr = err
			if ctx.Err() != nil {
				return w.release(oc, ctx.Err())
			}

			kind, code := provider.Classify(err)
			dec := set.Retry.Decide(kind, attempt, provider.RetryAfterHint(err), last)
			oc.log.Info("dispatch.failed",
				logx.Provider(name),
				logx.Attempt(oc.attempts),
				logx.String("kind", kind.String()),
				logx.String("code", string(code)),
				logx.String("next", dec.Action.String()),
				logx.Duration("delay", dec.Delay),
				logx.Err(err),
			)
			if dec.Action != ActionRetry {
				break
			}
			if err := w.sleep(ctx, dec.Delay); err != nil {
				return w.release(oc, err)
			}
		}
	}

	if oc.attempts == 0 && oc.shortestWait > 0 {
		return w.deferOccurrence(ctx, oc)
	}
	return w.fail(ctx, oc)
}

// interrupted checks for shutdown and user cancel between steps. Cancel is
// observed best-effort: a call already in flight is not preempted.
func (w *Worker) interrupted(ctx context.Context, oc *occurrence) (Result, bool) {
	if err := ctx.Err(); err != nil {
		return w.release(oc, err), true
	}
	cur, err := w.store.Get(ctx, oc.job.Message.ID)
	if err != nil {
		if ctx.Err() != nil {
			return w.release(oc, ctx.Err()), true
		}
		oc.log.Warn("cancel check failed", logx.Err(err))
		return Result{}, false
	}
	if cur.Status == domain.StatusDispatching && !superseded(cur, oc.job.Message) {
		return Result{}, false
	}
	if cur.Status == domain.StatusDispatching || cur.Status == domain.StatusPending {
		// The claim lease ran out and the loop handed the row back.
		oc.log.Warn("dispatch abandoned, claim was recovered", logx.Status(cur.Status), logx.Int("attempts", oc.attempts))
		recordOccurrence("superseded")
		return Result{MessageID: cur.ID, Status: cur.Status, Attempts: oc.attempts}, true
	}
	oc.log.Info("dispatch aborted", logx.Status(cur.Status), logx.Int("attempts", oc.attempts))
	recordOccurrence("aborted")
	return Result{
		MessageID: cur.ID,
		Status:    cur.Status,
		Event:     domain.EventCanceled,
		Attempts:  oc.attempts,
	}, true
}

// claimSkew absorbs timestamp truncation by the backends.
const claimSkew = time.Second

// superseded reports whether the stored claim is newer than the one this job
// carries. A job without a claim stamp is never superseded.
func superseded(cur, claimed domain.ScheduledMessage) bool {
	if claimed.UpdatedAt.IsZero() {
		return false
	}
	return cur.UpdatedAt.Sub(claimed.UpdatedAt) > claimSkew
}

// attempt makes one provider call and writes its history row.
func (w *Worker) attempt(ctx context.Context, oc *occurrence, c provider.Client, timeout time.Duration) (provider.Receipt, error) {
	name := c.Name()
	oc.attempts++
	start := w.clock.Now()
	rec, err := w.call(ctx, oc, c, timeout)
	dur := w.clock.Since(start)

	w.breaker.Record(name, w.clock.Now(), err)

	row := domain.DispatchAttempt{
		ID:         w.newID(),
		MessageID:  oc.job.Message.ID,
		Occurrence: oc.at,
		Index:      oc.attempts,
		Provider:   name,
		At:         start,
		Duration:   dur,
		Outcome:    domain.AttemptSuccess,
	}
	switch kind, _ := provider.Classify(err); {
	case err == nil:
		row.ProviderMessageID = rec.MessageID
	case kind == provider.KindPermanent:
		row.Outcome = domain.AttemptTerminalFailure
		row.Error = err.Error()
	default:
		row.Outcome = domain.AttemptRetryableFailure
		row.Error = err.Error()
	}
	recordAttempt(name, string(row.Outcome), dur)

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if herr := w.history.Record(hctx, row); herr != nil {
		oc.log.Error("history write failed", logx.Provider(name), logx.Attempt(oc.attempts), logx.Err(herr))
	}

	oc.log.Debug("dispatch.attempt",
		logx.Provider(name),
		logx.Attempt(oc.attempts),
		logx.String("outcome", string(row.Outcome)),
		logx.Duration("took", dur),
	)
	return rec, err
}

// call bounds one Send with the provider timeout. Panics are reported as
// transient failures so one bad gateway cannot kill a worker.
func (w *Worker) call(ctx context.Context, oc *occurrence, c provider.Client, timeout time.Duration) (rec provider.Receipt, err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			oc.log.Error("provider panic", logx.Provider(c.Name()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			rec = provider.Receipt{}
			err = &provider.Error{Provider: c.Name(), Kind: provider.KindTransient, Code: provider.CodeServer, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	rec, err = c.Send(cctx, oc.job.Recipient, oc.job.Body)
	if err == nil && strings.TrimSpace(rec.MessageID) == "" {
		rec.MessageID = "accepted"
	}
	return rec, err
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.clock.After(d):
		return nil
	}
}

func (w *Worker) succeed(ctx context.Context, oc *occurrence, set Settings, name string, rec provider.Receipt) Result {
	now := w.clock.Now()
	m := oc.job.Message
	m.LastRunAt = now
	m.LastProvider = name
	m.LastError = ""
	m.Occurrences++
	m.UpdatedAt = now

	res := Result{
		MessageID:         m.ID,
		Provider:          name,
		ProviderMessageID: rec.MessageID,
		Attempts:          oc.attempts,
	}
	next := m.Recurrence.NextAfter(oc.at.In(set.Location), now.In(set.Location))
	if next.IsZero() {
		m.Status = domain.StatusCompleted
		res.Status, res.Event = domain.StatusCompleted, domain.EventCompleted
	} else {
		m.Status = domain.StatusPending
		m.NextRunTime = next
		res.Status, res.Event, res.NextRunTime = domain.StatusPending, domain.EventRescheduled, next
	}
	oc.log.Info("dispatch.sent",
		logx.Provider(name),
		logx.Attempt(oc.attempts),
		logx.String("provider_msg_id", rec.MessageID),
		logx.Status(m.Status),
	)
	recordOccurrence("sent")
	return w.finalize(ctx, oc, m, res)
}

func (w *Worker) fail(ctx context.Context, oc *occurrence) Result {
	now := w.clock.Now()
	m := oc.job.Message
	m.Status = domain.StatusFailed
	m.LastRunAt = now
	m.UpdatedAt = now
	if oc.lastErr != nil {
		m.LastError = oc.lastErr.Error()
	}
	oc.log.Warn("dispatch.exhausted", logx.Int("attempts", oc.attempts), logx.Err(oc.lastErr))
	recordOccurrence("failed")
	return w.finalize(ctx, oc, m, Result{
		MessageID: m.ID,
		Status:    domain.StatusFailed,
		Event:     domain.EventFailed,
		Attempts:  oc.attempts,
		Err:       oc.lastErr,
	})
}

// deferOccurrence hands a fully throttled occurrence back to the scheduler
// for when the first limiter frees up.
func (w *Worker) deferOccurrence(ctx context.Context, oc *occurrence) Result {
	now := w.clock.Now()
	m := oc.job.Message
	m.Status = domain.StatusPending
	m.NextRunTime = now.Add(oc.shortestWait)
	m.LastError = "rate limited"
	m.UpdatedAt = now
	oc.log.Info("dispatch.deferred", logx.Duration("wait", oc.shortestWait), logx.Time("next_run", m.NextRunTime))
	recordOccurrence("deferred")
	return w.finalize(ctx, oc, m, Result{
		MessageID:   m.ID,
		Status:      domain.StatusPending,
		Event:       domain.EventDeferred,
		NextRunTime: m.NextRunTime,
	})
}

// release reverts the claim on shutdown. The occurrence keeps its due time
// and is picked up by the next tick after restart.
func (w *Worker) release(oc *occurrence, cause error) Result {
	m := oc.job.Message
	m.Status = domain.StatusPending
	m.UpdatedAt = w.clock.Now()

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if _, err := storage.WriteBack(ctx, w.store, m, domain.StatusDispatching); err != nil {
		oc.log.Error("release claim failed", logx.Err(err))
	}
	oc.log.Info("dispatch interrupted", logx.Int("attempts", oc.attempts), logx.Err(cause))
	recordOccurrence("released")
	return Result{
		MessageID: m.ID,
		Status:    domain.StatusPending,
		Attempts:  oc.attempts,
		Err:       cause,
	}
}

// finalize writes the occurrence's single status transition and emits the
// outcome. A lost race (user cancel during the send) keeps the stored status.
// When the store keeps failing the row stays Dispatching until the
// scheduler's claim lease hands it back.
func (w *Worker) finalize(ctx context.Context, oc *occurrence, m domain.ScheduledMessage, res Result) Result {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	ok, err := storage.WriteBack(fctx, w.store, m, domain.StatusDispatching)
	switch {
	case err != nil:
		oc.log.Error("finalize failed", logx.Status(m.Status), logx.Err(err))
		if res.Err == nil {
			res.Err = err
		}
	case !ok:
		cur, gerr := w.store.Get(fctx, m.ID)
		if gerr == nil {
			res.Status = cur.Status
		}
		oc.log.Info("finalize skipped, status changed concurrently", logx.Status(res.Status))
	}

	if w.sink != nil && res.Event != "" {
		o := domain.Outcome{
			Event:             res.Event,
			MessageID:         m.ID,
			Owner:             m.Owner,
			Recipient:         oc.job.Recipient,
			Occurrence:        oc.at,
			Provider:          res.Provider,
			ProviderMessageID: res.ProviderMessageID,
			Attempts:          res.Attempts,
			NextRunTime:       res.NextRunTime,
			At:                w.clock.Now(),
		}
		if res.Err != nil {
			o.Error = res.Err.Error()
		}
		w.sink.Notify(fctx, o)
	}
	return res
}
