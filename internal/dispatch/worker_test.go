package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsmaster/internal/domain"
	"smsmaster/internal/provider"
	"smsmaster/internal/provider/providertest"
	"smsmaster/internal/ratelimit"
	"smsmaster/internal/storage"
	logx "smsmaster/pkg/logx"
)

type recordingSink struct {
	mu  sync.Mutex
	got []domain.Outcome
}

func (s *recordingSink) Notify(_ context.Context, o domain.Outcome) {
	s.mu.Lock()
	s.got = append(s.got, o)
	s.mu.Unlock()
}

func (s *recordingSink) events() []domain.OutcomeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutcomeEvent, 0, len(s.got))
	for _, o := range s.got {
		out = append(out, o.Event)
	}
	return out
}

type harness struct {
	store *storage.Memory
	reg   *provider.Registry
	lim   *ratelimit.Limiter
	sink  *recordingSink
	clock clockwork.Clock
	w     *Worker
}

func newHarness(t *testing.T, clock clockwork.Clock, set Settings) *harness {
	t.Helper()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if set.Location == nil {
		set.Location = time.UTC
	}
	h := &harness{
		store: storage.NewMemory(),
		lim:   ratelimit.New(clock),
		sink:  &recordingSink{},
		clock: clock,
	}
	h.reg = provider.NewRegistry(h.lim)
	h.w = NewWorker(Deps{
		Store:    h.store,
		History:  h.store,
		Registry: h.reg,
		Limiter:  h.lim,
		Sink:     h.sink,
		Clock:    clock,
		Log:      logx.Nop(),
	}, set)
	return h
}

func (h *harness) add(t *testing.T, c provider.Client, priority int, lim ratelimit.Limit) {
	t.Helper()
	require.NoError(t, h.reg.Register(c, provider.Config{Priority: priority, Active: true, RateLimit: lim}))
}

// claim stores m as Pending and performs the scheduler's claim.
func (h *harness) claim(t *testing.T, m domain.ScheduledMessage) Job {
	t.Helper()
	ctx := context.Background()
	if m.Recipient == "" {
		m.Recipient = "+14155552671"
	}
	if m.Body == "" {
		m.Body = "hello"
	}
	if m.NextRunTime.IsZero() {
		m.NextRunTime = h.clock.Now()
	}
	m.Status = domain.StatusPending
	m.CreatedAt = h.clock.Now()
	require.NoError(t, h.store.Create(ctx, m))
	ok, err := h.store.TryTransition(ctx, m.ID, domain.StatusPending, domain.StatusDispatching, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	m.Status = domain.StatusDispatching
	m.UpdatedAt = h.clock.Now()
	return Job{Message: m, Recipient: m.Recipient, Body: m.Body}
}

func (h *harness) history(t *testing.T, id string) []domain.DispatchAttempt {
	t.Helper()
	rows, err := h.store.History(context.Background(), id)
	require.NoError(t, err)
	return rows
}

func (h *harness) status(t *testing.T, id string) domain.ScheduledMessage {
	t.Helper()
	m, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func transient(name string) error {
	return &provider.Error{Provider: name, Kind: provider.KindTransient, Code: provider.CodeServer, StatusCode: 503}
}

func fastRetry(max int) Settings {
	return Settings{
		ProviderTimeout: time.Second,
		Retry:           RetryPolicy{MaxAttempts: max, Base: time.Millisecond, Cap: 2 * time.Millisecond},
	}
}

func TestDispatchRetriesThenFailsOver(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(2))
	a := providertest.New("A", transient("A"), transient("A"))
	b := providertest.New("B")
	h.add(t, a, 1, ratelimit.Limit{})
	h.add(t, b, 2, ratelimit.Limit{})

	job := h.claim(t, domain.ScheduledMessage{ID: "m1", Recurrence: domain.Once()})
	res := h.w.Dispatch(context.Background(), job)

	require.NoError(t, res.Err)
	assert.True(t, res.Success())
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "B", res.Provider)
	assert.Equal(t, 3, res.Attempts)

	rows := h.history(t, "m1")
	require.Len(t, rows, 3)
	var got []string
	for i, r := range rows {
		got = append(got, r.Provider)
		assert.Equal(t, i+1, r.Index)
		assert.Equal(t, job.Message.NextRunTime, r.Occurrence)
	}
	assert.Equal(t, []string{"A", "A", "B"}, got)
	assert.Equal(t, domain.AttemptRetryableFailure, rows[0].Outcome)
	assert.Equal(t, domain.AttemptRetryableFailure, rows[1].Outcome)
	assert.Equal(t, domain.AttemptSuccess, rows[2].Outcome)
	assert.Equal(t, "B-1", rows[2].ProviderMessageID)

	m := h.status(t, "m1")
	assert.Equal(t, domain.StatusCompleted, m.Status)
	assert.Equal(t, "B", m.LastProvider)
	assert.Equal(t, 1, m.Occurrences)
	assert.Equal(t, []domain.OutcomeEvent{domain.EventCompleted}, h.sink.events())
}

func TestDispatchPermanentFailsOverWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(3))
	a := providertest.New("A", provider.Permanent(provider.CodeInvalidRecipient, errors.New("21211")))
	b := providertest.New("B")
	h.add(t, a, 1, ratelimit.Limit{})
	h.add(t, b, 2, ratelimit.Limit{})

	res := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1"}))
	require.NoError(t, res.Err)
	assert.Equal(t, 1, a.CallCount())
	assert.Equal(t, 1, b.CallCount())

	rows := h.history(t, "m1")
	require.Len(t, rows, 2)
	assert.Equal(t, domain.AttemptTerminalFailure, rows[0].Outcome)
	assert.Contains(t, rows[0].Error, "invalid_recipient")
}

func TestDispatchExhaustionFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(2))
	a := providertest.New("A", transient("A"), transient("A"))
	b := providertest.New("B", provider.Permanent(provider.CodeCredential, errors.New("revoked")))
	h.add(t, a, 1, ratelimit.Limit{})
	h.add(t, b, 2, ratelimit.Limit{})

	res := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1", Recurrence: domain.Daily(9, 0)}))
	require.Error(t, res.Err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, h.history(t, "m1"), 3)

	m := h.status(t, "m1")
	assert.Equal(t, domain.StatusFailed, m.Status, "exhausted recurring schedules stop")
	assert.Contains(t, m.LastError, "revoked")
	assert.Equal(t, []domain.OutcomeEvent{domain.EventFailed}, h.sink.events())
}

func TestDispatchNoProvider(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(1))
	h.add(t, providertest.New("tg").OnlyPrefixes("tg:"), 1, ratelimit.Limit{})

	res := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1"}))
	require.ErrorIs(t, res.Err, ErrNoProvider)
	assert.Equal(t, domain.StatusFailed, h.status(t, "m1").Status)
	assert.Empty(t, h.history(t, "m1"))
}

func TestDispatchRecurringReschedules(t *testing.T) {
	t.Parallel()

	day1 := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	clk := clockwork.NewFakeClockAt(day1.Add(2 * time.Second))
	h := newHarness(t, clk, Settings{Location: time.UTC})
	h.add(t, providertest.New("A"), 1, ratelimit.Limit{})

	job := h.claim(t, domain.ScheduledMessage{ID: "m1", Recurrence: domain.Daily(9, 0), NextRunTime: day1})
	res := h.w.Dispatch(context.Background(), job)

	require.NoError(t, res.Err)
	assert.Equal(t, domain.EventRescheduled, res.Event)
	m := h.status(t, "m1")
	assert.Equal(t, domain.StatusPending, m.Status)
	assert.True(t, m.NextRunTime.Equal(day1.AddDate(0, 0, 1)), "next run %s", m.NextRunTime)
	assert.Equal(t, 1, m.Occurrences)
	assert.Equal(t, clk.Now(), m.LastRunAt)
}

func TestDispatchObservesCancelBetweenAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(5))
	a := providertest.New("A", transient("A"), transient("A"), transient("A"))
	a.OnSend(func(n int) {
		if n == 1 {
			_, err := h.store.Cancel(context.Background(), "m1", time.Now())
			if err != nil {
				panic(err)
			}
		}
	})
	h.add(t, a, 1, ratelimit.Limit{})

	res := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1"}))
	assert.Equal(t, domain.StatusCanceled, res.Status)
	assert.Equal(t, 1, a.CallCount(), "no attempt after cancel is observed")
	assert.Len(t, h.history(t, "m1"), 1)
	assert.Equal(t, domain.StatusCanceled, h.status(t, "m1").Status)
}

func TestDispatchCanceledBeforeStartMakesNoAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(1))
	a := providertest.New("A")
	h.add(t, a, 1, ratelimit.Limit{})

	job := h.claim(t, domain.ScheduledMessage{ID: "m1"})
	_, err := h.store.Cancel(context.Background(), "m1", time.Now())
	require.NoError(t, err)

	res := h.w.Dispatch(context.Background(), job)
	assert.Equal(t, domain.StatusCanceled, res.Status)
	assert.Zero(t, a.CallCount())
	assert.Empty(t, h.history(t, "m1"))
}

func TestDispatchTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	set := fastRetry(1)
	set.ProviderTimeout = 20 * time.Millisecond
	h := newHarness(t, nil, set)
	slow := providertest.New("A").WithDelay(5 * time.Second)
	h.add(t, slow, 1, ratelimit.Limit{})
	h.add(t, providertest.New("B"), 2, ratelimit.Limit{})

	res := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1"}))
	require.NoError(t, res.Err)
	assert.Equal(t, "B", res.Provider)

	rows := h.history(t, "m1")
	require.Len(t, rows, 2)
	assert.Equal(t, domain.AttemptRetryableFailure, rows[0].Outcome)
	assert.Contains(t, rows[0].Error, "deadline exceeded")
}

type panicky struct{}

func (panicky) Name() string                   { return "P" }
func (panicky) Validate(context.Context) error { return nil }
func (panicky) SupportsRecipient(string) bool  { return true }
func (panicky) Send(context.Context, string, string) (provider.Receipt, error) {
	panic("gateway bug")
}

func TestDispatchRecoversProviderPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(1))
	h.add(t, panicky{}, 1, ratelimit.Limit{})
	h.add(t, providertest.New("B"), 2, ratelimit.Limit{})

	res := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1"}))
	require.NoError(t, res.Err)
	rows := h.history(t, "m1")
	require.Len(t, rows, 2)
	assert.Equal(t, domain.AttemptRetryableFailure, rows[0].Outcome)
	assert.Contains(t, rows[0].Error, "gateway bug")
}

func TestDispatchRateLimitFailsOver(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	h := newHarness(t, clk, Settings{RateWaitBudget: 0})
	a := providertest.New("A")
	b := providertest.New("B")
	h.add(t, a, 1, ratelimit.Limit{Max: 1, Window: 10 * time.Second})
	h.add(t, b, 2, ratelimit.Limit{})

	r1 := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1"}))
	r2 := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m2"}))
	assert.Equal(t, "A", r1.Provider)
	assert.Equal(t, "B", r2.Provider, "second send within the window fails over")
	assert.Equal(t, 1, a.CallCount())
	assert.Len(t, h.history(t, "m2"), 1, "a skipped provider leaves no attempt row")
}

func TestDispatchRateLimitWaitsWithinBudget(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clockwork.NewFakeClockAt(start)
	h := newHarness(t, clk, Settings{RateWaitBudget: 15 * time.Second})
	a := providertest.New("A")
	h.add(t, a, 1, ratelimit.Limit{Max: 1, Window: 10 * time.Second})

	r1 := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1"}))
	require.NoError(t, r1.Err)

	job := h.claim(t, domain.ScheduledMessage{ID: "m2"})
	done := make(chan Result, 1)
	go func() { done <- h.w.Dispatch(context.Background(), job) }()

	clk.BlockUntil(1)
	assert.Equal(t, 1, a.CallCount(), "second send must wait for the window")
	clk.Advance(11 * time.Second)

	select {
	case r2 := <-done:
		require.NoError(t, r2.Err)
		assert.Equal(t, "A", r2.Provider)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not resume after the window")
	}
	first, second := h.history(t, "m1")[0], h.history(t, "m2")[0]
	assert.GreaterOrEqual(t, second.At.Sub(first.At), 10*time.Second)
}

func TestDispatchDefersWhenAllThrottled(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clockwork.NewFakeClockAt(now)
	h := newHarness(t, clk, Settings{RateWaitBudget: time.Second})
	a := providertest.New("A")
	h.add(t, a, 1, ratelimit.Limit{Max: 1, Window: 10 * time.Second})
	_, ok := h.lim.Acquire("A")
	require.True(t, ok)

	res := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1"}))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.EventDeferred, res.Event)
	assert.Zero(t, a.CallCount())
	assert.Empty(t, h.history(t, "m1"))

	m := h.status(t, "m1")
	assert.Equal(t, domain.StatusPending, m.Status)
	assert.WithinDuration(t, now.Add(10*time.Second), m.NextRunTime, time.Second)
	assert.Equal(t, []domain.OutcomeEvent{domain.EventDeferred}, h.sink.events())
}

func TestDispatchCoolingProviderGoesLast(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(1))
	h.w.breaker = NewBreaker(BreakerConfig{Trip: 1, BaseDelay: time.Hour})
	a := providertest.New("A")
	b := providertest.New("B")
	h.add(t, a, 1, ratelimit.Limit{})
	h.add(t, b, 2, ratelimit.Limit{})
	h.w.breaker.Record("A", time.Now(), transient("A"))

	res := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1"}))
	require.NoError(t, res.Err)
	assert.Equal(t, "B", res.Provider)
	assert.Zero(t, a.CallCount())
}

func TestDispatchShutdownReleasesClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(1))
	ctx, cancel := context.WithCancel(context.Background())
	a := providertest.New("A").WithDelay(5 * time.Second)
	a.OnSend(func(int) { cancel() })
	h.add(t, a, 1, ratelimit.Limit{})

	job := h.claim(t, domain.ScheduledMessage{ID: "m1"})
	res := h.w.Dispatch(ctx, job)
	require.ErrorIs(t, res.Err, context.Canceled)

	m := h.status(t, "m1")
	assert.Equal(t, domain.StatusPending, m.Status)
	assert.True(t, m.NextRunTime.Equal(job.Message.NextRunTime), "due time is kept")
	assert.Empty(t, h.sink.events())
}

func TestDispatchRequestedProviderFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(1))
	a := providertest.New("A")
	b := providertest.New("B")
	h.add(t, a, 1, ratelimit.Limit{})
	h.add(t, b, 2, ratelimit.Limit{})

	res := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1", Provider: "b"}))
	require.NoError(t, res.Err)
	assert.Equal(t, "B", res.Provider)
	assert.Zero(t, a.CallCount())
}

// failingUpdates is a Memory store whose first n Update calls fail with a
// backend error.
type failingUpdates struct {
	*storage.Memory
	mu    sync.Mutex
	n     int
	calls int
}

func (s *failingUpdates) Update(ctx context.Context, m domain.ScheduledMessage, expect domain.Status) (bool, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.n
	s.mu.Unlock()
	if fail {
		return false, &storage.PersistenceError{Op: "update", Err: errors.New("database is locked")}
	}
	return s.Memory.Update(ctx, m, expect)
}

func TestDispatchFinalizeRetriesBackendFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(1))
	fs := &failingUpdates{Memory: h.store, n: 1}
	h.w.store = fs
	h.add(t, providertest.New("A"), 1, ratelimit.Limit{})

	res := h.w.Dispatch(context.Background(), h.claim(t, domain.ScheduledMessage{ID: "m1"}))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, 2, fs.calls)
	assert.Equal(t, domain.StatusCompleted, h.status(t, "m1").Status)
	assert.Equal(t, []domain.OutcomeEvent{domain.EventCompleted}, h.sink.events())
}

func TestDispatchAbandonsRecoveredClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, fastRetry(1))
	a := providertest.New("A")
	h.add(t, a, 1, ratelimit.Limit{})

	job := h.claim(t, domain.ScheduledMessage{ID: "m1"})
	later := h.clock.Now().Add(time.Hour)
	n, err := h.store.RecoverDispatching(context.Background(), later, later)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res := h.w.Dispatch(context.Background(), job)
	assert.Equal(t, domain.StatusPending, res.Status)
	assert.Zero(t, a.CallCount())
	assert.Empty(t, h.sink.events())

	// A newer claim on the same row also wins over the stale job.
	ok, err := h.store.TryTransition(context.Background(), "m1", domain.StatusPending, domain.StatusDispatching, later)
	require.NoError(t, err)
	require.True(t, ok)
	res = h.w.Dispatch(context.Background(), job)
	assert.Equal(t, domain.StatusDispatching, res.Status)
	assert.Zero(t, a.CallCount())
	assert.Empty(t, h.history(t, "m1"))
}
