package dispatch

import (
	"strings"
	"sync"
	"time"

	"smsmaster/internal/provider"
)

// circuitState tracks consecutive transient failures for one provider.
//
// It is a consecutive-failure breaker with cooldown:
//   - on success: failures reset and the circuit closes.
//   - on transient failure: failures increment and, once failures >= trip,
//     the circuit opens for an exponentially growing cooldown.
//
// Permanent failures are about the message, not the provider, and are
// ignored.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// BreakerConfig holds breaker settings. Trip < 0 disables the breaker; zero
// values pick defaults.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

type breakerCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func (c BreakerConfig) effective() breakerCfg {
	trip := c.Trip
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return breakerCfg{}
	}
	base := c.BaseDelay
	if base <= 0 {
		base = time.Minute
	}
	maxD := c.MaxDelay
	if maxD <= 0 {
		maxD = 10 * base
	}
	if maxD < base {
		maxD = base
	}
	reset := c.ResetAfter
	if reset <= 0 {
		reset = 5 * maxD
	}
	return breakerCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

// Breaker is shared by all workers of a pool.
type Breaker struct {
	mu  sync.Mutex
	cfg breakerCfg
	m   map[string]*circuitState
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.effective(), m: map[string]*circuitState{}}
}

// Configure swaps settings; existing counters are kept.
func (b *Breaker) Configure(cfg BreakerConfig) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.cfg = cfg.effective()
	b.mu.Unlock()
}

func (b *Breaker) state(name string) *circuitState {
	k := strings.ToLower(strings.TrimSpace(name))
	if k == "" {
		return nil
	}
	st := b.m[k]
	if st == nil {
		st = &circuitState{}
		b.m[k] = st
	}
	return st
}

// resetStale must be called with b.mu held.
func (b *Breaker) resetStale(now time.Time, st *circuitState) {
	if !st.lastFailure.IsZero() && b.cfg.resetAfter > 0 && now.Sub(st.lastFailure) > b.cfg.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// Open reports whether the provider is cooling down at now.
func (b *Breaker) Open(name string, now time.Time) (bool, time.Time) {
	if b == nil {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.enabled {
		return false, time.Time{}
	}
	st := b.state(name)
	if st == nil {
		return false, time.Time{}
	}
	b.resetStale(now, st)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// Record feeds one provider call result into the breaker.
func (b *Breaker) Record(name string, now time.Time, err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.enabled {
		return
	}
	st := b.state(name)
	if st == nil {
		return
	}
	b.resetStale(now, st)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}
	if kind, _ := provider.Classify(err); kind == provider.KindPermanent {
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < b.cfg.trip {
		return
	}

	// Exponential cooldown after tripping.
	d := b.cfg.baseDelay
	for i := 0; i < st.fails-b.cfg.trip; i++ {
		d *= 2
		if d >= b.cfg.maxDelay {
			break
		}
	}
	st.openUntil = now.Add(min(d, b.cfg.maxDelay))
}

// Snapshot counts tracked and currently open circuits.
func (b *Breaker) Snapshot(now time.Time) (total, open int) {
	if b == nil {
		return 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	total = len(b.m)
	for _, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
