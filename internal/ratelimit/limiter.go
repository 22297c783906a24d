// Package ratelimit meters sends per provider.
//
// Each provider gets a token bucket (golang.org/x/time/rate) with
// burst = Max and refill = Max/Window, plus a log of recent grants so that
// no rolling Window ever holds more than Max grants. Acquisition for one
// provider is serialized under that provider's mutex.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Limit is "Max sends per Window". Max <= 0 disables limiting.
type Limit struct {
	Max    int
	Window time.Duration
}

func (l Limit) Unlimited() bool { return l.Max <= 0 || l.Window <= 0 }

type Limiter struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mu     sync.Mutex
	limit  Limit
	tb     *rate.Limiter
	grants []time.Time // ascending, at most limit.Max entries inside the window
}

func New(clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{clock: clock, buckets: map[string]*bucket{}}
}

func key(provider string) string { return strings.ToLower(strings.TrimSpace(provider)) }

// Configure installs or replaces the limit for provider. Grants already made
// inside the current window still count against the new limit.
func (l *Limiter) Configure(provider string, lim Limit) {
	k := key(provider)
	l.mu.Lock()
	b := l.buckets[k]
	if b == nil {
		b = &bucket{}
		l.buckets[k] = b
	}
	l.mu.Unlock()

	now := l.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = lim
	if lim.Unlimited() {
		b.tb = nil
		b.grants = nil
		return
	}
	every := lim.Window / time.Duration(lim.Max)
	b.tb = rate.NewLimiter(rate.Every(every), lim.Max)
	// Seed the bucket with what is still inside the window.
	b.prune(now)
	if n := len(b.grants); n > 0 {
		if n > lim.Max {
			n = lim.Max
		}
		b.tb.AllowN(now, n)
	}
}

// Limit returns the configured limit for provider (zero if none).
func (l *Limiter) Limit(provider string) Limit {
	b := l.get(provider)
	if b == nil {
		return Limit{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

func (l *Limiter) get(provider string) *bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buckets[key(provider)]
}

// Acquire debits one permit if available right now. Otherwise it reports
// how long until a permit would be available and debits nothing.
func (l *Limiter) Acquire(provider string) (wait time.Duration, ok bool) {
	b := l.get(provider)
	if b == nil {
		return 0, true
	}
	now := l.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit.Unlimited() || b.tb == nil {
		return 0, true
	}
	b.prune(now)

	var windowWait time.Duration
	if len(b.grants) >= b.limit.Max {
		windowWait = b.grants[0].Add(b.limit.Window).Sub(now)
	}
	var bucketWait time.Duration
	if tokens := b.tb.TokensAt(now); tokens < 1 {
		perToken := b.limit.Window / time.Duration(b.limit.Max)
		bucketWait = time.Duration((1 - tokens) * float64(perToken))
		if bucketWait <= 0 {
			bucketWait = time.Nanosecond
		}
	}
	if windowWait > 0 || bucketWait > 0 {
		return max(windowWait, bucketWait), false
	}
	if !b.tb.AllowN(now, 1) {
		return time.Nanosecond, false
	}
	b.grants = append(b.grants, now)
	return 0, true
}

// AcquireWithin waits for a permit as long as the cumulative wait stays
// within budget. It returns ok=false with the outstanding wait when the
// budget would be exceeded, so the caller can fail over instead.
func (l *Limiter) AcquireWithin(ctx context.Context, provider string, budget time.Duration) (waited time.Duration, ok bool, err error) {
	for {
		wait, ok := l.Acquire(provider)
		if ok {
			return waited, true, nil
		}
		if waited+wait > budget {
			return wait, false, nil
		}
		select {
		case <-ctx.Done():
			return waited, false, ctx.Err()
		case <-l.clock.After(wait):
			waited += wait
		}
	}
}

func (b *bucket) prune(now time.Time) {
	cut := 0
	for cut < len(b.grants) && !b.grants[cut].Add(b.limit.Window).After(now) {
		cut++
	}
	if cut > 0 {
		b.grants = append(b.grants[:0], b.grants[cut:]...)
	}
	if extra := len(b.grants) - b.limit.Max; extra > 0 && b.limit.Max > 0 {
		b.grants = append(b.grants[:0], b.grants[extra:]...)
	}
}
