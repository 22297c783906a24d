package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"smsmaster/internal/provider"
)

func TestBreakerTripsAndCools(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Trip: 2, BaseDelay: time.Minute, MaxDelay: 3 * time.Minute, ResetAfter: time.Hour})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	transient := provider.Transient(provider.CodeServer, errors.New("503"))

	b.Record("A", now, transient)
	open, _ := b.Open("a", now)
	assert.False(t, open, "one failure must not trip")

	b.Record("a", now, transient)
	open, until := b.Open("a", now)
	assert.True(t, open)
	assert.Equal(t, now.Add(time.Minute), until)

	b.Record("a", now, transient)
	_, until = b.Open("a", now)
	assert.Equal(t, now.Add(2*time.Minute), until, "cooldown doubles")

	b.Record("a", now, transient)
	b.Record("a", now, transient)
	_, until = b.Open("a", now)
	assert.Equal(t, now.Add(3*time.Minute), until, "cooldown is capped")

	open, _ = b.Open("a", now.Add(4*time.Minute))
	assert.False(t, open, "circuit closes after cooldown")

	b.Record("a", now, nil)
	total, openN := b.Snapshot(now)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, openN)
}

func TestBreakerIgnoresPermanentAndResets(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Trip: 1, BaseDelay: time.Minute, ResetAfter: 10 * time.Minute})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	b.Record("a", now, provider.Permanent(provider.CodeInvalidRecipient, errors.New("bad number")))
	open, _ := b.Open("a", now)
	assert.False(t, open, "permanent errors are about the message")

	b.Record("a", now, errors.New("connection reset"))
	open, _ = b.Open("a", now)
	assert.True(t, open)

	open, _ = b.Open("a", now.Add(11*time.Minute))
	assert.False(t, open, "stale failures reset")
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Trip: -1})
	now := time.Now()
	for i := 0; i < 10; i++ {
		b.Record("a", now, errors.New("boom"))
	}
	open, _ := b.Open("a", now)
	assert.False(t, open)

	var nilBreaker *Breaker
	nilBreaker.Record("a", now, errors.New("boom"))
	open, _ = nilBreaker.Open("a", now)
	assert.False(t, open)
}
