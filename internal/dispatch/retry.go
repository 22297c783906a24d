package dispatch

import (
	"time"

	"smsmaster/internal/provider"
)

// Action is what the worker does after a failed provider call.
type Action int

const (
	ActionRetry Action = iota
	ActionFailover
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFailover:
		return "failover"
	default:
		return "give_up"
	}
}

// Decision is the outcome of RetryPolicy.Decide. Delay is only set for
// ActionRetry.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// RetryPolicy decides between retrying the same provider, failing over and
// giving up. It has no side effects.
type RetryPolicy struct {
	// MaxAttempts is the per-provider call budget for one occurrence.
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultRetryBase   = 2 * time.Second
	defaultRetryCap    = time.Minute
)

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = defaultRetryBase
	}
	if p.Cap <= 0 {
		p.Cap = defaultRetryCap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	return p
}

// Backoff returns min(Base * 2^attempt, Cap).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap || d <= 0 {
			return p.Cap
		}
	}
	return min(d, p.Cap)
}

// Decide maps one failure to the next step.
//
// attempt is the 0-based index of the failed call on this provider within
// the current occurrence. retryAfter is a server hint; when larger than the
// computed backoff it wins, still bounded by Cap. lastCandidate reports
// whether any other provider remains to fail over to.
func (p RetryPolicy) Decide(kind provider.Kind, attempt int, retryAfter time.Duration, lastCandidate bool) Decision {
	p = p.withDefaults()
	move := Decision{Action: ActionFailover}
	if lastCandidate {
		move = Decision{Action: ActionGiveUp}
	}
	if kind == provider.KindPermanent {
		return move
	}
	if attempt+1 >= p.MaxAttempts {
		return move
	}
	d := p.Backoff(attempt)
	if retryAfter > d {
		d = min(retryAfter, p.Cap)
	}
	return Decision{Action: ActionRetry, Delay: d}
}
