package dispatch

import (
	"testing"
	"time"

	"smsmaster/internal/provider"
)

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 5, Base: time.Second, Cap: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Fatalf("Backoff(%d)=%s want %s", i, got, w)
		}
	}
	if got := p.Backoff(200); got != 5*time.Second {
		t.Fatalf("large attempt must stay capped, got %s", got)
	}
}

func TestRetryPolicyDecide(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, Base: time.Second, Cap: 10 * time.Second}
	cases := []struct {
		name       string
		kind       provider.Kind
		attempt    int
		retryAfter time.Duration
		last       bool
		want       Decision
	}{
		{"transient first", provider.KindTransient, 0, 0, false, Decision{ActionRetry, time.Second}},
		{"transient second", provider.KindTransient, 1, 0, true, Decision{ActionRetry, 2 * time.Second}},
		{"transient exhausted", provider.KindTransient, 2, 0, false, Decision{Action: ActionFailover}},
		{"transient exhausted on last", provider.KindTransient, 2, 0, true, Decision{Action: ActionGiveUp}},
		{"permanent", provider.KindPermanent, 0, 0, false, Decision{Action: ActionFailover}},
		{"permanent on last", provider.KindPermanent, 0, 0, true, Decision{Action: ActionGiveUp}},
		{"retry-after wins", provider.KindTransient, 0, 7 * time.Second, false, Decision{ActionRetry, 7 * time.Second}},
		{"retry-after capped", provider.KindTransient, 0, time.Hour, false, Decision{ActionRetry, 10 * time.Second}},
		{"short retry-after ignored", provider.KindTransient, 1, time.Millisecond, false, Decision{ActionRetry, 2 * time.Second}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := p.Decide(tc.kind, tc.attempt, tc.retryAfter, tc.last); got != tc.want {
				t.Fatalf("Decide=%+v want %+v", got, tc.want)
			}
		})
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	var p RetryPolicy
	if d := p.Decide(provider.KindTransient, 0, 0, false); d.Action != ActionRetry || d.Delay != defaultRetryBase {
		t.Fatalf("zero policy should retry with the default base, got %+v", d)
	}
	if d := p.Decide(provider.KindTransient, defaultMaxAttempts-1, 0, false); d.Action != ActionFailover {
		t.Fatalf("zero policy should fail over after %d attempts, got %+v", defaultMaxAttempts, d)
	}
}
