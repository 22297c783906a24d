package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func swapNotify(t *testing.T) *recorder {
	t.Helper()
	r := &recorder{}
	prev := notify
	notify = r.notify
	t.Cleanup(func() { notify = prev })
	return r
}

func TestLifecycleStates(t *testing.T) {
	r := swapNotify(t)

	ok, err := Ready()
	require.NoError(t, err)
	assert.True(t, ok)
	_, _ = Status("dispatching")
	_, _ = Stopping()

	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=dispatching", daemon.SdNotifyStopping}, r.states)
}

func TestWatchdogSkipsWhenUnhealthy(t *testing.T) {
	r := swapNotify(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watchdog(ctx, 5*time.Millisecond, func() bool { return false })
	}()
	time.Sleep(40 * time.Millisecond)
	cancel()
	<-done
	assert.Zero(t, r.count(daemon.SdNotifyWatchdog))

	ctx, cancel = context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		defer close(done)
		Watchdog(ctx, 5*time.Millisecond, nil)
	}()
	assert.Eventually(t, func() bool { return r.count(daemon.SdNotifyWatchdog) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	assert.Zero(t, WatchdogInterval())
	Watchdog(context.Background(), 0, nil)
}
