package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  tick: 10s
  timezone: UTC
dispatch:
  workers: 2
  max_attempts: 2
storage:
  driver: memory
providers:
  - name: twilio
    kind: twilio
    priority: 1
    countries: [US, CA]
  - name: textbelt
    kind: textbelt
    priority: 2
    rate_limit:
      max: 5
      window: 1h
  - name: dry
    kind: console
    priority: 9
    active: false
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	s, err := cfg.Scheduler.Resolve()
	require.NoError(t, err)
	require.True(t, s.Enabled)
	require.Equal(t, 10*time.Second, s.Tick)
	require.Equal(t, DefaultBatchSize, s.BatchSize)
	require.Equal(t, "UTC", s.Location.String())

	d, err := cfg.Dispatch.Resolve()
	require.NoError(t, err)
	require.Equal(t, 2, d.Workers)
	require.Equal(t, 2, d.MaxAttempts)
	require.Equal(t, DefaultRetryBase, d.RetryBase)
	require.Equal(t, DefaultProviderTimeout, d.ProviderTimeout)

	require.Len(t, cfg.Providers, 3)
	tw, err := cfg.Providers[0].Limit()
	require.NoError(t, err)
	require.Equal(t, RateLimit{Max: 100, Window: 24 * time.Hour}, tw)
	tb, err := cfg.Providers[1].Limit()
	require.NoError(t, err)
	require.Equal(t, RateLimit{Max: 5, Window: time.Hour}, tb)
	require.False(t, cfg.Providers[2].IsActive())
	require.Equal(t, "dry", cfg.Providers[2].Ref())
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"bogus":1}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{"logging":{}}{"logging":{}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "trailing")

	for _, doc := range []string{`{"logging":{}} 42`, `{"logging":{}} {"bogus":1}`, `{"logging":{}} ]`} {
		_, err = Decode("c.json", []byte(doc))
		require.Error(t, err, doc)
		require.Contains(t, err.Error(), "trailing", doc)
	}

	cfg, err := Decode("c.json", []byte("{\"logging\":{\"level\":\"warn\"}}\n\n"))
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"bad kind", `{"providers":[{"name":"x","kind":"pigeon"}]}`, "oneof"},
		{"missing name", `{"providers":[{"kind":"console"}]}`, "required"},
		{"duplicate", `{"providers":[{"name":"a","kind":"console"},{"name":"A","kind":"console"}]}`, "duplicate"},
		{"bad driver", `{"storage":{"driver":"mongo"}}`, "oneof"},
		{"postgres needs dsn", `{"storage":{"driver":"postgres"}}`, "required_if"},
		{"bad duration", `{"dispatch":{"retry_base":"soon"}}`, "retry_base"},
		{"inverted retry", `{"dispatch":{"retry_base":"2m","retry_max_delay":"1m"}}`, "retry_max_delay"},
		{"bad tz", `{"scheduler":{"timezone":"Mars/Olympus"}}`, "timezone"},
		{"window without max", `{"providers":[{"name":"a","kind":"twilio","rate_limit":{"window":"1h"}}]}`, "window"},
		{"amqp url", `{"notify":{"amqp":{"enabled":true}}}`, "required_if"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode("c.json", []byte(tc.doc))
			require.NoError(t, err)
			err = Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}

	require.NoError(t, Validate(Default()))
}

func TestLoadMissingFileUsesDefault(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	require.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleYAML, "tick: 10s", "tick: 5s", 1)), 0o600))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, published)
	got := <-ch
	require.Equal(t, "5s", got.Scheduler.Tick)

	// A rejected config leaves the committed one in place.
	m.SetValidator(func(context.Context, *Config) error { return os.ErrPermission })
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleYAML, "tick: 10s", "tick: 1s", 1)), 0o600))
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, os.ErrPermission)
	require.Equal(t, "5s", m.Get().Scheduler.Tick)

	m.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	edited := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	require.Eventually(t, func() bool {
		// Rewrite until the watcher is attached and sees it.
		_ = os.WriteFile(path, []byte(edited), 0o600)
		select {
		case cfg := <-ch:
			return cfg.Logging.Level == "warn"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, restart := SummarizeConfigChange(a, b)
	require.Empty(t, changed)
	require.Empty(t, restart)

	b.Providers[1].Priority = 0
	b.Storage.Driver = "sqlite"
	b.Dispatch.Workers = 8
	changed, _, restart = SummarizeConfigChange(a, b)
	require.Equal(t, []string{"dispatch", "storage", "providers"}, changed)
	require.Equal(t, []string{"dispatch.workers", "storage"}, restart)
}
