package config

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateRoundTripsYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	off := false
	cfg, err := m.Update(context.Background(), func(c *Config) error {
		c.Providers[0].Active = &off
		c.Providers[1].RateLimit.Max = 7
		return nil
	})
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())
	require.Same(t, cfg, <-sub)

	again, err := NewConfigManager(path).Load()
	require.NoError(t, err)
	require.False(t, again.Providers[0].IsActive())
	require.Equal(t, 7, again.Providers[1].RateLimit.Max)
	require.Equal(t, "10s", again.Scheduler.Tick)
}

func TestUpdateRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"storage":{"driver":"memory"}}`)
	m := NewConfigManager(path)
	_, err := m.Update(context.Background(), func(c *Config) error {
		c.Storage.Driver = "mongo"
		return nil
	})
	require.Error(t, err)

	_, err = m.Update(context.Background(), func(*Config) error { return errors.New("stop") })
	require.EqualError(t, err, "stop")

	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Storage.Driver, "file untouched")
}

func TestUpdateCreatesMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "new.json")
	m := NewConfigManager(path)
	_, err := m.Update(context.Background(), func(c *Config) error {
		c.Catalog = "/etc/smsmaster/catalog.yaml"
		return nil
	})
	require.NoError(t, err)

	cfg, err := NewConfigManager(path).Load()
	require.NoError(t, err)
	require.Equal(t, "/etc/smsmaster/catalog.yaml", cfg.Catalog)
	require.Len(t, cfg.Providers, 1)
}
