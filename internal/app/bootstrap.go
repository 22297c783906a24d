package app

import (
	"fmt"
	"time"

	"smsmaster/internal/config"
	"smsmaster/internal/credentials"
	"smsmaster/internal/dispatch"
	"smsmaster/internal/notify"
	"smsmaster/internal/scheduler"
	logx "smsmaster/pkg/logx"
)

// Mapping from the file config to component settings. Durations are
// already validated by config.Validate, so Resolve errors here only happen
// when a caller skipped it.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapCredentialsConfig(cfg *config.Config) credentials.Config {
	return credentials.Config{
		Driver:         cfg.Credentials.Driver,
		Dotenv:         cfg.Credentials.Dotenv,
		EnvPrefix:      cfg.Credentials.EnvPrefix,
		KeyringService: cfg.Credentials.KeyringService,
	}
}

type dispatchSettings struct {
	worker  dispatch.Settings
	pool    dispatch.PoolConfig
	breaker dispatch.BreakerConfig
}

func mapDispatchConfig(cfg *config.Config) (dispatchSettings, error) {
	d, err := cfg.Dispatch.Resolve()
	if err != nil {
		return dispatchSettings{}, err
	}
	s, err := cfg.Scheduler.Resolve()
	if err != nil {
		return dispatchSettings{}, err
	}
	return dispatchSettings{
		worker: dispatch.Settings{
			ProviderTimeout: d.ProviderTimeout,
			RateWaitBudget:  d.RateWaitBudget,
			Retry: dispatch.RetryPolicy{
				MaxAttempts: d.MaxAttempts,
				Base:        d.RetryBase,
				Cap:         d.RetryMaxDelay,
			},
			Location: s.Location,
		},
		pool: dispatch.PoolConfig{Workers: d.Workers, QueueSize: d.QueueSize},
		breaker: dispatch.BreakerConfig{
			Trip:      d.CircuitTripFailures,
			BaseDelay: d.CircuitCooldown,
		},
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, bool, error) {
	s, err := cfg.Scheduler.Resolve()
	if err != nil {
		return scheduler.Config{}, false, err
	}
	ds, err := mapDispatchConfig(cfg)
	if err != nil {
		return scheduler.Config{}, false, err
	}
	return scheduler.Config{
		Tick:       s.Tick,
		BatchSize:  s.BatchSize,
		Retention:  s.Retention,
		ClaimLease: claimLease(ds.worker, len(cfg.Providers)),
		Location:   s.Location,
	}, s.Enabled, nil
}

// minClaimLease leaves room for time spent in the dispatch queue.
const minClaimLease = 15 * time.Minute

// claimLease is twice the longest occurrence the worker can run, and never
// less than minClaimLease.
func claimLease(set dispatch.Settings, providers int) time.Duration {
	return max(2*set.Longest(providers), minClaimLease)
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, notify.AMQPConfig) {
	return notify.Config{Buffer: cfg.Notify.Buffer()}, notify.AMQPConfig{
		URL:        cfg.Notify.AMQP.URL,
		Exchange:   cfg.Notify.AMQP.Exchange,
		RoutingKey: cfg.Notify.AMQP.RoutingKey,
	}
}

// CheckConfig runs every mapping New would, without opening storage or
// credentials. It backs the check-config command.
func CheckConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := cfg.HTTP.Resolve(); err != nil {
		return err
	}
	for _, pc := range cfg.Providers {
		if _, err := registryConfig(pc); err != nil {
			return fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		if _, err := buildClient(pc, nil, logx.Nop()); err != nil {
			return fmt.Errorf("provider %s: %w", pc.Name, err)
		}
	}
	return nil
}
