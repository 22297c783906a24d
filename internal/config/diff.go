package config

import (
	"reflect"
	"sort"
	"strings"

	"smsmaster/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe log attributes
// (no DSNs, URLs with credentials or secrets), and the subset of changed
// sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
			logx.String("dispatch.retry_base", newCfg.Dispatch.RetryBase),
		)
		if oldCfg.Dispatch.Workers != newCfg.Dispatch.Workers || oldCfg.Dispatch.QueueSize != newCfg.Dispatch.QueueSize {
			restart = append(restart, "dispatch.workers")
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Credentials, newCfg.Credentials) {
		changed = append(changed, "credentials")
		restart = append(restart, "credentials")
	}

	if names := changedProviders(oldCfg.Providers, newCfg.Providers); len(names) > 0 {
		changed = append(changed, "providers")
		attrs = append(attrs, logx.String("providers.changed", strings.Join(names, ",")))
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		restart = append(restart, "notify")
		attrs = append(attrs, logx.Bool("notify.amqp_enabled", newCfg.Notify.AMQP.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.Addr))
	}

	if strings.TrimSpace(oldCfg.Catalog) != strings.TrimSpace(newCfg.Catalog) {
		changed = append(changed, "catalog")
		attrs = append(attrs, logx.String("catalog", strings.TrimSpace(newCfg.Catalog)))
	}

	return changed, attrs, restart
}

func changedProviders(a, b []ProviderConfig) []string {
	index := func(ps []ProviderConfig) map[string]ProviderConfig {
		m := make(map[string]ProviderConfig, len(ps))
		for _, p := range ps {
			m[strings.ToLower(p.Name)] = p
		}
		return m
	}
	am, bm := index(a), index(b)
	var out []string
	for name, p := range bm {
		if old, ok := am[name]; !ok || !reflect.DeepEqual(old, p) {
			out = append(out, name)
		}
	}
	for name := range am {
		if _, ok := bm[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
