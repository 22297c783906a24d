package config

import (
	"fmt"
	"strings"
	"time"
)

// Scheduler is the resolved form of SchedulerConfig.
type Scheduler struct {
	Enabled   bool
	Tick      time.Duration
	BatchSize int
	Location  *time.Location
	Retention time.Duration
}

func (c SchedulerConfig) Resolve() (Scheduler, error) {
	out := Scheduler{Enabled: c.IsEnabled(), BatchSize: c.BatchSize, Location: time.Local}
	var err error
	if out.Tick, err = ParseDurationOrDefault("scheduler.tick", c.Tick, DefaultTick); err != nil {
		return Scheduler{}, err
	}
	if out.Retention, err = ParseDurationField("scheduler.retention", c.Retention); err != nil {
		return Scheduler{}, err
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Scheduler{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

// Dispatch is the resolved form of DispatchConfig.
type Dispatch struct {
	Workers             int
	QueueSize           int
	ProviderTimeout     time.Duration
	MaxAttempts         int
	RetryBase           time.Duration
	RetryMaxDelay       time.Duration
	RateWaitBudget      time.Duration
	CircuitTripFailures int
	CircuitCooldown     time.Duration
}

func (c DispatchConfig) Resolve() (Dispatch, error) {
	out := Dispatch{
		Workers:             c.Workers,
		QueueSize:           c.QueueSize,
		MaxAttempts:         c.MaxAttempts,
		CircuitTripFailures: c.CircuitTripFailures,
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.CircuitTripFailures == 0 {
		out.CircuitTripFailures = DefaultTripFailures
	}

	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"dispatch.provider_timeout", c.ProviderTimeout, DefaultProviderTimeout, &out.ProviderTimeout},
		{"dispatch.retry_base", c.RetryBase, DefaultRetryBase, &out.RetryBase},
		{"dispatch.retry_max_delay", c.RetryMaxDelay, DefaultRetryMaxDelay, &out.RetryMaxDelay},
		{"dispatch.rate_wait_budget", c.RateWaitBudget, DefaultRateWaitBudget, &out.RateWaitBudget},
		{"dispatch.circuit_cooldown", c.CircuitCooldown, DefaultCircuitCooldown, &out.CircuitCooldown},
	}
	for _, f := range fields {
		d, err := ParseDurationOrDefault(f.path, f.raw, f.def)
		if err != nil {
			return Dispatch{}, err
		}
		*f.dst = d
	}
	if out.RetryMaxDelay < out.RetryBase {
		return Dispatch{}, fmt.Errorf("dispatch.retry_max_delay must be >= retry_base")
	}
	return out, nil
}

// RateLimit is a resolved per-provider limit. Max <= 0 means unlimited.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// Default limits per gateway kind.
var kindLimits = map[string]RateLimit{
	"twilio":   {Max: 100, Window: 24 * time.Hour},
	"textbelt": {Max: 1, Window: 24 * time.Hour},
	"telegram": {Max: 30, Window: time.Second},
}

func (p ProviderConfig) Limit() (RateLimit, error) {
	path := fmt.Sprintf("providers[%s].rate_limit", p.Name)
	if p.RateLimit.Max < 0 {
		return RateLimit{}, nil
	}
	def := kindLimits[strings.ToLower(p.Kind)]
	if p.RateLimit.Max == 0 {
		if strings.TrimSpace(p.RateLimit.Window) != "" {
			return RateLimit{}, fmt.Errorf("%s: window set without max", path)
		}
		return def, nil
	}
	defWindow := def.Window
	if defWindow <= 0 {
		defWindow = time.Minute
	}
	w, err := ParseDurationOrDefault(path+".window", p.RateLimit.Window, defWindow)
	if err != nil {
		return RateLimit{}, err
	}
	return RateLimit{Max: p.RateLimit.Max, Window: w}, nil
}

func (p ProviderConfig) Ref() string {
	if r := strings.TrimSpace(p.CredentialRef); r != "" {
		return r
	}
	return p.Name
}

func (c StorageConfig) BusyTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, DefaultBusyTimeout)
}

func (c HTTPConfig) Resolve() (addr string, readTimeout time.Duration, err error) {
	addr = strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = DefaultHTTPAddr
	}
	readTimeout, err = ParseDurationOrDefault("http.read_timeout", c.ReadTimeout, DefaultHTTPReadTimeout)
	return addr, readTimeout, err
}

func (n NotifyConfig) Buffer() int {
	if n.BusBuffer <= 0 {
		return DefaultBusBuffer
	}
	return n.BusBuffer
}
