package config

import "time"

type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Storage     StorageConfig     `json:"storage"`
	Credentials CredentialsConfig `json:"credentials"`
	Providers   []ProviderConfig  `json:"providers" validate:"dive"`
	Notify      NotifyConfig      `json:"notify"`
	HTTP        HTTPConfig        `json:"http"`
	// Catalog is an optional YAML file of templates and contacts, re-read on
	// every reload.
	Catalog string `json:"catalog,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool           `json:"console"`
	File    FileSinkConfig `json:"file"`
}

type FileSinkConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the due-message scan.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "24h").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - tick: "30s"
//   - batch_size: 100
//   - timezone: Local
//   - retention: "0s" (keep finished entries forever)
type SchedulerConfig struct {
	// Enabled is a pointer so an explicit false differs from "omitted".
	Enabled   *bool  `json:"enabled,omitempty"`
	Tick      string `json:"tick,omitempty"`
	BatchSize int    `json:"batch_size,omitempty" validate:"gte=0"`
	Timezone  string `json:"timezone,omitempty"`
	Retention string `json:"retention,omitempty"`
}

// DispatchConfig controls the worker pool and retry policy.
//
// Defaults:
//   - workers: 4
//   - queue_size: 64
//   - provider_timeout: "15s"
//   - max_attempts: 3 (per provider, per occurrence)
//   - retry_base: "2s"
//   - retry_max_delay: "1m"
//   - rate_wait_budget: "15s"
//   - circuit_trip_failures: 5 (negative disables the breaker)
//   - circuit_cooldown: "1m"
type DispatchConfig struct {
	Workers             int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize           int    `json:"queue_size,omitempty" validate:"gte=0"`
	ProviderTimeout     string `json:"provider_timeout,omitempty"`
	MaxAttempts         int    `json:"max_attempts,omitempty" validate:"gte=0"`
	RetryBase           string `json:"retry_base,omitempty"`
	RetryMaxDelay       string `json:"retry_max_delay,omitempty"`
	RateWaitBudget      string `json:"rate_wait_budget,omitempty"`
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitCooldown     string `json:"circuit_cooldown,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=memory sqlite postgres"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty" validate:"required_if=Driver postgres"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// HistoryFile mirrors every dispatch attempt to a JSON-lines file.
	HistoryFile string `json:"history_file,omitempty"`
}

type CredentialsConfig struct {
	Driver         string `json:"driver,omitempty" validate:"omitempty,oneof=env keyring memory"`
	Dotenv         string `json:"dotenv,omitempty"`
	EnvPrefix      string `json:"env_prefix,omitempty"`
	KeyringService string `json:"keyring_service,omitempty"`
}

type ProviderConfig struct {
	Name          string          `json:"name" validate:"required"`
	Kind          string          `json:"kind" validate:"required,oneof=twilio textbelt telegram console"`
	Priority      int             `json:"priority"`
	Active        *bool           `json:"active,omitempty"`
	RateLimit     RateLimitConfig `json:"rate_limit"`
	CredentialRef string          `json:"credential_ref,omitempty"`
	Countries     []string        `json:"countries,omitempty" validate:"dive,len=2"`
	BaseURL       string          `json:"base_url,omitempty" validate:"omitempty,url"`
	From          string          `json:"from,omitempty"`
	// DefaultRegion is used to format numbers written without a country code.
	DefaultRegion string `json:"default_region,omitempty" validate:"omitempty,len=2"`
}

// RateLimitConfig caps sends per rolling window. Max 0 means the kind's default;
// a negative Max disables limiting.
type RateLimitConfig struct {
	Max    int    `json:"max"`
	Window string `json:"window,omitempty"`
}

type NotifyConfig struct {
	BusBuffer int        `json:"bus_buffer,omitempty" validate:"gte=0"`
	Log       *bool      `json:"log,omitempty"`
	AMQP      AMQPConfig `json:"amqp"`
}

type AMQPConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty" validate:"required_if=Enabled true"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

type HTTPConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"`
	ReadTimeout string `json:"read_timeout,omitempty"`
	Pprof       bool   `json:"pprof,omitempty"`
}

const (
	DefaultTick            = 30 * time.Second
	DefaultBatchSize       = 100
	DefaultWorkers         = 4
	DefaultQueueSize       = 64
	DefaultProviderTimeout = 15 * time.Second
	DefaultMaxAttempts     = 3
	DefaultRetryBase       = 2 * time.Second
	DefaultRetryMaxDelay   = time.Minute
	DefaultRateWaitBudget  = 15 * time.Second
	DefaultTripFailures    = 5
	DefaultCircuitCooldown = time.Minute
	DefaultBusyTimeout     = time.Second
	DefaultBusBuffer       = 64
	DefaultHTTPAddr        = "127.0.0.1:9464"
	DefaultHTTPReadTimeout = 10 * time.Second
	DefaultSQLitePath      = "./smsmaster.db"
)

// Default is the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: DefaultSQLitePath},
		Providers: []ProviderConfig{
			{Name: "console", Kind: "console", Priority: 1000},
		},
	}
}

func (c SchedulerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (p ProviderConfig) IsActive() bool { return p.Active == nil || *p.Active }

func (n NotifyConfig) LogEnabled() bool { return n.Log == nil || *n.Log }
