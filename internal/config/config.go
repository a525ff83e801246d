package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Provider   ProviderConfig   `mapstructure:"provider"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	CallEventTopic  string        `mapstructure:"call_event_topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatcherConfig governs the queue drain loop and the registry caps.
type DispatcherConfig struct {
	SystemLimit      int           `mapstructure:"system_limit"`
	DefaultUserLimit int           `mapstructure:"default_user_limit"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	OrphanStaleAfter time.Duration `mapstructure:"orphan_stale_after"`
	OrphanSweepEvery time.Duration `mapstructure:"orphan_sweep_every"`
}

// WebhookConfig governs the terminal-event retry pipeline.
type WebhookConfig struct {
	MaxAttempts   int             `mapstructure:"max_attempts"`
	RetryDelays   []time.Duration `mapstructure:"retry_delays"`
	TickInterval  time.Duration   `mapstructure:"tick_interval"`
	DrainTimeout  time.Duration   `mapstructure:"drain_timeout"`
	DLQRetainDays int             `mapstructure:"dlq_retain_days"`
}

// CacheConfig holds per-instance cache knobs plus refresher settings.
type CacheConfig struct {
	Instances            map[string]CacheInstanceConfig `mapstructure:"instances"`
	RefreshInterval      time.Duration                  `mapstructure:"refresh_interval"`
	RefreshThreshold     float64                        `mapstructure:"refresh_threshold"`
	RefreshBatchSize     int                            `mapstructure:"refresh_batch_size"`
	MaxConcurrentRefresh int                            `mapstructure:"max_concurrent_refresh"`
}

type CacheInstanceConfig struct {
	MaxSize         int           `mapstructure:"max_size"`
	MaxMemory       int64         `mapstructure:"max_memory"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UseMock        bool          `mapstructure:"use_mock"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	setDefaults(v)
	bindOperatorEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if ms := v.GetInt("dispatcher.tick_interval_ms"); ms > 0 {
		cfg.Dispatcher.TickInterval = time.Duration(ms) * time.Millisecond
	}

	normalize(cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dispatcher.system_limit", 10)
	v.SetDefault("dispatcher.default_user_limit", 2)
	v.SetDefault("dispatcher.tick_interval", 10*time.Second)
	v.SetDefault("dispatcher.orphan_stale_after", 30*time.Minute)
	v.SetDefault("dispatcher.orphan_sweep_every", 5*time.Minute)

	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.retry_delays", []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute})
	v.SetDefault("webhook.tick_interval", 10*time.Second)
	v.SetDefault("webhook.drain_timeout", 30*time.Second)
	v.SetDefault("webhook.dlq_retain_days", 7)

	v.SetDefault("cache.refresh_interval", 5*time.Minute)
	v.SetDefault("cache.refresh_threshold", 0.8)
	v.SetDefault("cache.refresh_batch_size", 20)
	v.SetDefault("cache.max_concurrent_refresh", 4)
}

// bindOperatorEnv binds the flat variable names the platform documents for
// operators, which predate the prefixed names viper derives itself.
func bindOperatorEnv(v *viper.Viper) {
	_ = v.BindEnv("dispatcher.system_limit", "SYSTEM_CONCURRENT_CALLS_LIMIT")
	_ = v.BindEnv("dispatcher.default_user_limit", "DEFAULT_USER_CONCURRENT_CALLS_LIMIT")
	_ = v.BindEnv("dispatcher.tick_interval_ms", "QUEUE_PROCESSOR_INTERVAL")
}

func normalize(cfg *Config) {
	if cfg.Dispatcher.SystemLimit <= 0 {
		cfg.Dispatcher.SystemLimit = 10
	}
	if cfg.Dispatcher.DefaultUserLimit <= 0 {
		cfg.Dispatcher.DefaultUserLimit = 2
	}
	if cfg.Dispatcher.TickInterval <= 0 {
		cfg.Dispatcher.TickInterval = 10 * time.Second
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 3
	}
	if len(cfg.Webhook.RetryDelays) == 0 {
		cfg.Webhook.RetryDelays = []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute}
	}
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
