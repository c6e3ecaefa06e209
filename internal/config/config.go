// Package config provides configuration management for framebuf using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/framebuf/framebuf/internal/models"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultPoolSize            = 10
	defaultBatchSize           = 10
	defaultBlock               = 1 * time.Second
	defaultBaseInterval        = 100 * time.Millisecond
	defaultMaxRetries          = 3
	defaultRetryBackoff        = 100 * time.Millisecond
	defaultRetryWindow         = 5 * time.Second
	defaultHeartbeatInterval   = 30 * time.Second
	defaultLivenessTimeout     = 60 * time.Second
	defaultLivenessInterval    = 10 * time.Second
	defaultEvictionRetention   = 5 * time.Minute
	defaultCheckInterval       = 5 * time.Second
	defaultAlertCooldown       = 5 * time.Minute
	defaultFailureThreshold    = 5
	defaultRecoveryTimeout     = 60 * time.Second
	defaultSuccessThreshold    = 3
	defaultHalfOpenMaxCalls    = 3
	defaultCallTimeout         = 10 * time.Second
	defaultStarvationThreshold = 100
	defaultQueueMaxAge         = 60 * time.Second
	defaultDrainTimeout        = 30 * time.Second
	defaultStaleAge            = 1 * time.Hour
	defaultDLQMaxLen           = 10000
	defaultMaintenanceCron     = "@every 10m"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	StreamStore  StreamStoreConfig  `mapstructure:"streamstore"`
	Router       RouterConfig       `mapstructure:"router"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Address returns the host:port the server binds to.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StreamStoreConfig holds the stream store connection and naming settings.
type StreamStoreConfig struct {
	URL            string        `mapstructure:"url"`
	PoolSize       int           `mapstructure:"pool_size"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	MaxSessionErrs int           `mapstructure:"max_session_errors"`
	IngressStream  string        `mapstructure:"ingress_stream"`
	DLQStream      string        `mapstructure:"dlq_stream"`
	ConsumerGroup  string        `mapstructure:"consumer_group"`
}

// RouterConfig holds the ingress consumption and routing settings.
type RouterConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	Block             time.Duration `mapstructure:"block"`
	BaseInterval      time.Duration `mapstructure:"base_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	RetryWindow       time.Duration `mapstructure:"retry_window"`
	DefaultCapability string        `mapstructure:"default_capability"`
	DedupTTL          time.Duration `mapstructure:"dedup_ttl"`
}

// RegistryConfig holds processor liveness settings.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LivenessTimeout   time.Duration `mapstructure:"liveness_timeout"`
	LivenessInterval  time.Duration `mapstructure:"liveness_check_interval"`
	EvictionRetention time.Duration `mapstructure:"eviction_retention"`
	PersistSnapshot   bool          `mapstructure:"persist_snapshot"`
}

// BreakerConfig holds circuit breaker settings shared by all processors.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// BackpressureConfig holds pressure thresholds and monitor settings.
type BackpressureConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Low           float64       `mapstructure:"low"`
	High          float64       `mapstructure:"high"`
	Critical      float64       `mapstructure:"critical"`
	Adaptive      bool          `mapstructure:"adaptive"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
}

// QueueConfig holds priority queue settings.
type QueueConfig struct {
	StarvationThreshold int           `mapstructure:"starvation_threshold"`
	MaxAge              time.Duration `mapstructure:"max_age"`
}

// MaintenanceConfig holds periodic stream maintenance settings.
type MaintenanceConfig struct {
	Cron      string        `mapstructure:"cron"`
	StaleAge  time.Duration `mapstructure:"stale_age"`
	DLQMaxLen int64         `mapstructure:"dlq_max_len"`
}

// Load reads configuration from the optional file path, environment
// variables, and defaults, in increasing order of precedence for env vars.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("FRAMEBUF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindLegacyEnv recognizes the flat environment variables used by the
// deployment tooling alongside the FRAMEBUF_-prefixed forms. Variables
// carrying an explicit unit suffix (_S, _MS) are converted to durations.
func bindLegacyEnv(v *viper.Viper) {
	bind := func(key string, env string) {
		_ = v.BindEnv(key, env)
	}
	bind("streamstore.url", "STREAM_STORE_URL")
	bind("streamstore.ingress_stream", "INGRESS_STREAM")
	bind("streamstore.dlq_stream", "DLQ_STREAM")
	bind("streamstore.consumer_group", "CONSUMER_GROUP")
	bind("router.batch_size", "BATCH_SIZE")
	bind("backpressure.low", "BACKPRESSURE_LOW")
	bind("backpressure.high", "BACKPRESSURE_HIGH")
	bind("backpressure.critical", "BACKPRESSURE_CRITICAL")
	bind("breaker.failure_threshold", "CB_FAILURE_THRESHOLD")
	bind("breaker.success_threshold", "CB_SUCCESS_THRESHOLD")

	durationFromEnv(v, "router.block", "BLOCK_MS", time.Millisecond)
	durationFromEnv(v, "registry.heartbeat_interval", "HEARTBEAT_INTERVAL_S", time.Second)
	durationFromEnv(v, "registry.liveness_timeout", "LIVENESS_TIMEOUT_S", time.Second)
	durationFromEnv(v, "backpressure.check_interval", "BACKPRESSURE_CHECK_INTERVAL_S", time.Second)
	durationFromEnv(v, "breaker.recovery_timeout", "CB_RECOVERY_TIMEOUT_S", time.Second)
}

func durationFromEnv(v *viper.Viper, key, env string, unit time.Duration) {
	raw := os.Getenv(env)
	if raw == "" {
		return
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	v.Set(key, time.Duration(n)*unit)
}

// SetDefaults configures default values for all configuration options.
// Exported so the CLI can seed the global viper before flag binding.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("streamstore.url", "redis://localhost:6379")
	v.SetDefault("streamstore.pool_size", defaultPoolSize)
	v.SetDefault("streamstore.dial_timeout", 5*time.Second)
	v.SetDefault("streamstore.max_session_errors", 5)
	v.SetDefault("streamstore.ingress_stream", models.DefaultIngressStream)
	v.SetDefault("streamstore.dlq_stream", models.DefaultDLQStream)
	v.SetDefault("streamstore.consumer_group", models.DefaultConsumerGroup)

	v.SetDefault("router.batch_size", defaultBatchSize)
	v.SetDefault("router.block", defaultBlock)
	v.SetDefault("router.base_interval", defaultBaseInterval)
	v.SetDefault("router.max_retries", defaultMaxRetries)
	v.SetDefault("router.retry_backoff", defaultRetryBackoff)
	v.SetDefault("router.retry_window", defaultRetryWindow)
	v.SetDefault("router.default_capability", "detection")
	v.SetDefault("router.dedup_ttl", time.Hour)

	v.SetDefault("registry.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("registry.liveness_timeout", defaultLivenessTimeout)
	v.SetDefault("registry.liveness_check_interval", defaultLivenessInterval)
	v.SetDefault("registry.eviction_retention", defaultEvictionRetention)
	v.SetDefault("registry.persist_snapshot", true)

	v.SetDefault("breaker.failure_threshold", defaultFailureThreshold)
	v.SetDefault("breaker.recovery_timeout", defaultRecoveryTimeout)
	v.SetDefault("breaker.success_threshold", defaultSuccessThreshold)
	v.SetDefault("breaker.half_open_max_calls", defaultHalfOpenMaxCalls)
	v.SetDefault("breaker.call_timeout", defaultCallTimeout)

	v.SetDefault("backpressure.check_interval", defaultCheckInterval)
	v.SetDefault("backpressure.low", 0.6)
	v.SetDefault("backpressure.high", 0.8)
	v.SetDefault("backpressure.critical", 0.95)
	v.SetDefault("backpressure.adaptive", false)
	v.SetDefault("backpressure.alert_cooldown", defaultAlertCooldown)

	v.SetDefault("queue.starvation_threshold", defaultStarvationThreshold)
	v.SetDefault("queue.max_age", defaultQueueMaxAge)

	v.SetDefault("maintenance.cron", defaultMaintenanceCron)
	v.SetDefault("maintenance.stale_age", defaultStaleAge)
	v.SetDefault("maintenance.dlq_max_len", defaultDLQMaxLen)
}

// Validate checks configuration invariants that would otherwise surface as
// undefined behavior deep inside the routing loop. Violations are fatal.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return models.NewError(models.KindFatal, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	if c.StreamStore.URL == "" {
		return models.NewError(models.KindFatal, fmt.Errorf("streamstore.url is required"))
	}
	if c.Router.BatchSize <= 0 {
		return models.NewError(models.KindFatal, fmt.Errorf("router.batch_size must be positive"))
	}
	if !(c.Backpressure.Low < c.Backpressure.High && c.Backpressure.High < c.Backpressure.Critical) {
		return models.NewError(models.KindFatal, fmt.Errorf(
			"backpressure thresholds must be ordered low < high < critical, got %v < %v < %v",
			c.Backpressure.Low, c.Backpressure.High, c.Backpressure.Critical))
	}
	if c.Backpressure.Critical > 1.0 {
		return models.NewError(models.KindFatal, fmt.Errorf("backpressure.critical must be <= 1.0"))
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return models.NewError(models.KindFatal, fmt.Errorf("breaker thresholds must be positive"))
	}
	if c.Registry.LivenessTimeout < c.Registry.HeartbeatInterval {
		return models.NewError(models.KindFatal, fmt.Errorf(
			"registry.liveness_timeout must be at least the heartbeat interval"))
	}
	return nil
}
