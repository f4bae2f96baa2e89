package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all engine configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	ServerPort int `env:"SERVER_PORT" envDefault:"8080"`

	// Hot store (Redis-compatible) backend
	HotStoreAddr     string `env:"HOT_STORE_ADDR" envDefault:"localhost:6379"`
	HotStorePassword string `env:"HOT_STORE_PASSWORD" envDefault:""`
	HotStoreDB       int    `env:"HOT_STORE_DB" envDefault:"0"`
	HotStorePool     int    `env:"HOT_STORE_POOL" envDefault:"64"`

	// Broker
	BrokerURL       string `env:"BROKER_URL" envDefault:"nats://localhost:4222"`
	BrokerStream    string `env:"BROKER_STREAM" envDefault:"SECKILL"`
	BrokerBufferCap int    `env:"BROKER_BUFFER_CAP" envDefault:"4096"`

	// System of record. Empty disables the source-backed miss path and
	// reconciliation rules; the hot store is then the only copy.
	SourceBaseURL string `env:"SOURCE_BASE_URL" envDefault:""`

	// Rate limit tier rates (tokens/sec sustained)
	RLGlobalQPS float64 `env:"RL_GLOBAL_QPS" envDefault:"5000"`
	RLIPQPS     float64 `env:"RL_IP_QPS" envDefault:"20"`
	RLUserQPS   float64 `env:"RL_USER_QPS" envDefault:"1"`

	// Worker pool
	WorkerPoolSize  int `env:"WORKER_POOL_SIZE" envDefault:"0"` // 0 = 4 x GOMAXPROCS
	WorkerQueueSize int `env:"WORKER_QUEUE_SIZE" envDefault:"8192"`

	// Cache TTLs, in seconds. CACHE_TTL_USER is the retention of the
	// per-user counter past the activity end.
	CacheTTLActivitySec int64 `env:"CACHE_TTL_ACTIVITY" envDefault:"86400"`
	CacheTTLStockSec    int64 `env:"CACHE_TTL_STOCK" envDefault:"3600"`
	CacheTTLUserSec     int64 `env:"CACHE_TTL_USER" envDefault:"86400"`

	// Reconciler
	ReconcilerInterval       time.Duration `env:"RECONCILER_INTERVAL" envDefault:"60s"`
	ReconcilerAlertThreshold float64       `env:"RECONCILER_ALERT_THRESHOLD" envDefault:"0.95"`
	ReconcilerMaxRetries     int           `env:"RECONCILER_MAX_RETRIES" envDefault:"3"`
	ReconcilerRepair         bool          `env:"RECONCILER_REPAIR" envDefault:"true"`

	// Metrics
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"30s"`

	// Admin auth (empty disables auth on admin routes)
	AdminTokenSecret string `env:"ADMIN_TOKEN_SECRET" envDefault:""`

	// CORS allowlist, comma-separated. "*" allows any origin.
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// TrustProxyHeader honours X-Forwarded-For for the client address.
	// Enable only behind a proxy that strips the inbound header.
	TrustProxyHeader bool `env:"TRUST_PROXY_HEADER" envDefault:"false"`

	// Alerting
	AlertSlackWebhook string `env:"ALERT_SLACK_WEBHOOK" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// CacheTTLActivity returns the activity entry TTL.
func (c *Config) CacheTTLActivity() time.Duration {
	return time.Duration(c.CacheTTLActivitySec) * time.Second
}

// CacheTTLStock returns the stock counter TTL.
func (c *Config) CacheTTLStock() time.Duration {
	return time.Duration(c.CacheTTLStockSec) * time.Second
}

// CacheTTLUser returns the per-user counter retention past activity end.
func (c *Config) CacheTTLUser() time.Duration {
	return time.Duration(c.CacheTTLUserSec) * time.Second
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("SERVER_PORT must be 1-65535, got %d", c.ServerPort)
	}
	if c.HotStoreAddr == "" {
		return fmt.Errorf("HOT_STORE_ADDR is required")
	}
	if c.HotStorePool < 1 {
		return fmt.Errorf("HOT_STORE_POOL must be > 0, got %d", c.HotStorePool)
	}
	if c.BrokerURL == "" {
		return fmt.Errorf("BROKER_URL is required")
	}
	if c.BrokerBufferCap < 1 {
		return fmt.Errorf("BROKER_BUFFER_CAP must be > 0, got %d", c.BrokerBufferCap)
	}
	if c.RLGlobalQPS <= 0 || c.RLIPQPS <= 0 || c.RLUserQPS <= 0 {
		return fmt.Errorf("rate limit tier rates must all be > 0 (global=%.1f ip=%.1f user=%.1f)",
			c.RLGlobalQPS, c.RLIPQPS, c.RLUserQPS)
	}
	if c.WorkerPoolSize < 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be >= 0, got %d", c.WorkerPoolSize)
	}
	if c.WorkerQueueSize < 1 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must be > 0, got %d", c.WorkerQueueSize)
	}
	if c.ReconcilerAlertThreshold <= 0 || c.ReconcilerAlertThreshold > 1 {
		return fmt.Errorf("RECONCILER_ALERT_THRESHOLD must be in (0,1], got %.2f", c.ReconcilerAlertThreshold)
	}
	if c.ReconcilerMaxRetries < 0 {
		return fmt.Errorf("RECONCILER_MAX_RETRIES must be >= 0, got %d", c.ReconcilerMaxRetries)
	}
	if c.CacheTTLActivitySec < 1 || c.CacheTTLStockSec < 1 || c.CacheTTLUserSec < 1 {
		return fmt.Errorf("cache TTLs must all be >= 1 second (activity=%d stock=%d user=%d)",
			c.CacheTTLActivitySec, c.CacheTTLStockSec, c.CacheTTLUserSec)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("server_port", c.ServerPort).
		Str("hot_store_addr", c.HotStoreAddr).
		Int("hot_store_pool", c.HotStorePool).
		Str("broker_url", c.BrokerURL).
		Str("broker_stream", c.BrokerStream).
		Str("source_base_url", c.SourceBaseURL).
		Float64("rl_global_qps", c.RLGlobalQPS).
		Float64("rl_ip_qps", c.RLIPQPS).
		Float64("rl_user_qps", c.RLUserQPS).
		Int("worker_pool_size", c.WorkerPoolSize).
		Int("worker_queue_size", c.WorkerQueueSize).
		Dur("cache_ttl_activity", c.CacheTTLActivity()).
		Dur("cache_ttl_stock", c.CacheTTLStock()).
		Dur("cache_ttl_user", c.CacheTTLUser()).
		Dur("reconciler_interval", c.ReconcilerInterval).
		Float64("reconciler_alert_threshold", c.ReconcilerAlertThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Engine configuration loaded")
}
