package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the tracking store service.
// Environment variables are automatically parsed from the TRACKSTORE_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string      `envconfig:"LOG_LEVEL" default:"info"`

	// Backing store
	BackendURL     string        `envconfig:"BACKEND_URL" default:"redis://localhost:6379/0"`
	BackendTimeout time.Duration `envconfig:"BACKEND_TIMEOUT" default:"3s"`

	// Ops HTTP listener (health + metrics)
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Connection pool
	PoolSize           int           `envconfig:"POOL_SIZE" default:"10"`
	PoolAcquireTimeout time.Duration `envconfig:"POOL_ACQUIRE_TIMEOUT" default:"5s"`
	PoolProbeInterval  time.Duration `envconfig:"POOL_PROBE_INTERVAL" default:"30s"`

	// Circuit breaker
	BreakerThreshold     int           `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown      time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
	BreakerMaxCooldown   time.Duration `envconfig:"BREAKER_MAX_COOLDOWN" default:"5m"`
	BreakerSuccessStreak int           `envconfig:"BREAKER_SUCCESS_STREAK" default:"3"`

	// Durable fallback queue
	FallbackQueuePath string `envconfig:"FALLBACK_QUEUE_PATH" default:"trackstore-fallback.db"`

	// Batch writer
	BatchThreshold int           `envconfig:"BATCH_THRESHOLD" default:"100"`
	BatchInterval  time.Duration `envconfig:"BATCH_INTERVAL" default:"5s"`

	// Codec
	CompressMin     int `envconfig:"COMPRESS_MIN" default:"1024"`
	CompressWorkers int `envconfig:"COMPRESS_WORKERS" default:"4"`

	// Caches
	SettingsCacheSize    int           `envconfig:"SETTINGS_CACHE_SIZE" default:"512"`
	SettingsCacheTTL     time.Duration `envconfig:"SETTINGS_CACHE_TTL" default:"5m"`
	CategoryCacheSize    int           `envconfig:"CATEGORY_CACHE_SIZE" default:"1024"`
	CategoryCacheTTL     time.Duration `envconfig:"CATEGORY_CACHE_TTL" default:"1m"`
	UserCacheSize        int           `envconfig:"USER_CACHE_SIZE" default:"4096"`
	LeaderboardCacheSize int           `envconfig:"LEADERBOARD_CACHE_SIZE" default:"256"`
	LeaderboardCacheTTL  time.Duration `envconfig:"LEADERBOARD_CACHE_TTL" default:"30s"`

	// Limits and retention
	MaxCategories  int           `envconfig:"MAX_CATEGORIES" default:"50"`
	EntryRetention time.Duration `envconfig:"ENTRY_RETENTION" default:"2160h"` // 90 days
}

// ResolveDefaults validates the parsed configuration and fills derived
// values.
func (c *Config) ResolveDefaults() error {
	switch c.Environment {
	case EnvDevelopment, EnvTesting, EnvProduction:
	default:
		return fmt.Errorf("unsupported ENVIRONMENT: %s", c.Environment)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("unsupported LOG_LEVEL: %s", c.LogLevel)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL must be set")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("POOL_SIZE must be positive, got %d", c.PoolSize)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be positive, got %d", c.BreakerThreshold)
	}
	if c.BreakerMaxCooldown < c.BreakerCooldown {
		return fmt.Errorf("BREAKER_MAX_COOLDOWN (%s) below BREAKER_COOLDOWN (%s)", c.BreakerMaxCooldown, c.BreakerCooldown)
	}
	if c.BatchThreshold <= 0 {
		return fmt.Errorf("BATCH_THRESHOLD must be positive, got %d", c.BatchThreshold)
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// Environment variables should be prefixed with TRACKSTORE_
// Example: TRACKSTORE_BACKEND_URL, TRACKSTORE_HTTP_PORT
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("TRACKSTORE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Int("port", cfg.HTTPPort).
		Int("pool_size", cfg.PoolSize).
		Int("breaker_threshold", cfg.BreakerThreshold).
		Dur("breaker_cooldown", cfg.BreakerCooldown).
		Int("batch_threshold", cfg.BatchThreshold).
		Dur("batch_interval", cfg.BatchInterval).
		Str("fallback_queue", cfg.FallbackQueuePath).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	return &Config{
		Environment:          EnvTesting,
		LogLevel:             "info",
		BackendURL:           "redis://localhost:6379/15",
		BackendTimeout:       time.Second,
		HTTPPort:             8080,
		PoolSize:             2,
		PoolAcquireTimeout:   time.Second,
		BreakerThreshold:     5,
		BreakerCooldown:      time.Second,
		BreakerMaxCooldown:   10 * time.Second,
		BreakerSuccessStreak: 1,
		FallbackQueuePath:    ":memory:",
		BatchThreshold:       10,
		BatchInterval:        100 * time.Millisecond,
		CompressMin:          1024,
		CompressWorkers:      2,
		LeaderboardCacheTTL:  time.Second,
		MaxCategories:        50,
		EntryRetention:       90 * 24 * time.Hour,
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the ops HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
