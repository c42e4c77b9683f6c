// Package config provides typed configuration for the Sprintboard backend.
// Values load from defaults, then an optional YAML file, then environment
// variables (highest priority).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the root configuration object
type Config struct {
	Environment Environment `yaml:"environment"`

	Server       Server       `yaml:"server"`
	Supabase     Supabase     `yaml:"supabase"`
	Cache        Cache        `yaml:"cache"`
	Invalidation Invalidation `yaml:"invalidation"`
	Breaker      Breaker      `yaml:"breaker"`
	Subscription Subscription `yaml:"subscription"`
	Metrics      Metrics      `yaml:"metrics"`
}

// Server holds HTTP server settings
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Supabase holds remote store and change feed settings
type Supabase struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`

	// Collections the backend subscribes to on startup
	Collections []string `yaml:"collections"`
}

// Cache holds cache store settings
type Cache struct {
	MaxEntries      int           `yaml:"maxEntries"`
	DefaultTTL      time.Duration `yaml:"defaultTtl"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// Invalidation holds background processor settings
type Invalidation struct {
	MaxQueue  int           `yaml:"maxQueue"`
	BatchSize int           `yaml:"batchSize"`
	Interval  time.Duration `yaml:"interval"`
}

// Breaker holds circuit breaker and remote call settings
type Breaker struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	CallTimeout      time.Duration `yaml:"callTimeout"`
}

// Subscription holds change feed retry and sweep settings
type Subscription struct {
	BackoffBase   time.Duration `yaml:"backoffBase"`
	BackoffCap    time.Duration `yaml:"backoffCap"`
	BackoffJitter float64       `yaml:"backoffJitter"`
	MaxRetries    int           `yaml:"maxRetries"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	StaleAfter    time.Duration `yaml:"staleAfter"`
}

// Metrics holds observability settings
type Metrics struct {
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: Development,
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Supabase: Supabase{
			// Local supabase dev stack; production requires explicit values.
			URL:         "http://127.0.0.1:54321",
			APIKey:      "dev-anon-key",
			Collections: []string{"teams", "schedules", "sprints"},
		},
		Cache: Cache{
			MaxEntries:      10000,
			DefaultTTL:      5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Invalidation: Invalidation{
			MaxQueue:  1000,
			BatchSize: 10,
			Interval:  time.Second,
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			CallTimeout:      5 * time.Second,
		},
		Subscription: Subscription{
			BackoffBase:   time.Second,
			BackoffCap:    30 * time.Second,
			BackoffJitter: 0.1,
			MaxRetries:    3,
			SweepInterval: 5 * time.Minute,
			StaleAfter:    30 * time.Minute,
		},
		Metrics: Metrics{
			Namespace: "sprintboard",
		},
	}
}

// LoadConfig loads configuration: defaults, then the YAML file named by
// CONFIG_FILE (if set), then environment variables.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.loadEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile overlays values from a YAML file.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// loadEnvironment applies environment variable overrides.
func (c *Config) loadEnvironment() {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = Environment(v)
	}

	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.RequestTimeout = getEnvDuration("SERVER_REQUEST_TIMEOUT", c.Server.RequestTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Supabase.URL = getEnv("SUPABASE_URL", c.Supabase.URL)
	c.Supabase.APIKey = getEnv("SUPABASE_API_KEY", c.Supabase.APIKey)

	c.Cache.MaxEntries = getEnvInt("CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.DefaultTTL = getEnvDuration("CACHE_DEFAULT_TTL", c.Cache.DefaultTTL)
	c.Cache.CleanupInterval = getEnvDuration("CACHE_CLEANUP_INTERVAL", c.Cache.CleanupInterval)

	c.Invalidation.MaxQueue = getEnvInt("INVALIDATION_MAX_QUEUE", c.Invalidation.MaxQueue)
	c.Invalidation.BatchSize = getEnvInt("INVALIDATION_BATCH_SIZE", c.Invalidation.BatchSize)
	c.Invalidation.Interval = getEnvDuration("INVALIDATION_INTERVAL", c.Invalidation.Interval)

	c.Breaker.FailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.ResetTimeout = getEnvDuration("BREAKER_RESET_TIMEOUT", c.Breaker.ResetTimeout)
	c.Breaker.CallTimeout = getEnvDuration("BREAKER_CALL_TIMEOUT", c.Breaker.CallTimeout)

	c.Subscription.BackoffBase = getEnvDuration("SUBSCRIPTION_BACKOFF_BASE", c.Subscription.BackoffBase)
	c.Subscription.BackoffCap = getEnvDuration("SUBSCRIPTION_BACKOFF_CAP", c.Subscription.BackoffCap)
	c.Subscription.MaxRetries = getEnvInt("SUBSCRIPTION_MAX_RETRIES", c.Subscription.MaxRetries)
	c.Subscription.SweepInterval = getEnvDuration("SUBSCRIPTION_SWEEP_INTERVAL", c.Subscription.SweepInterval)
	c.Subscription.StaleAfter = getEnvDuration("SUBSCRIPTION_STALE_AFTER", c.Subscription.StaleAfter)

	c.Metrics.Namespace = getEnv("METRICS_NAMESPACE", c.Metrics.Namespace)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache default TTL must be positive, got %v", c.Cache.DefaultTTL)
	}
	if c.Invalidation.BatchSize <= 0 {
		return fmt.Errorf("invalidation batch size must be positive, got %d", c.Invalidation.BatchSize)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Subscription.BackoffJitter < 0 || c.Subscription.BackoffJitter > 1 {
		return fmt.Errorf("subscription backoff jitter must be within [0,1], got %v", c.Subscription.BackoffJitter)
	}
	if c.Environment == Production {
		defaults := DefaultConfig().Supabase
		if c.Supabase.URL == "" || c.Supabase.URL == defaults.URL ||
			c.Supabase.APIKey == "" || c.Supabase.APIKey == defaults.APIKey {
			return fmt.Errorf("supabase URL and API key are required in production")
		}
	}
	return nil
}

// IsProduction returns true when running in production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// Environment variable helpers

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
