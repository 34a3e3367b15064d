package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Backend     BackendConfig  `mapstructure:"backend"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Artifact    ArtifactConfig `mapstructure:"artifact"`
	Session     SessionConfig  `mapstructure:"session"`
	Logging     LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxUploadMB  int64         `mapstructure:"max_upload_mb"`
}

// BackendConfig represents the analysis backend client configuration
type BackendConfig struct {
	BaseURL         string               `mapstructure:"base_url"`
	Timeout         time.Duration        `mapstructure:"timeout"`
	AnalysisTimeout time.Duration        `mapstructure:"analysis_timeout"`
	RateLimit       int                  `mapstructure:"rate_limit"` // requests per second
	Burst           int                  `mapstructure:"burst"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig represents circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// CacheConfig represents the diagnosis cache configuration
type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MemorySize  int           `mapstructure:"memory_size"`
	MemoryTTL   time.Duration `mapstructure:"memory_ttl"`
	RedisURL    string        `mapstructure:"redis_url"` // empty disables the Redis tier
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// ArtifactConfig controls how upload artifacts are prepared
type ArtifactConfig struct {
	MaxImageEdge int `mapstructure:"max_image_edge"` // 0 keeps the original size
}

// SessionConfig controls the host's workflow sessions
type SessionConfig struct {
	MaxSessions int           `mapstructure:"max_sessions"`
	IdleTTL     time.Duration `mapstructure:"idle_ttl"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
