package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/medinsight-report-assembler/internal/domain"
)

// Manager handles application configuration
type Manager struct {
	v      *viper.Viper
	config *domain.Config
}

// Option customizes how a Manager loads configuration
type Option func(*Manager)

// WithConfigFile reads configuration from path instead of searching the
// default locations.
func WithConfigFile(path string) Option {
	return func(m *Manager) {
		if path != "" {
			m.v.SetConfigFile(path)
		}
	}
}

// WithFlags binds command line flags. Flag names use dots to address
// nested keys, e.g. "backend.base_url".
func WithFlags(flags *pflag.FlagSet) Option {
	return func(m *Manager) {
		if flags != nil {
			_ = m.v.BindPFlags(flags)
		}
	}
}

// NewManager creates a new configuration manager
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{v: viper.New()}

	m.v.SetConfigName("config")
	m.v.SetConfigType("yaml")
	m.v.AddConfigPath(".")
	m.v.AddConfigPath("./config")
	m.v.AddConfigPath("/etc/medinsight/")

	for _, opt := range opts {
		opt(m)
	}

	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return m, nil
}

func (m *Manager) loadConfig() error {
	m.v.SetEnvPrefix("MEDINSIGHT")
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()

	m.setDefaults()

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config domain.Config
	if err := m.v.Unmarshal(&config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = &config
	return nil
}

func (m *Manager) setDefaults() {
	v := m.v
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.max_upload_mb", 64)

	v.SetDefault("backend.base_url", "http://localhost:8123")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.analysis_timeout", "45s")
	v.SetDefault("backend.rate_limit", 10)
	v.SetDefault("backend.burst", 5)
	v.SetDefault("backend.circuit_breaker.max_requests", 3)
	v.SetDefault("backend.circuit_breaker.interval", "60s")
	v.SetDefault("backend.circuit_breaker.timeout", "30s")
	v.SetDefault("backend.circuit_breaker.failure_threshold", 5)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.memory_size", 256)
	v.SetDefault("cache.memory_ttl", "15m")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "30s")

	v.SetDefault("artifact.max_image_edge", 2048)

	v.SetDefault("session.max_sessions", 128)
	v.SetDefault("session.idle_ttl", "30m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// GetConfig returns the current configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetBackendConfig returns analysis backend configuration
func (m *Manager) GetBackendConfig() *domain.BackendConfig {
	return &m.config.Backend
}

// GetCacheConfig returns diagnosis cache configuration
func (m *Manager) GetCacheConfig() *domain.CacheConfig {
	return &m.config.Cache
}

// Reload reloads configuration from sources
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the current configuration
func (m *Manager) Validate() error {
	if m.config == nil {
		return fmt.Errorf("configuration not loaded")
	}
	c := m.config

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend base URL: %q", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 || c.Backend.AnalysisTimeout <= 0 {
		return fmt.Errorf("backend timeouts must be positive")
	}

	if c.Cache.RedisURL != "" {
		if _, err := url.Parse(c.Cache.RedisURL); err != nil {
			return fmt.Errorf("invalid cache redis URL: %w", err)
		}
	}

	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("invalid session limit: %d", c.Session.MaxSessions)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// IsProduction returns true if running in production environment
func (m *Manager) IsProduction() bool {
	return m.config.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (m *Manager) IsDevelopment() bool {
	return m.config.Environment == "development"
}
