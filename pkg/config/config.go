// Package config loads gateway configuration from a YAML file with
// environment-variable overrides and spec defaults.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration surface.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Security       SecurityConfig       `yaml:"security"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Filters        FiltersConfig        `yaml:"filters"`
	Redis          RedisConfig          `yaml:"redis"`
	Registry       RegistryConfig       `yaml:"registry"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
}

// SecurityConfig covers authentication and IP filtering.
type SecurityConfig struct {
	IPWhitelist               []string `yaml:"ip_whitelist"`
	SignatureTimeoutSeconds   int      `yaml:"signature_timeout_seconds"`
	NonceLength               int      `yaml:"nonce_length"`
	EnableTimestampValidation *bool    `yaml:"enable_timestamp_validation"`
	EnableReplayProtection    *bool    `yaml:"enable_replay_protection"`
	AuthCfgMasterKey          string   `yaml:"authcfg_master_key"` // base64
}

// RateLimitConfig covers the sliding-window limiter.
type RateLimitConfig struct {
	Enabled          *bool `yaml:"enabled"`
	WindowSeconds    int   `yaml:"window_seconds"`
	DefaultLimit     int64 `yaml:"default_limit"`
	KeyExpireSeconds int   `yaml:"key_expire_seconds"`
}

// ProxyConfig covers the upstream call path.
type ProxyConfig struct {
	DefaultTimeoutMs     int64   `yaml:"default_timeout_ms"`
	DefaultRetryCount    int     `yaml:"default_retry_count"`
	EnableRequestLogging bool    `yaml:"enable_request_logging"`
	MaxUpstreamRPS       float64 `yaml:"max_upstream_rps"` // 0 = unlimited
}

// CircuitBreakerConfig covers the per-upstream breaker.
type CircuitBreakerConfig struct {
	Enabled               *bool `yaml:"enabled"`
	FailureThreshold      int64 `yaml:"failure_threshold"`
	WindowMinutes         int   `yaml:"window_minutes"`
	OpenTimeoutMinutes    int   `yaml:"open_timeout_minutes"`
	RedisKeyExpireMinutes int   `yaml:"redis_key_expire_minutes"`
}

// FiltersConfig toggles individual filters. Logging and the response wrapper
// are structural and cannot be disabled.
type FiltersConfig struct {
	IPGuard        *bool `yaml:"ip_guard"`
	Authentication *bool `yaml:"authentication"`
	RateLimit      *bool `yaml:"rate_limit"`
	Quota          *bool `yaml:"quota"`
}

// RedisConfig selects the shared coordination store. An empty Addr selects
// the in-memory store (single-node mode).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RegistryConfig selects the durable backend. DatabaseURL wins over
// BackendURL; with neither set the in-memory registry is used (dev only).
type RegistryConfig struct {
	DatabaseURL string `yaml:"database_url"`
	BackendURL  string `yaml:"backend_url"`
	Token       string `yaml:"token"`
}

// ObservabilityConfig covers the OTLP exporters.
type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads the YAML file at path (optional), applies environment
// overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Registry.DatabaseURL = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		c.Registry.BackendURL = v
	}
	if v := os.Getenv("BACKEND_TOKEN"); v != "" {
		c.Registry.Token = v
	}
	if v := os.Getenv("AUTHCFG_MASTER_KEY"); v != "" {
		c.Security.AuthCfgMasterKey = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		c.Observability.OTLPEndpoint = v
		c.Observability.Enabled = true
	}
	if v := os.Getenv("GATEWAY_RATE_LIMIT_DEFAULT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.RateLimit.DefaultLimit = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8090"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "INFO"
	}
	if c.Security.SignatureTimeoutSeconds <= 0 {
		c.Security.SignatureTimeoutSeconds = 300
	}
	if c.Security.NonceLength <= 0 {
		c.Security.NonceLength = 16
	}
	if c.Security.EnableTimestampValidation == nil {
		c.Security.EnableTimestampValidation = boolPtr(true)
	}
	if c.Security.EnableReplayProtection == nil {
		c.Security.EnableReplayProtection = boolPtr(true)
	}
	if c.RateLimit.Enabled == nil {
		c.RateLimit.Enabled = boolPtr(true)
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.DefaultLimit == 0 {
		c.RateLimit.DefaultLimit = 1000
	}
	if c.RateLimit.KeyExpireSeconds <= 0 {
		c.RateLimit.KeyExpireSeconds = 75
	}
	if c.Proxy.DefaultTimeoutMs <= 0 {
		c.Proxy.DefaultTimeoutMs = 30000
	}
	if c.Proxy.DefaultRetryCount <= 0 {
		c.Proxy.DefaultRetryCount = 3
	}
	if c.CircuitBreaker.Enabled == nil {
		c.CircuitBreaker.Enabled = boolPtr(true)
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.WindowMinutes <= 0 {
		c.CircuitBreaker.WindowMinutes = 5
	}
	if c.CircuitBreaker.OpenTimeoutMinutes <= 0 {
		c.CircuitBreaker.OpenTimeoutMinutes = 1
	}
	if c.CircuitBreaker.RedisKeyExpireMinutes <= 0 {
		c.CircuitBreaker.RedisKeyExpireMinutes = 15
	}
	if c.Filters.IPGuard == nil {
		c.Filters.IPGuard = boolPtr(true)
	}
	if c.Filters.Authentication == nil {
		c.Filters.Authentication = boolPtr(true)
	}
	if c.Filters.RateLimit == nil {
		c.Filters.RateLimit = boolPtr(true)
	}
	if c.Filters.Quota == nil {
		c.Filters.Quota = boolPtr(true)
	}
	if c.Observability.SampleRate <= 0 {
		c.Observability.SampleRate = 1.0
	}
	if c.Observability.OTLPEndpoint == "" {
		c.Observability.OTLPEndpoint = "localhost:4317"
	}
}

// MasterKey decodes the base64 master key, returning nil when unset.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Security.AuthCfgMasterKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.Security.AuthCfgMasterKey)
	if err != nil {
		return nil, fmt.Errorf("config: decode master key: %w", err)
	}
	return key, nil
}

func boolPtr(v bool) *bool { return &v }
