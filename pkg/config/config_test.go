package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.Listen)
	assert.Equal(t, 300, cfg.Security.SignatureTimeoutSeconds)
	assert.Equal(t, 16, cfg.Security.NonceLength)
	assert.True(t, *cfg.Security.EnableTimestampValidation)
	assert.True(t, *cfg.Security.EnableReplayProtection)
	assert.True(t, *cfg.RateLimit.Enabled)
	assert.Equal(t, 60, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, int64(1000), cfg.RateLimit.DefaultLimit)
	assert.Equal(t, 75, cfg.RateLimit.KeyExpireSeconds)
	assert.Equal(t, int64(30000), cfg.Proxy.DefaultTimeoutMs)
	assert.True(t, *cfg.CircuitBreaker.Enabled)
	assert.Equal(t, int64(5), cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 5, cfg.CircuitBreaker.WindowMinutes)
	assert.Equal(t, 1, cfg.CircuitBreaker.OpenTimeoutMinutes)
	assert.True(t, *cfg.Filters.Authentication)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9000"
security:
  ip_whitelist: ["10.0.0.0/8"]
  signature_timeout_seconds: 120
  enable_replay_protection: false
rate_limit:
  default_limit: 50
filters:
  ip_guard: false
circuit_breaker:
  failure_threshold: 10
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Security.IPWhitelist)
	assert.Equal(t, 120, cfg.Security.SignatureTimeoutSeconds)
	assert.False(t, *cfg.Security.EnableReplayProtection, "explicit false survives defaulting")
	assert.Equal(t, int64(50), cfg.RateLimit.DefaultLimit)
	assert.False(t, *cfg.Filters.IPGuard)
	assert.Equal(t, int64(10), cfg.CircuitBreaker.FailureThreshold)
	// Untouched sections still pick up defaults.
	assert.Equal(t, 16, cfg.Security.NonceLength)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_LISTEN", ":7070")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("DATABASE_URL", "postgres://gw@db/gw")
	t.Setenv("GATEWAY_RATE_LIMIT_DEFAULT", "200")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres://gw@db/gw", cfg.Registry.DatabaseURL)
	assert.Equal(t, int64(200), cfg.RateLimit.DefaultLimit)
}

func TestMasterKey(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Nil(t, key, "unset master key is not an error")

	raw := []byte("0123456789abcdef0123456789abcdef")
	cfg.Security.AuthCfgMasterKey = base64.StdEncoding.EncodeToString(raw)
	key, err = cfg.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	cfg.Security.AuthCfgMasterKey = "not base64!!"
	_, err = cfg.MasterKey()
	assert.Error(t, err)
}
