package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/carepath/pkg/session"
)

// clearEnv unsets every variable LoadConfig looks at for the duration of t.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_API_KEY",
		"AZURE_OPENAI_API_VERSION", "CAREPATH_MODEL", "CAREPATH_DIRECTORY", "CAREPATH_STORE",
		"REDIS_ADDR", "REDIS_PASSWORD", "DATABASE_URL", "CAREPATH_API_KEYS", "PORT",
		"OTEL_SERVICE_NAME", "OTEL_TRACES_EXPORTER", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_HEADERS",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "carepath.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.Engine.Provider)
	assert.Equal(t, session.StoreMemory, cfg.Session.Store)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 60*time.Minute, cfg.Session.SweepInterval)
	assert.Equal(t, 2, cfg.Workflow.MaxClarifications)

	err = cfg.Validate()
	require.Error(t, err, "defaults carry no engine credentials")
	assert.Contains(t, err.Error(), "API key")
}

func TestLoadConfig_ValidFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 8000
  ops_port: 9100
engine:
  provider: openai
  model: gpt-4o
  api_key: sk-test-key
  timeout: 30s
session:
  store: redis
  ttl: 2h
  sweep_interval: 5m
  redis:
    addr: localhost:6379
workflow:
  max_clarifications: 3
directory:
  path: /etc/carepath/physicians.yaml
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Engine.Timeout)
	assert.Equal(t, "gpt-4o", cfg.Engine.Model)
	assert.Equal(t, session.StoreRedis, cfg.Session.Store)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, "localhost:6379", cfg.Session.Redis.Addr)
	assert.Equal(t, 3, cfg.Workflow.MaxClarifications)
	assert.Equal(t, "/etc/carepath/physicians.yaml", cfg.Directory.Path)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("CAREPATH_MODEL", "gpt-env")
	t.Setenv("CAREPATH_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/carepath")
	t.Setenv("CAREPATH_DIRECTORY", "/data/physicians.json")
	t.Setenv("CAREPATH_API_KEYS", "k1, k2,,")
	t.Setenv("PORT", "8181")

	cfg, err := LoadConfig(writeConfig(t, "engine:\n  api_key: from-file\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sk-env", cfg.Engine.APIKey)
	assert.Equal(t, "gpt-env", cfg.Engine.Model)
	assert.Equal(t, session.StorePostgres, cfg.Session.Store)
	assert.Equal(t, "postgres://localhost/carepath", cfg.Session.PostgresDSN)
	assert.Equal(t, "/data/physicians.json", cfg.Directory.Path)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, 8181, cfg.Server.Port)
}

func TestLoadConfig_AzureFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("AZURE_OPENAI_API_KEY", "azure-key")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "azure", cfg.Engine.Provider)
	assert.Equal(t, "azure-key", cfg.Engine.APIKey)
}

func TestLoadConfig_Errors(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "server: [not, a, map]"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, strings.Repeat("x: value\n", 200000)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")

	t.Setenv("PORT", "eighty")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Engine.APIKey = "sk-test"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.Engine.Provider = "bard" }, "unknown engine provider"},
		{"azure without endpoint", func(c *Config) { c.Engine.Provider = "azure" }, "azure_endpoint"},
		{"no directory", func(c *Config) { c.Directory.Path = "" }, "directory.path"},
		{"negative cap", func(c *Config) { c.Workflow.MaxClarifications = -1 }, "max_clarifications"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"same ports", func(c *Config) { c.Server.OpsPort = c.Server.Port }, "must differ"},
		{"zero timeout", func(c *Config) { c.Engine.Timeout = 0 }, "engine.timeout"},
		{"bad rate limit", func(c *Config) { c.RateLimit.Burst = 0 }, "rate_limit"},
		{"global rate without burst", func(c *Config) { c.RateLimit.GlobalRequestsPerSecond = 50 }, "global_burst"},
		{"negative global burst", func(c *Config) { c.RateLimit.GlobalBurst = -1 }, "global_burst"},
		{"unknown store", func(c *Config) { c.Session.Store = "cassandra" }, "unknown session store"},
		{"redis without addr", func(c *Config) { c.Session.Store = session.StoreRedis }, "redis.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRateLimitConfig_Limiter(t *testing.T) {
	assert.Nil(t, RateLimitConfig{}.Limiter())

	perClient := RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}.Limiter()
	require.NotNil(t, perClient)
	for _, client := range []string{"a", "b", "c"} {
		assert.True(t, perClient.Allow(client), client)
	}

	global := RateLimitConfig{
		Enabled:                 true,
		RequestsPerSecond:       0.001,
		Burst:                   2,
		GlobalRequestsPerSecond: 0.001,
		GlobalBurst:             2,
	}.Limiter()
	require.NotNil(t, global)
	assert.True(t, global.Allow("a"))
	assert.True(t, global.Allow("b"))
	assert.False(t, global.Allow("c"), "shared bucket is spent across clients")
}

func TestLoadConfig_SampleFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-sample")

	cfg, err := LoadConfig(filepath.Join("..", "..", "config", "carepath.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.2, cfg.Engine.Temperature)
	assert.Equal(t, 1500, cfg.Engine.MaxTokens)
	assert.Equal(t, "carepath:session:", cfg.Session.Redis.Prefix)
	assert.Equal(t, 50.0, cfg.RateLimit.GlobalRequestsPerSecond)
	assert.Equal(t, 100, cfg.RateLimit.GlobalBurst)
}
