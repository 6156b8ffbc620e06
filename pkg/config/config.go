// Package config loads the carepath service configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/carepath/internal/observability"
	"github.com/aixgo-dev/carepath/pkg/security"
	"github.com/aixgo-dev/carepath/pkg/session"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Engine        EngineConfig         `yaml:"engine"`
	Session       session.Config       `yaml:"session"`
	Workflow      WorkflowConfig       `yaml:"workflow"`
	Directory     DirectoryConfig      `yaml:"directory"`
	RateLimit     RateLimitConfig      `yaml:"rate_limit"`
	Observability observability.Config `yaml:"observability"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	OpsPort         int           `yaml:"ops_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// APIKeys, when set, are required on every /api request.
	APIKeys []string `yaml:"api_keys"`
}

// EngineConfig selects and configures the reasoning engine.
type EngineConfig struct {
	// Provider is "openai" or "azure"
	Provider      string        `yaml:"provider"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	AzureEndpoint string        `yaml:"azure_endpoint"`
	APIVersion    string        `yaml:"api_version"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout"`
}

// WorkflowConfig tunes the triage state machine.
type WorkflowConfig struct {
	// MaxClarifications is how many clarifying questions triage may ask in a
	// row before handoff is forced.
	MaxClarifications int `yaml:"max_clarifications"`
}

// DirectoryConfig points at the provider directory file.
type DirectoryConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig bounds per-client request rates on the API. The global
// bucket is shared by all clients and is off when its rate is zero.
type RateLimitConfig struct {
	Enabled                 bool    `yaml:"enabled"`
	RequestsPerSecond       float64 `yaml:"requests_per_second"`
	Burst                   int     `yaml:"burst"`
	GlobalRequestsPerSecond float64 `yaml:"global_requests_per_second"`
	GlobalBurst             int     `yaml:"global_burst"`
}

// Limiter builds the configured limiter, or returns nil when rate limiting
// is disabled.
func (r RateLimitConfig) Limiter() *security.RateLimiter {
	if !r.Enabled {
		return nil
	}
	limiter := security.NewRateLimiter(r.RequestsPerSecond, r.Burst)
	if r.GlobalRequestsPerSecond > 0 {
		limiter.WithGlobalLimit(r.GlobalRequestsPerSecond, r.GlobalBurst)
	}
	return limiter
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			OpsPort:         9090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Timeout:  60 * time.Second,
		},
		Session: session.DefaultConfig(),
		Workflow: WorkflowConfig{
			MaxClarifications: 2,
		},
		Directory: DirectoryConfig{
			Path: "config/physicians.json",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 2,
			Burst:             10,
		},
		Observability: observability.Config{
			ServiceName: observability.DefaultServiceName,
			Exporter:    "none",
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of the defaults,
// then applies environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := security.DecodeYAML(data, cfg, security.DefaultYAMLLimits()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Engine.APIKey, "OPENAI_API_KEY")
	setString(&c.Engine.BaseURL, "OPENAI_BASE_URL")
	if v := os.Getenv("AZURE_OPENAI_ENDPOINT"); v != "" {
		c.Engine.Provider = "azure"
		c.Engine.AzureEndpoint = v
		setString(&c.Engine.APIKey, "AZURE_OPENAI_API_KEY")
		setString(&c.Engine.APIVersion, "AZURE_OPENAI_API_VERSION")
	}
	setString(&c.Engine.Model, "CAREPATH_MODEL")
	setString(&c.Directory.Path, "CAREPATH_DIRECTORY")
	setString(&c.Session.Store, "CAREPATH_STORE")
	setString(&c.Session.Redis.Addr, "REDIS_ADDR")
	setString(&c.Session.Redis.Password, "REDIS_PASSWORD")
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Session.PostgresDSN = v
	}
	if keys := os.Getenv("CAREPATH_API_KEYS"); keys != "" {
		c.Server.APIKeys = splitList(keys)
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}

	c.Observability.ApplyEnv()
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Engine.Provider {
	case "openai":
	case "azure":
		if c.Engine.AzureEndpoint == "" {
			return fmt.Errorf("engine.azure_endpoint is required for the azure provider")
		}
	default:
		return fmt.Errorf("unknown engine provider %q", c.Engine.Provider)
	}
	if c.Engine.APIKey == "" {
		return fmt.Errorf("engine API key is required (engine.api_key, OPENAI_API_KEY or AZURE_OPENAI_API_KEY)")
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be positive, got %s", c.Engine.Timeout)
	}
	if c.Directory.Path == "" {
		return fmt.Errorf("directory.path is required")
	}
	if c.Workflow.MaxClarifications < 0 {
		return fmt.Errorf("workflow.max_clarifications must not be negative, got %d", c.Workflow.MaxClarifications)
	}
	if err := validPort("server.port", c.Server.Port); err != nil {
		return err
	}
	if err := validPort("server.ops_port", c.Server.OpsPort); err != nil {
		return err
	}
	if c.Server.Port == c.Server.OpsPort {
		return fmt.Errorf("server.port and server.ops_port must differ, both are %d", c.Server.Port)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst")
	}
	if c.RateLimit.GlobalRequestsPerSecond < 0 || c.RateLimit.GlobalBurst < 0 ||
		(c.RateLimit.GlobalRequestsPerSecond > 0) != (c.RateLimit.GlobalBurst > 0) {
		return fmt.Errorf("rate_limit global_requests_per_second and global_burst must be set together")
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	return nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
