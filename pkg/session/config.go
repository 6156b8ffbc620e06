package session

import (
	"fmt"
	"time"
)

// Store kinds accepted by Open.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds session configuration from YAML.
type Config struct {
	// Store specifies the storage backend type.
	// Options: "memory", "file", "redis", "postgres"
	// Default: "memory"
	Store string `yaml:"store"`

	// TTL is how long a session may sit idle before it expires.
	// Default: 24h
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often idle sessions are removed.
	// Default: 60m
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// BaseDir is the base directory for file-based storage.
	// Default: ~/.carepath/sessions
	BaseDir string `yaml:"base_dir"`

	// Redis contains Redis connection settings.
	Redis RedisConfig `yaml:"redis,omitempty"`

	// PostgresDSN is the connection string for the postgres store.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Store:         StoreMemory,
		TTL:           24 * time.Hour,
		SweepInterval: 60 * time.Minute,
	}
}

// Validate checks that the configuration names a usable backend.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreFile:
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("session store %q requires redis.addr", c.Store)
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("session store %q requires postgres_dsn", c.Store)
		}
	default:
		return fmt.Errorf("unknown session store %q", c.Store)
	}
	if c.TTL < 0 {
		return fmt.Errorf("session ttl must not be negative, got %s", c.TTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("session sweep_interval must be positive, got %s", c.SweepInterval)
	}
	return nil
}
