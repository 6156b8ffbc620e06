package session

import (
	"context"
	"log"
)

// Open validates cfg and constructs the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		store Store
		err   error
	)
	switch cfg.Store {
	case StoreFile:
		store, err = NewFileStore(cfg.BaseDir, cfg.TTL)
	case StoreRedis:
		store, err = NewRedisStore(cfg.Redis, cfg.TTL)
	case StorePostgres:
		store, err = NewPostgresStore(ctx, cfg.PostgresDSN, cfg.TTL)
	default:
		store = NewMemoryStore(cfg.TTL)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("Session store: %s (ttl=%s, sweep=%s)", cfg.Store, cfg.TTL, cfg.SweepInterval)
	return store, nil
}
