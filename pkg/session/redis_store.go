package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.
// It provides shared session storage for multi-node deployments. Keys carry
// a native TTL refreshed on every write, and the sweeper removes anything the
// key expiry has not already collected.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all session keys (default: "carepath:session:").
	Prefix string `yaml:"prefix"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

const defaultRedisPrefix = "carepath:session:"

// NewRedisStore connects to Redis and returns a store whose sessions expire
// after ttl of inactivity.
func NewRedisStore(cfg RedisConfig, ttl time.Duration) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, ttl), nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for expiry checks. Intended for tests.
func (b *RedisStore) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *RedisStore) stateKey(id string) string { return b.prefix + "state:" + id }

func (b *RedisStore) indexKey() string { return b.prefix + "index" }

func (b *RedisStore) checkOpen() (func() time.Time, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	return b.now, nil
}

// Create allocates a fresh identifier and stores a default state.
func (b *RedisStore) Create(ctx context.Context) (*State, error) {
	now, err := b.checkOpen()
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		st := New(uuid.New().String(), now().UTC())
		data, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}

		ok, err := b.client.SetNX(ctx, b.stateKey(st.ID), data, b.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		if !ok {
			continue
		}
		if err := b.client.SAdd(ctx, b.indexKey(), st.ID).Err(); err != nil {
			return nil, fmt.Errorf("index session: %w", err)
		}
		return st, nil
	}
	return nil, errors.New("create session: could not allocate a unique id")
}

func (b *RedisStore) load(ctx context.Context, getter redis.Cmdable, id string) (*State, error) {
	data, err := getter.Get(ctx, b.stateKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

// Get retrieves a session by id.
func (b *RedisStore) Get(ctx context.Context, id string) (*State, error) {
	now, err := b.checkOpen()
	if err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, ErrSessionNotFound
	}

	st, err := b.load(ctx, b.client, id)
	if errors.Is(err, ErrSessionNotFound) {
		b.client.SRem(ctx, b.indexKey(), id)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if st.Expired(now(), b.ttl) {
		if _, err := b.removeIfExpired(ctx, id, now()); err != nil {
			return nil, err
		}
		return nil, ErrSessionNotFound
	}
	return st, nil
}

// Put replaces the stored state and refreshes its TTL.
func (b *RedisStore) Put(ctx context.Context, state *State) error {
	if _, err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateID(state.ID); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.stateKey(state.ID), data, b.ttl)
	pipe.SAdd(ctx, b.indexKey(), state.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Touch bumps LastActivity inside a WATCH transaction so it cannot
// interleave with a sweep of the same key.
func (b *RedisStore) Touch(ctx context.Context, id string, now time.Time) error {
	if _, err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return ErrSessionNotFound
	}

	key := b.stateKey(id)
	return b.client.Watch(ctx, func(tx *redis.Tx) error {
		st, err := b.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.Expired(now, b.ttl) {
			return ErrSessionNotFound
		}
		if now.After(st.LastActivity) {
			st.LastActivity = now
		}
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, b.ttl)
			return nil
		})
		return err
	}, key)
}

// Delete removes the session.
func (b *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	now, err := b.checkOpen()
	if err != nil {
		return false, err
	}
	if err := validateID(id); err != nil {
		return false, nil
	}

	st, err := b.load(ctx, b.client, id)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return false, err
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.stateKey(id))
	pipe.SRem(ctx, b.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}

	return st != nil && !st.Expired(now(), b.ttl), nil
}

// removeIfExpired deletes the session only if it is still expired when the
// transaction commits. A concurrent Touch or Put aborts the removal.
func (b *RedisStore) removeIfExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	key := b.stateKey(id)
	removed := false

	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		st, err := b.load(ctx, tx, id)
		if errors.Is(err, ErrSessionNotFound) {
			// Collected by the key TTL already; drop the index entry.
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SRem(ctx, b.indexKey(), id)
				return nil
			})
			removed = err == nil
			return err
		}
		if err != nil {
			return err
		}
		if !st.Expired(now, b.ttl) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, b.indexKey(), id)
			return nil
		})
		removed = err == nil
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return removed, err
}

// Sweep removes idle sessions.
func (b *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if _, err := b.checkOpen(); err != nil {
		return 0, err
	}

	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	count := 0
	for _, id := range ids {
		removed, err := b.removeIfExpired(ctx, id, now)
		if err != nil {
			return count, err
		}
		if removed {
			count++
		}
	}
	return count, nil
}

// Count returns the number of live sessions.
func (b *RedisStore) Count(ctx context.Context, now time.Time) (int, error) {
	if _, err := b.checkOpen(); err != nil {
		return 0, err
	}

	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.stateKey(id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	n := 0
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var st State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		if !st.Expired(now, b.ttl) {
			n++
		}
	}
	return n, nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisStore) Ping(ctx context.Context) error {
	if _, err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the store.
func (b *RedisStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}
