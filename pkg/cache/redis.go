package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis host:port.
	Addr string

	// Password for Redis authentication.
	Password string

	// DB is the Redis database number.
	DB int

	// PoolSize is the connection pool size.
	PoolSize int

	// MinIdleConns keeps warm connections in the pool.
	MinIdleConns int

	// MaxRetries bounds the client's built-in retry behavior.
	MaxRetries int

	// DialTimeout is the connection timeout.
	DialTimeout time.Duration

	// ReadTimeout is the read operation timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the write operation timeout.
	WriteTimeout time.Duration

	// IdleTimeout closes idle pool connections after this duration.
	IdleTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  5 * time.Minute,
	}
}

// RedisStore implements Store using a Redis client. The client is
// constructed and owned here; callers inject it into the services that
// need it and Close it on shutdown.
type RedisStore struct {
	client *redis.Client
	stats  Stats
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &RedisStore{client: rdb}, nil
}

// Get retrieves a value by key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			atomic.AddInt64(&s.stats.Misses, 1)
			return nil, ErrNotFound
		}
		atomic.AddInt64(&s.stats.Errors, 1)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	atomic.AddInt64(&s.stats.Hits, 1)
	return data, nil
}

// Set stores a value with a TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		atomic.AddInt64(&s.stats.Errors, 1)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	atomic.AddInt64(&s.stats.Sets, 1)
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		atomic.AddInt64(&s.stats.Errors, 1)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	atomic.AddInt64(&s.stats.Deletes, n)
	return nil
}

// Has checks if a key exists.
func (s *RedisStore) Has(ctx context.Context, key string) bool {
	n, err := s.client.Exists(ctx, key).Result()
	return err == nil && n > 0
}

// TTL reports the remaining time-to-live for a key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		atomic.AddInt64(&s.stats.Errors, 1)
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Redis reports -2 for a missing key and -1 for no expiration;
	// go-redis passes those through as raw negative durations.
	switch {
	case d == time.Duration(-2):
		return 0, ErrNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

// IncrBy atomically adds delta to a counter key.
func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		atomic.AddInt64(&s.stats.Errors, 1)
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Expire sets or refreshes a key's TTL.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		atomic.AddInt64(&s.stats.Errors, 1)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetAdd adds members to a set.
func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		atomic.AddInt64(&s.stats.Errors, 1)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetMembers returns all members of a set.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		atomic.AddInt64(&s.stats.Errors, 1)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return members, nil
}

// SetRemove removes members from a set.
func (s *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		atomic.AddInt64(&s.stats.Errors, 1)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Keys enumerates string-valued keys with the given prefix using SCAN.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	pattern := prefix + "*"

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			atomic.AddInt64(&s.stats.Errors, 1)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// DeletePrefix removes every key with the given prefix.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	var deleted int64
	var cursor uint64
	pattern := prefix + "*"

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			atomic.AddInt64(&s.stats.Errors, 1)
			return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(batch) > 0 {
			n, err := s.client.Del(ctx, batch...).Result()
			if err != nil {
				atomic.AddInt64(&s.stats.Errors, 1)
				return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	atomic.AddInt64(&s.stats.Deletes, deleted)
	return deleted, nil
}

// Ping checks store connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Stats returns store-level operation counters.
func (s *RedisStore) Stats() Stats {
	return Stats{
		Hits:    atomic.LoadInt64(&s.stats.Hits),
		Misses:  atomic.LoadInt64(&s.stats.Misses),
		Sets:    atomic.LoadInt64(&s.stats.Sets),
		Deletes: atomic.LoadInt64(&s.stats.Deletes),
		Errors:  atomic.LoadInt64(&s.stats.Errors),
	}
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
