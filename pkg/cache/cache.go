// Package cache provides the KV store layer backing the response cache.
// It defines a Store interface with TTL, atomic counter, and set-member
// primitives, implemented by a Redis client for production and an
// in-memory store for tests and local development.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrNotFound is returned when a key does not exist. It is a normal
	// negative result, distinct from a connectivity failure.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable wraps store connectivity failures. Callers should
	// treat the cache as an optional accelerator and fail open.
	ErrUnavailable = errors.New("store unavailable")
)

// Store defines the KV operations the cache service depends on.
// All methods take a context and are safe for concurrent use.
type Store interface {
	// Get retrieves a value by key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL. Zero TTL means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Returns ErrNotFound if it did not exist.
	Delete(ctx context.Context, key string) error

	// Has checks if a key exists without retrieving the value.
	Has(ctx context.Context, key string) bool

	// TTL reports the remaining time-to-live for a key. Zero means the
	// key has no expiration; ErrNotFound means it does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// IncrBy atomically adds delta to an integer counter, creating it
	// at zero if absent, and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets or refreshes a key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SetAdd adds members to the set stored at key.
	SetAdd(ctx context.Context, key string, members ...string) error

	// SetMembers returns all members of the set at key. A missing set
	// yields an empty slice, not an error.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetRemove removes members from the set at key.
	SetRemove(ctx context.Context, key string, members ...string) error

	// Keys enumerates all value keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// DeletePrefix removes every key (values, counters, and sets) with
	// the given prefix and returns the number deleted.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error

	// Stats returns store-level operation counters.
	Stats() Stats

	// Close releases resources.
	Close() error
}

// Stats holds store-level operation counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
	Errors  int64

	// Size is the current number of value entries (in-memory store only).
	Size int64

	// Evictions and Expirations track capacity and TTL removals
	// (in-memory store only; Redis handles both natively).
	Evictions   int64
	Expirations int64
}

// Entry represents an item held by the in-memory store.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired checks if the entry has expired.
func (e Entry) IsExpired() bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(e.ExpiresAt)
}
