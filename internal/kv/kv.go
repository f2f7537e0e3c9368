// Package kv defines the shared key/value store contract consumed by the
// cache manager and the rate limiter, with a Redis-backed implementation
// for deployment and an in-process one for tests and standalone mode.
package kv

import (
	"context"
	"time"
)

// Store is the narrow surface the core needs from a shared networked
// key/value store: plain reads/writes, pipelined batch variants, pattern
// scan for cascade invalidation, set operations for the tag index and an
// atomic counter for cluster-wide rate limiting.
type Store interface {
	// Get returns the value for key, or (nil, false, nil) when absent or
	// expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes the value with the given TTL. Zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// MGet returns one value per key, nil for absent keys, pipelined into
	// a single round trip.
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// MSet writes all entries with a shared TTL in a single round trip.
	MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeletePattern removes every key matching the glob pattern and
	// returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// IncrBy atomically adds n to the integer at key and returns the new
	// value. When the increment creates the key, ttl is applied to it.
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)

	// TTL returns the remaining lifetime of key, or zero when the key has
	// no expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
