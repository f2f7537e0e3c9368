package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sentinelops/threatgraph/internal/logging"
)

// RedisConfig contains connection settings for the shared Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// ScanCount is the COUNT hint for pattern scans.
	ScanCount int
}

// DefaultRedisConfig returns a configuration with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		PoolSize:  32,
		ScanCount: 500,
	}
}

// Ensure Redis implements Store
var _ Store = (*Redis)(nil)

// Redis implements Store on a shared Redis instance. All batch operations
// are pipelined; pattern deletion uses SCAN rather than KEYS so it never
// blocks the server on large keyspaces.
type Redis struct {
	client *redis.Client
	config RedisConfig
	logger zerolog.Logger
}

// NewRedis creates a Redis-backed store. Connectivity is not verified here;
// callers that need a hard check call Ping.
func NewRedis(config RedisConfig) *Redis {
	if config.ScanCount <= 0 {
		config.ScanCount = DefaultRedisConfig().ScanCount
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})
	return &Redis{
		client: client,
		config: config,
		logger: logging.Component("kv.redis"),
	}
}

// Get returns the value for key, or absent on a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set writes the value with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// MGet fetches all keys in one round trip. Absent keys yield nil.
func (r *Redis) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// MSet writes all entries with a shared TTL through a single pipeline.
// Redis MSET cannot carry expirations, so each entry is a pipelined SET.
func (r *Redis) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, k, v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes the given keys.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// DeletePattern scans for keys matching the glob pattern and deletes them
// in batches. Returns the number of keys removed.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, int64(r.config.ScanCount)).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return removed, err
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// IncrBy atomically adds n to the counter at key. The TTL is attached only
// when the increment created the key, so an established window keeps its
// original deadline.
func (r *Redis) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	val, err := r.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, err
	}
	if val == n && ttl > 0 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Failed to set counter expiry")
		}
	}
	return val, nil
}

// TTL returns the remaining lifetime of key.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		// -1 no expiry, -2 missing key
		return 0, nil
	}
	return d, nil
}

// SAdd adds members to the set at key.
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

// SMembers returns all members of the set at key.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
