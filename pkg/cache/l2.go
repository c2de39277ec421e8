package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// ErrNotFound is returned by L2 lookups that miss
var ErrNotFound = errors.New("cache: not found")

// L2 is the shared cross-process layer. Implementations must treat their own
// failures as misses at the facade level; the facade never propagates L2
// faults when a miss is a safe alternative.
type L2 interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, key string) error
	DeleteMatching(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisConfig configures the redis-backed L2
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DefaultRedisConfig returns the default L2 configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address: "localhost:6379",
		Prefix:  "inkwell",
	}
}

// RedisL2 implements L2 over a redis client. Entries are stored as JSON with
// a redis TTL covering the grace window so stale-with-grace reads remain
// possible.
type RedisL2 struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	logger observability.Logger
}

// NewRedisL2 creates a redis-backed L2 layer
func NewRedisL2(client *redis.Client, config RedisConfig, grace time.Duration, logger observability.Logger) *RedisL2 {
	if config.Prefix == "" {
		config.Prefix = "inkwell"
	}
	if logger == nil {
		logger = observability.NewLogger("cache.l2")
	}
	return &RedisL2{
		client: client,
		prefix: config.Prefix,
		grace:  grace,
		logger: logger,
	}
}

func (r *RedisL2) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

// Get fetches and decodes an entry
func (r *RedisL2) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &e, nil
}

// Set encodes and stores an entry with a TTL extended by the grace window
func (r *RedisL2) Set(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return r.client.Set(ctx, r.redisKey(e.Key), data, e.TTL+r.grace).Err()
}

// Delete removes an entry
func (r *RedisL2) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.redisKey(key)).Err()
}

// DeleteMatching removes entries whose key contains the pattern, scanning in
// batches to avoid blocking the server.
func (r *RedisL2) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	match := fmt.Sprintf("%s:*%s*", r.prefix, pattern)
	if pattern == "" {
		match = fmt.Sprintf("%s:*", r.prefix)
	}

	deleted := 0
	iter := r.client.Scan(ctx, 0, match, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, err
			}
			deleted += len(keys)
			keys = keys[:0]
		}
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return deleted, err
		}
		deleted += len(keys)
	}
	return deleted, iter.Err()
}

// Ping checks connectivity
func (r *RedisL2) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (r *RedisL2) Close() error {
	return r.client.Close()
}
