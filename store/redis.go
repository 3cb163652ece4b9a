package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long a resolved credential stays cached.
const DefaultCacheTTL = 5 * time.Minute

// RedisConfig holds configuration for the credential cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL of cached keys. Default 5m.
	TTL time.Duration
	// Prefix namespaces cache keys. Default "simplydash:apikey:".
	Prefix string
}

// RedisCache is a read-through cache in front of another Store. Missing
// credentials are not cached so a newly configured key is picked up at once.
type RedisCache struct {
	rdb    redis.UniversalClient
	next   Store
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to Redis and wraps next.
func NewRedisCache(ctx context.Context, cfg RedisConfig, next Store) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return WrapRedis(rdb, cfg, next), nil
}

// WrapRedis builds a cache on an existing client.
func WrapRedis(rdb redis.UniversalClient, cfg RedisConfig, next Store) *RedisCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "simplydash:apikey:"
	}
	return &RedisCache{rdb: rdb, next: next, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) APIKey(ctx context.Context, assistantID string) (string, error) {
	key := c.prefix + assistantID
	val, err := c.rdb.Get(ctx, key).Result()
	if err == nil && val != "" {
		return val, nil
	}
	cacheUp := err == nil || errors.Is(err, redis.Nil)

	val, err = c.next.APIKey(ctx, assistantID)
	if err != nil {
		return "", err
	}
	if cacheUp {
		// Write failures are ignored.
		_ = c.rdb.Set(ctx, key, val, c.ttl).Err()
	}
	return val, nil
}

// Invalidate drops the cached key for assistantID.
func (c *RedisCache) Invalidate(ctx context.Context, assistantID string) error {
	return c.rdb.Del(ctx, c.prefix+assistantID).Err()
}

func (c *RedisCache) Close() error { return c.rdb.Close() }
