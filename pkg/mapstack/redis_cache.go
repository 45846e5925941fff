package mapstack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// RedisConfig holds Redis connection settings for the shared cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces cache keys. Defaults to "podform:mapdata:".
	Prefix string
	// TTL bounds how long a result is kept. Zero keeps results until cleared.
	TTL time.Duration
}

// RedisCache shares resolved results between processes through Redis.
// Payloads are YAML encoded so integer values survive the round trip.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis mapdata cache")
	return newRedisCache(client, cfg, logger), nil
}

func newRedisCache(client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *RedisCache {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "podform:mapdata:"
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		logger: logger.With().Str("component", "mapstack-redis").Logger(),
	}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*Result, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var res Result
	if err := yaml.Unmarshal(data, &res); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return nil, false, nil
	}
	res.Values, _ = Normalize(res.Values).(map[string]any)
	return &res, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, res *Result) error {
	data, err := yaml.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Clear removes every key under the cache prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
