package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache is the shared cross-run cache. Failures degrade to cache misses;
// the pipeline never blocks on cache availability.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisCache(rdb *redis.Client, prefix string, logger *zap.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("Cache read failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.rdb.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("Cache write failed", zap.Error(err))
	}
}
