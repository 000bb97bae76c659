package aicache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"centinela/internal/logging"
	"centinela/internal/model"
)

// RedisCache is a best-effort read-through accelerator in front of the
// durable Store: entries are mirrored to Redis on every Store write and
// consulted first on lookup, so a warm signature never touches
// Postgres. Any Redis error degrades silently to a miss — the durable
// Store remains the source of truth.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache builds a RedisCache. ttl bounds how long a mirrored
// entry survives in Redis independent of the entry's own expires_at,
// so a cache that stops receiving invalidations doesn't serve forever.
func NewRedisCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logging.Default(logger).With("component", "aicache.redis")}
}

func redisKey(tenantID, signature string) string {
	return "aicache:" + tenantID + ":" + signature
}

func (c *RedisCache) get(ctx context.Context, tenantID, signature string) (*model.AICacheEntry, bool) {
	raw, err := c.rdb.Get(ctx, redisKey(tenantID, signature)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed", "error", err)
		}
		return nil, false
	}

	var entry model.AICacheEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("msgpack unmarshal failed", "error", err)
		return nil, false
	}
	return &entry, true
}

func (c *RedisCache) set(ctx context.Context, entry model.AICacheEntry) {
	raw, err := msgpack.Marshal(entry)
	if err != nil {
		c.logger.Warn("msgpack marshal failed", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, redisKey(entry.TenantID, entry.PatternSignature), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", "error", err)
	}
}

func (c *RedisCache) invalidate(ctx context.Context, tenantID, signature string) {
	if err := c.rdb.Del(ctx, redisKey(tenantID, signature)).Err(); err != nil {
		c.logger.Warn("redis del failed", "error", err)
	}
}
