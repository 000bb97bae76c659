package aicache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"centinela/internal/model"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCache(rdb, time.Hour, nil), mr
}

func TestRedisCache_SetThenGetRoundTrips(t *testing.T) {
	c, _ := newTestRedisCache(t)
	entry := model.AICacheEntry{TenantID: "t1", PatternSignature: "sig-1", ThreatDetected: true, HitCount: 3}

	c.set(context.Background(), entry)

	got, ok := c.get(context.Background(), "t1", "sig-1")
	require.True(t, ok)
	require.True(t, got.ThreatDetected)
	require.Equal(t, 3, got.HitCount)
}

func TestRedisCache_GetMissReturnsFalse(t *testing.T) {
	c, _ := newTestRedisCache(t)
	_, ok := c.get(context.Background(), "t1", "no-such-sig")
	require.False(t, ok)
}

func TestRedisCache_InvalidateRemovesEntry(t *testing.T) {
	c, _ := newTestRedisCache(t)
	entry := model.AICacheEntry{TenantID: "t1", PatternSignature: "sig-1"}
	c.set(context.Background(), entry)

	c.invalidate(context.Background(), "t1", "sig-1")

	_, ok := c.get(context.Background(), "t1", "sig-1")
	require.False(t, ok)
}

func TestRedisCache_GetAfterRedisDownDegradesToMiss(t *testing.T) {
	c, mr := newTestRedisCache(t)
	entry := model.AICacheEntry{TenantID: "t1", PatternSignature: "sig-1"}
	c.set(context.Background(), entry)
	mr.Close()

	_, ok := c.get(context.Background(), "t1", "sig-1")
	require.False(t, ok)
}
