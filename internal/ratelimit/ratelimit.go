// Package ratelimit implements the Ingestion Front Door's per-tenant
// sliding-window rate limiter (spec §4.F). Counters live in Redis so
// the limit is shared across every Front Door replica, unlike a local
// token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces a sliding request-count window per key (typically
// "tenant:<id>") using a Redis sorted set: each request adds a member
// scored by its arrival time, expired members are trimmed off the low
// end, and the remaining cardinality is the request count for the
// window. Fails open (Allow returns true) if Redis is unreachable,
// since availability of ingestion matters more than exact rate
// enforcement during a Redis outage.
type Limiter struct {
	rdb *redis.Client
}

// New builds a Limiter backed by rdb.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// slidingWindowScript performs the whole check atomically: trim
// expired entries, count what remains, and either admit (adding a new
// entry) or reject, all in one round trip so concurrent requests from
// the same tenant can't race past the limit between separate commands.
// A rejection returns -1, a distinct sentinel, rather than the
// pre-admit count — that count is always exactly max_requests on every
// over-limit call (a rejected call never ZADDs), which would be
// indistinguishable from a legitimately-admitted request landing on
// the last slot if the two branches shared a return convention.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms - window_ms)
local count = redis.call("ZCARD", key)

if count >= max_requests then
	return -1
end

redis.call("ZADD", key, now_ms, member)
redis.call("PEXPIRE", key, window_ms)
return count + 1
`)

// Result carries everything a caller needs to both decide admission and
// populate the spec's X-RateLimit-* response headers (spec §4.F steps
// 3-4).
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Allow reports whether a request against key is admitted under the
// given budget. On a rejection, RetryAfter is a conservative estimate
// of how long the caller should wait before trying again (the full
// window, since this simple limiter does not track the oldest entry's
// exact age); Remaining is 0 and ResetAt is window out from now for the
// same reason.
func (l *Limiter) Allow(ctx context.Context, key string, maxRequests int, window time.Duration) (Result, error) {
	now := time.Now()
	// A random member suffix keeps same-millisecond requests from the
	// same tenant from colliding in the sorted set (ZADD would
	// otherwise silently dedupe identical scored members).
	member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())

	count, err := slidingWindowScript.Run(ctx, l.rdb, []string{key}, now.UnixMilli(), window.Milliseconds(), maxRequests, member).Int64()
	if err != nil {
		return Result{Allowed: true, Limit: maxRequests, Remaining: maxRequests, ResetAt: now.Add(window)},
			fmt.Errorf("rate limit check for %s: %w", key, err)
	}

	if count == -1 {
		return Result{
			Allowed:    false,
			Limit:      maxRequests,
			Remaining:  0,
			ResetAt:    now.Add(window),
			RetryAfter: window,
		}, nil
	}

	remaining := maxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   true,
		Limit:     maxRequests,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}, nil
}
