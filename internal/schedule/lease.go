package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a Redis-backed mutual-exclusion lock used to make sure only
// one Centinela replica runs the pipeline tick (and the archival job) at
// a time, even when every replica runs an identical local scheduler
// (spec §3.O: "exactly-once ticking across replicas").
type Lease struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// NewLease builds a Lease for the given key. token identifies this
// replica's holder identity so a renew/release never clobbers a lease
// acquired by a different replica after this one's lease expired.
func NewLease(rdb *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, key: key, token: uuid.NewString(), ttl: ttl}
}

// TryAcquire attempts a non-blocking SET NX PX. Returns true if this
// replica now holds the lease.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Renew extends the lease's TTL if, and only if, this replica still
// holds it — implemented as a Lua script so the compare-and-extend is
// atomic against a concurrent expiry-then-steal by another replica.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func (l *Lease) Renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	return res == 1, nil
}

// Release drops the lease if this replica still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Result(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Holder returns the current lease holder's token, or "" if unheld.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	v, err := l.rdb.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease %s: %w", l.key, err)
	}
	return v, nil
}
