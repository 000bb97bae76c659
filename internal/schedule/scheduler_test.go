package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestScheduler_RunOnceExecutesTask(t *testing.T) {
	rdb := newTestRedis(t)

	s, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), func(key string) *Lease {
		return NewLease(rdb, key, 5*time.Second)
	})
	require.NoError(t, err)
	defer s.Stop()

	var ran atomic.Bool
	require.NoError(t, s.AddJob("pipeline_tick", "normalize/detect/batch/send", "@every 1h", func(ctx context.Context, progress *JobProgress) error {
		ran.Store(true)
		progress.AddItems(3)
		return nil
	}))

	require.NoError(t, s.RunOnce("pipeline_tick"))
	require.True(t, ran.Load())

	info, ok := s.GetJob("pipeline_tick")
	require.True(t, ok)
	require.Equal(t, JobStatusCompleted, info.Progress.Status)
	require.Equal(t, int64(3), info.Progress.ItemsDone)
}

func TestScheduler_RunOnceRecordsFailure(t *testing.T) {
	rdb := newTestRedis(t)

	s, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), func(key string) *Lease {
		return NewLease(rdb, key, 5*time.Second)
	})
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.AddJob("archival_sweep", "archive old raw events", "@every 24h", func(ctx context.Context, progress *JobProgress) error {
		return fmt.Errorf("s3 unreachable")
	}))

	require.NoError(t, s.RunOnce("archival_sweep"))

	info, ok := s.GetJob("archival_sweep")
	require.True(t, ok)
	require.Equal(t, JobStatusFailed, info.Progress.Status)
	require.Contains(t, info.Progress.Error, "s3 unreachable")
}

func TestScheduler_SecondReplicaSkipsHeldLease(t *testing.T) {
	rdb := newTestRedis(t)
	newLease := func(key string) *Lease { return NewLease(rdb, key, 5*time.Second) }

	first, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), newLease)
	require.NoError(t, err)
	defer first.Stop()
	second, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), newLease)
	require.NoError(t, err)
	defer second.Stop()

	var mu sync.Mutex
	var runCount int
	task := func(ctx context.Context, progress *JobProgress) error {
		mu.Lock()
		runCount++
		mu.Unlock()
		return nil
	}

	require.NoError(t, first.AddJob("pipeline_tick", "", "@every 1h", task))
	require.NoError(t, second.AddJob("pipeline_tick", "", "@every 1h", task))

	lease := newLease("schedule:lease:pipeline_tick")
	ok, err := lease.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, first.RunOnce("pipeline_tick"))
	require.NoError(t, second.RunOnce("pipeline_tick"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, runCount, "both replicas should skip while a third party holds the lease")
}

func TestLease_RenewExtendsOnlyForHolder(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewLease(rdb, "schedule:lease:test", 2*time.Second)
	b := NewLease(rdb, "schedule:lease:test", 2*time.Second)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok, "second holder must not acquire an already-held lease")

	renewed, err := b.Renew(ctx)
	require.NoError(t, err)
	require.False(t, renewed, "non-holder must not be able to renew")

	renewed, err = a.Renew(ctx)
	require.NoError(t, err)
	require.True(t, renewed)

	require.NoError(t, a.Release(ctx))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok, "lease must be acquirable once released")
}
