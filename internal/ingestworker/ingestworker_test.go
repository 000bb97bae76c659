package ingestworker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"centinela/internal/ingestapi"
	"centinela/internal/model"
	"centinela/internal/queue"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []model.RawEvent
	failN    int // fail this many calls before succeeding
}

func (s *fakeStore) InsertRawEvent(ctx context.Context, ev model.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("transient db error")
	}
	s.inserted = append(s.inserted, ev)
	return nil
}

func (s *fakeStore) events() []model.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RawEvent, len(s.inserted))
	copy(out, s.inserted)
	return out
}

func newTestWorker(t *testing.T, store *fakeStore) (*Worker, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, "ingest")
	w := New(Config{
		Queue:       q,
		Store:       store,
		Redis:       rdb,
		Concurrency: 2,
		BackoffBase: time.Millisecond,
	})
	return w, q
}

func enqueueJob(t *testing.T, q *queue.Queue, job ingestapi.IngestJob, sha string) string {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	id, err := q.Enqueue(context.Background(), payload, sha)
	require.NoError(t, err)
	return id
}

func runUntil(t *testing.T, w *Worker, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestWorker_WritesRawEventForOneJob(t *testing.T) {
	store := &fakeStore{}
	w, q := newTestWorker(t, store)

	enqueueJob(t, q, ingestapi.IngestJob{TenantID: "t1", RawMessage: "hello", ReceivedAt: time.Now().Unix()}, "")

	runUntil(t, w, func() bool { return len(store.events()) == 1 })

	events := store.events()
	require.Len(t, events, 1)
	require.Equal(t, "t1", events[0].TenantID)
	require.Equal(t, "hello", events[0].RawMessage)
	require.Equal(t, model.TransportHTTP, events[0].Transport)
	require.NotEmpty(t, events[0].ID)
}

func TestWorker_RetriesTransientFailureThenSucceeds(t *testing.T) {
	store := &fakeStore{failN: 2}
	w, q := newTestWorker(t, store)

	enqueueJob(t, q, ingestapi.IngestJob{TenantID: "t1", RawMessage: "retry me", ReceivedAt: time.Now().Unix()}, "")

	runUntil(t, w, func() bool { return len(store.events()) == 1 })

	require.Len(t, store.events(), 1)

	failedLen, err := q.FailedLen(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), failedLen)
}

func TestWorker_MovesJobToFailedListAfterMaxAttempts(t *testing.T) {
	store := &fakeStore{failN: 99}
	w, q := newTestWorker(t, store)

	enqueueJob(t, q, ingestapi.IngestJob{TenantID: "t1", RawMessage: "never succeeds", ReceivedAt: time.Now().Unix()}, "")

	runUntil(t, w, func() bool {
		n, _ := q.FailedLen(context.Background())
		return n == 1
	})

	require.Empty(t, store.events())
	failedLen, err := q.FailedLen(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), failedLen)
}

func TestWorker_SkipsDuplicatePayloadBySHA256(t *testing.T) {
	store := &fakeStore{}
	w, q := newTestWorker(t, store)

	job := ingestapi.IngestJob{TenantID: "t1", RawMessage: "dup", ReceivedAt: time.Now().Unix()}
	enqueueJob(t, q, job, "samehash")

	runUntil(t, w, func() bool { return len(store.events()) == 1 })
	require.Len(t, store.events(), 1)

	enqueueJob(t, q, job, "samehash")
	runUntil(t, w, func() bool {
		n, _ := q.Len(context.Background())
		return n == 0
	})

	// The duplicate is acked without a second insert.
	require.Len(t, store.events(), 1)
}
