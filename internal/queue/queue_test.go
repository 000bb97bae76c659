package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, "ingest")
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, []byte(`{"raw_message":"hello"}`), "deadbeef")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	env, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, jobID, env.ID)
	require.Equal(t, "deadbeef", env.PayloadSHA256)
	require.Equal(t, 0, env.Attempt)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n, "dequeued job leaves the main list")

	require.NoError(t, q.Ack(ctx, env))
}

func TestQueue_DequeueTimesOutOnEmptyQueue(t *testing.T) {
	q := newTestQueue(t)
	env, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, env)
}

func TestQueue_RequeueIncrementsAttemptAndReappears(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("payload"), "")
	require.NoError(t, err)

	env, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, env.Attempt)

	require.NoError(t, q.Requeue(ctx, env))
	require.Equal(t, 1, env.Attempt, "Requeue updates the envelope in place")

	redone, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, redone)
	require.Equal(t, env.ID, redone.ID)
	require.Equal(t, 1, redone.Attempt)
}

func TestQueue_FailMovesJobToFailedList(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("payload"), "")
	require.NoError(t, err)

	env, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, env, "exhausted retries"))

	failedLen, err := q.FailedLen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), failedLen)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n, "failed job is not requeued onto the main list")
}
