// Package queue implements the Redis-backed reliable queue that sits
// between the Ingestion Front Door and the Ingest Worker (spec
// §4.E-H): the Front Door enqueues one job per accepted event, and the
// worker dequeues, processes, and either acknowledges or retries it.
//
// The queue is a plain Redis list rather than a consumer-group stream
// (the ecosystem-standard choice here would be Streams, but Centinela's
// single-worker-pool consumption pattern doesn't need consumer groups,
// and a list keeps the same go-redis/v9 client already wired for the
// rate limiter and the scheduler's lease in internal/ratelimit and
// internal/schedule). Reliability comes from BRPOPLPUSH's atomic
// move-to-processing-list semantics: a job is only ever removed from
// the processing list once the worker explicitly acks, retries, or
// fails it, so a worker crash mid-job leaves the job recoverable
// rather than silently dropped.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Envelope wraps a caller's opaque payload with the bookkeeping the
// reliable-queue pattern needs to retry or fail it.
type Envelope struct {
	ID            string    `json:"id"`
	Payload       []byte    `json:"payload"`
	PayloadSHA256 string    `json:"payload_sha256,omitempty"`
	Attempt       int       `json:"attempt"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Queue is one named reliable queue backed by rdb.
type Queue struct {
	rdb  *redis.Client
	name string
}

// New builds a Queue named name, backed by rdb.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

func (q *Queue) mainKey() string       { return fmt.Sprintf("queue:%s", q.name) }
func (q *Queue) processingKey() string { return fmt.Sprintf("queue:%s:processing", q.name) }
func (q *Queue) failedKey() string     { return fmt.Sprintf("queue:%s:failed", q.name) }

// Enqueue pushes a new job carrying payload and returns its generated
// job ID. payloadSHA256 is optional and carried through unchanged for
// the consumer's best-effort idempotency check.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, payloadSHA256 string) (string, error) {
	env := Envelope{
		ID:            uuid.NewString(),
		Payload:       payload,
		PayloadSHA256: payloadSHA256,
		EnqueuedAt:    time.Now(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.mainKey(), raw).Err(); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return env.ID, nil
}

// Dequeue blocks up to timeout for a job, atomically moving it onto
// the processing list so it survives a crash between Dequeue and the
// caller's Ack/Requeue/Fail. Returns nil, nil on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	raw, err := q.rdb.BRPopLPush(ctx, q.mainKey(), q.processingKey(), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &env, nil
}

// Ack removes a successfully processed job from the processing list.
func (q *Queue) Ack(ctx context.Context, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", env.ID, err)
	}
	return nil
}

// Requeue moves env off the processing list and back onto the main
// queue with Attempt incremented, for a transient failure that still
// has retries left. env.Attempt is updated in place.
func (q *Queue) Requeue(ctx context.Context, env *Envelope) error {
	old, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	env.Attempt++
	updated, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, old)
	pipe.LPush(ctx, q.mainKey(), updated)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue job %s: %w", env.ID, err)
	}
	return nil
}

// failedEnvelope is what Fail records in the failed-jobs list: the job
// as it stood at its final attempt, plus why it was given up on.
type failedEnvelope struct {
	Envelope
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Fail moves env off the processing list and onto the failed-jobs list
// once retries are exhausted.
func (q *Queue) Fail(ctx context.Context, env *Envelope, reason string) error {
	old, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	raw, err := json.Marshal(failedEnvelope{Envelope: *env, Reason: reason, FailedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal failed job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, old)
	pipe.RPush(ctx, q.failedKey(), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job %s: %w", env.ID, err)
	}
	return nil
}

// Len reports how many jobs are waiting to be dequeued.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.mainKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// FailedLen reports how many jobs have been given up on.
func (q *Queue) FailedLen(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.failedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed queue length: %w", err)
	}
	return n, nil
}
