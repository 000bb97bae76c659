// Package ingestworker is the Ingest Worker (spec §4.H): it consumes
// the ingest queue the Front Door (internal/ingestapi) enqueues onto
// and writes one RawEvent row per job. Transient failures (a
// disconnected database, a dropped Redis connection) are retried with
// exponential backoff; a job that exhausts its retries is moved to the
// queue's failed-jobs list and logged rather than silently dropped.
package ingestworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"centinela/internal/ingestapi"
	"centinela/internal/logging"
	"centinela/internal/model"
	"centinela/internal/queue"
)

// DefaultConcurrency is how many jobs the worker pool processes at
// once (spec §4.H).
const DefaultConcurrency = 10

// DefaultMaxAttempts is how many times a job is attempted in total (the
// first try plus retries) before it is moved to the failed-jobs list.
const DefaultMaxAttempts = 3

// DefaultBackoffBase is the base of the exponential retry backoff:
// attempt N waits DefaultBackoffBase * 2^(N-1).
const DefaultBackoffBase = time.Second

// dequeueTimeout bounds how long one BRPOPLPUSH call blocks, so a
// worker goroutine notices ctx cancellation promptly even when the
// queue is empty.
const dequeueTimeout = 5 * time.Second

// idempotencyTTL is how long a payload's SHA-256 digest is remembered
// for the best-effort duplicate check (spec §4.H: "idempotency
// best-effort via optional x-payload-sha256 header").
const idempotencyTTL = 24 * time.Hour

// Store persists the RawEvent the worker builds from one job.
type Store interface {
	InsertRawEvent(ctx context.Context, ev model.RawEvent) error
}

// Worker drains a queue.Queue with a fixed pool of goroutines.
type Worker struct {
	queue       *queue.Queue
	store       Store
	rdb         *redis.Client
	concurrency int
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Config configures a Worker. Zero values fall back to the package
// defaults.
type Config struct {
	Queue       *queue.Queue
	Store       Store
	Redis       *redis.Client
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	Logger      *slog.Logger
}

// New builds a Worker.
func New(cfg Config) *Worker {
	w := &Worker{
		queue:       cfg.Queue,
		store:       cfg.Store,
		rdb:         cfg.Redis,
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		logger:      logging.Default(cfg.Logger).With("component", "ingestworker"),
		now:         time.Now,
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = DefaultMaxAttempts
	}
	if w.backoffBase <= 0 {
		w.backoffBase = DefaultBackoffBase
	}
	return w
}

// Run starts the worker pool and blocks until ctx is cancelled, then
// waits for in-flight jobs to finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", "error", err)
			continue
		}
		if env == nil {
			continue // timed out with nothing to dequeue
		}

		w.process(ctx, env)
	}
}

func (w *Worker) process(ctx context.Context, env *queue.Envelope) {
	if env.PayloadSHA256 != "" {
		dup, err := w.seen(ctx, env.PayloadSHA256)
		if err != nil {
			w.logger.Warn("idempotency check failed, processing anyway", "job_id", env.ID, "error", err)
		} else if dup {
			w.logger.Info("duplicate payload skipped", "job_id", env.ID, "payload_sha256", env.PayloadSHA256)
			if err := w.queue.Ack(ctx, env); err != nil {
				w.logger.Error("ack duplicate job failed", "job_id", env.ID, "error", err)
			}
			return
		}
	}

	if err := w.handle(ctx, env); err != nil {
		w.retryOrFail(ctx, env, err)
		return
	}

	if err := w.queue.Ack(ctx, env); err != nil {
		w.logger.Error("ack job failed", "job_id", env.ID, "error", err)
	}
}

func (w *Worker) handle(ctx context.Context, env *queue.Envelope) error {
	var job ingestapi.IngestJob
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		// A malformed payload will never succeed on retry; surfacing it
		// as a permanent failure rather than a transient one matters
		// here, but retryOrFail doesn't distinguish — it will burn
		// maxAttempts retries and then fail the job, which is still
		// correct, just slower than necessary.
		return fmt.Errorf("decode ingest job: %w", err)
	}

	ev := model.RawEvent{
		ID:            uuid.NewString(),
		TenantID:      job.TenantID,
		SiteID:        job.SiteID,
		SourceID:      job.SourceID,
		ReceivedAt:    time.Unix(job.ReceivedAt, 0).UTC(),
		SourceIP:      job.SourceIP,
		Transport:     model.TransportHTTP,
		RawMessage:    job.RawMessage,
		CollectorName: job.CollectorName,
	}

	if err := w.store.InsertRawEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert raw event: %w", err)
	}
	return nil
}

func (w *Worker) retryOrFail(ctx context.Context, env *queue.Envelope, cause error) {
	if env.Attempt+1 >= w.maxAttempts {
		w.logger.Error("job exhausted retries", "job_id", env.ID, "attempt", env.Attempt+1, "error", cause)
		if err := w.queue.Fail(ctx, env, cause.Error()); err != nil {
			w.logger.Error("move exhausted job to failed list failed", "job_id", env.ID, "error", err)
		}
		return
	}

	backoff := w.backoffBase << env.Attempt
	w.logger.Warn("job failed, retrying", "job_id", env.ID, "attempt", env.Attempt+1, "backoff", backoff, "error", cause)
	time.Sleep(backoff)

	if err := w.queue.Requeue(ctx, env); err != nil {
		w.logger.Error("requeue job failed", "job_id", env.ID, "error", err)
	}
}

// seen reports whether payloadSHA256 has already been processed
// recently, recording it for future calls if not.
func (w *Worker) seen(ctx context.Context, payloadSHA256 string) (bool, error) {
	if w.rdb == nil {
		return false, nil
	}
	key := "ingestworker:seen:" + payloadSHA256
	ok, err := w.rdb.SetNX(ctx, key, 1, idempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return !ok, nil
}
