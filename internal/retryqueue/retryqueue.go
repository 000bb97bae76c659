// Package retryqueue implements the Collector's exponential-backoff retry
// queue and its dead letter queue, grounded on the backoff/retry idiom used
// throughout the teacher's orchestrator package (job re-attempt scheduling
// with bounded attempts) but reshaped around the Collector's simpler
// in-memory, single-process event model.
package retryqueue

import (
	"math/rand"
	"sync"
	"time"

	"centinela/internal/buffer"
)

// Entry is one event awaiting a retry attempt.
type Entry struct {
	Event       buffer.Event
	Attempts    int
	NextRetryAt time.Time
}

// Config controls backoff shape and DLQ admission.
type Config struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Now           func() time.Time // overridable for tests
	JitterSource  *rand.Rand       // overridable for deterministic tests
}

// Queue holds events awaiting retry plus the events that exhausted their
// retry budget.
type Queue struct {
	mu         sync.Mutex
	entries    []*Entry
	dlq        []Entry
	maxRetries int
	base       time.Duration
	maxDelay   time.Duration
	now        func() time.Time
	rnd        *rand.Rand
}

// New creates a Queue from cfg, filling in defaults for zero-valued
// fields.
func New(cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.JitterSource == nil {
		cfg.JitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Queue{
		maxRetries: cfg.MaxRetries,
		base:       cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		now:        cfg.Now,
		rnd:        cfg.JitterSource,
	}
}

// Enqueue schedules an event for its next retry attempt, computing
// next_retry_at = now + min(base*2^(attempts-1), max) ± 20% jitter. If
// attempts exceeds MaxRetries the event is moved to the DLQ instead and
// Enqueue returns false.
func (q *Queue) Enqueue(e buffer.Event, attempts int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if attempts > q.maxRetries {
		q.dlq = append(q.dlq, e)
		return false
	}

	delay := q.base * time.Duration(1<<uint(attempts-1))
	if delay > q.maxDelay || delay <= 0 {
		delay = q.maxDelay
	}
	jitter := 1 + (q.rnd.Float64()*0.4 - 0.2) // ±20%
	delay = time.Duration(float64(delay) * jitter)

	q.entries = append(q.entries, &Entry{
		Event:       e,
		Attempts:    attempts,
		NextRetryAt: q.now().Add(delay),
	})
	return true
}

// GetReady atomically extracts and returns all entries whose
// next_retry_at has passed.
func (q *Queue) GetReady() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []*Entry
	remaining := q.entries[:0]
	for _, e := range q.entries {
		if !e.NextRetryAt.After(now) {
			ready = append(ready, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	q.entries = remaining
	return ready
}

// Len returns the count of events currently awaiting retry (not yet ready,
// plus ready-but-unprocessed).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DLQSize returns the current dead letter queue size.
func (q *Queue) DLQSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dlq)
}

// DLQSnapshot returns a copy of the dead letter queue, for logging on
// shutdown.
func (q *Queue) DLQSnapshot() []buffer.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]buffer.Event, len(q.dlq))
	copy(out, q.dlq)
	return out
}
