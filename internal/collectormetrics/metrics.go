// Package collectormetrics is the Collector's single in-process metrics
// registry: atomic counters, latency samples, and the derived /metrics and
// /status JSON shapes defined in spec §6. It is not shared across
// processes — each Collector instance owns exactly one Registry.
package collectormetrics

import (
	"sync/atomic"
	"time"
)

// Registry holds the Collector's atomic counters.
type Registry struct {
	startedAt time.Time

	received uint64
	sent     uint64
	failed   uint64
	dropped  uint64

	retriesQueued  uint64
	retriesSuccess uint64
	retriesDLQ     uint64

	lastLatencyMS int64
	sumLatencyMS  int64
	latencyCount  int64
}

// New creates a Registry whose uptime is measured from now.
func New() *Registry {
	return &Registry{startedAt: time.Now()}
}

func (r *Registry) IncReceived()        { atomic.AddUint64(&r.received, 1) }
func (r *Registry) AddSent(n uint64)    { atomic.AddUint64(&r.sent, n) }
func (r *Registry) AddFailed(n uint64)  { atomic.AddUint64(&r.failed, n) }
func (r *Registry) IncDropped()        { atomic.AddUint64(&r.dropped, 1) }
func (r *Registry) IncRetryQueued()     { atomic.AddUint64(&r.retriesQueued, 1) }
func (r *Registry) IncRetrySuccess()    { atomic.AddUint64(&r.retriesSuccess, 1) }
func (r *Registry) IncRetryDLQ()        { atomic.AddUint64(&r.retriesDLQ, 1) }

// ObserveLatency records one flush round-trip latency sample.
func (r *Registry) ObserveLatency(d time.Duration) {
	ms := d.Milliseconds()
	atomic.StoreInt64(&r.lastLatencyMS, ms)
	atomic.AddInt64(&r.sumLatencyMS, ms)
	atomic.AddInt64(&r.latencyCount, 1)
}

// Snapshot is the fixed-shape structure serialized as the /metrics
// endpoint body (spec §6).
type Snapshot struct {
	UptimeMS    int64        `json:"uptime_ms"`
	UptimeHuman string       `json:"uptime_human"`
	Events      EventCounts  `json:"events"`
	Retries     RetryCounts  `json:"retries"`
	Latency     LatencyStats `json:"latency"`
	Rates       RateStats    `json:"rates"`
	Buffer      BufferStats  `json:"buffer"`
	Connections ConnStats    `json:"connections"`
	Config      ConfigEcho   `json:"config"`
}

type EventCounts struct {
	Received uint64 `json:"received"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Pending  uint64 `json:"pending"`
}

type RetryCounts struct {
	Queued  uint64 `json:"queued"`
	Success uint64 `json:"success"`
	DLQ     uint64 `json:"dlq"`
}

type LatencyStats struct {
	AvgMS  float64 `json:"avg_ms"`
	LastMS int64   `json:"last_ms"`
}

type RateStats struct {
	EventsPerSecond float64 `json:"events_per_second"`
	SuccessRate     float64 `json:"success_rate"`
}

type BufferStats struct {
	Size    int     `json:"size"`
	Max     int     `json:"max"`
	Dropped uint64  `json:"dropped"`
}

type ConnStats struct {
	TCP int `json:"tcp"`
}

type ConfigEcho struct {
	BatchSize       int `json:"batch_size"`
	FlushIntervalMS int `json:"flush_interval_ms"`
	MaxRetries      int `json:"max_retries"`
}

// BufferView is the minimal view of the buffer the Registry needs in
// order to report buffer/pending stats without importing the buffer
// package's mutable internals.
type BufferView interface {
	Len() int
	Max() int
	Dropped() uint64
}

// Snapshot composes the current counters, a buffer view, the pending DLQ
// size, open TCP connection count, and the Collector's static config into
// the fixed /metrics shape.
func (r *Registry) Snapshot(buf BufferView, dlqSize int, tcpConns int, cfg ConfigEcho) Snapshot {
	received := atomic.LoadUint64(&r.received)
	sent := atomic.LoadUint64(&r.sent)
	failed := atomic.LoadUint64(&r.failed)
	dropped := atomic.LoadUint64(&r.dropped)

	uptime := time.Since(r.startedAt)
	uptimeMS := uptime.Milliseconds()

	var avgLatency float64
	if n := atomic.LoadInt64(&r.latencyCount); n > 0 {
		avgLatency = float64(atomic.LoadInt64(&r.sumLatencyMS)) / float64(n)
	}

	var eps, successRate float64
	if secs := uptime.Seconds(); secs > 0 {
		eps = float64(received) / secs
	}
	if total := sent + failed; total > 0 {
		successRate = float64(sent) / float64(total)
	}

	pending := uint64(buf.Len())

	return Snapshot{
		UptimeMS:    uptimeMS,
		UptimeHuman: uptime.Round(time.Second).String(),
		Events: EventCounts{
			Received: received,
			Sent:     sent,
			Failed:   failed,
			Dropped:  dropped,
			Pending:  pending,
		},
		Retries: RetryCounts{
			Queued:  atomic.LoadUint64(&r.retriesQueued),
			Success: atomic.LoadUint64(&r.retriesSuccess),
			DLQ:     uint64(dlqSize),
		},
		Latency: LatencyStats{
			AvgMS:  avgLatency,
			LastMS: atomic.LoadInt64(&r.lastLatencyMS),
		},
		Rates: RateStats{
			EventsPerSecond: eps,
			SuccessRate:     successRate,
		},
		Buffer: BufferStats{
			Size:    buf.Len(),
			Max:     buf.Max(),
			Dropped: buf.Dropped(),
		},
		Connections: ConnStats{TCP: tcpConns},
		Config:      cfg,
	}
}

// Status classifies overall health from current counters and the buffer,
// matching the three-way /status classification in spec §4.D.
func Status(buf BufferView, dlqSize int) string {
	usage := 100 * float64(buf.Len()) / float64(buf.Max())
	switch {
	case usage > 90 || dlqSize > 100:
		return "unhealthy"
	case usage > 70 || dlqSize > 25:
		return "degraded"
	default:
		return "healthy"
	}
}
