// Package metrics is the backend's Prometheus exposition surface. It is
// additive to the Collector's bespoke JSON /metrics shape
// (internal/collectormetrics) — the backend's pipeline stages have no
// equivalent bespoke shape in spec.md, so counters here follow the
// ecosystem-standard client_golang convention instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline holds every counter/gauge/histogram the pipeline stages touch.
// One Pipeline per process, registered against a private Registry so
// tests can construct isolated instances without colliding on the
// default global registry.
type Pipeline struct {
	registry *prometheus.Registry

	EventsNormalized    *prometheus.CounterVec
	EventsParseFailed   *prometheus.CounterVec
	DetectionsCreated   *prometheus.CounterVec
	DetectionsUpdated   *prometheus.CounterVec
	DigestsCreated      *prometheus.CounterVec
	EmailsSent          *prometheus.CounterVec
	EmailsFailed        *prometheus.CounterVec
	AICacheHits         *prometheus.CounterVec
	AICacheMisses       *prometheus.CounterVec
	AIOrchestratorCalls *prometheus.CounterVec
	AIOrchestratorError *prometheus.CounterVec
	ArchivedEvents      prometheus.Counter
	TickDuration        *prometheus.HistogramVec
}

// NewPipeline builds a Pipeline registered against a fresh Registry.
func NewPipeline() *Pipeline {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Pipeline{
		registry: reg,
		EventsNormalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "normalize", Name: "events_total",
			Help: "Normalized events written, by tenant.",
		}, []string{"tenant_id"}),
		EventsParseFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "normalize", Name: "parse_failures_total",
			Help: "Raw events that failed to parse, by tenant.",
		}, []string{"tenant_id"}),
		DetectionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "rules", Name: "detections_created_total",
			Help: "New detections inserted, by tenant and detection type.",
		}, []string{"tenant_id", "detection_type"}),
		DetectionsUpdated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "rules", Name: "detections_updated_total",
			Help: "Existing open detections extended, by tenant and detection type.",
		}, []string{"tenant_id", "detection_type"}),
		DigestsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "batch", Name: "digests_created_total",
			Help: "Digests created, by tenant.",
		}, []string{"tenant_id"}),
		EmailsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "dispatch", Name: "emails_sent_total",
			Help: "Digest emails successfully sent, by tenant.",
		}, []string{"tenant_id"}),
		EmailsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "dispatch", Name: "emails_failed_total",
			Help: "Digest email send attempts that failed, by tenant.",
		}, []string{"tenant_id"}),
		AICacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "aicache", Name: "hits_total",
			Help: "AI knowledge cache lookups served from cache, by tenant.",
		}, []string{"tenant_id"}),
		AICacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "aicache", Name: "misses_total",
			Help: "AI knowledge cache lookups that missed, by tenant.",
		}, []string{"tenant_id"}),
		AIOrchestratorCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "aiclient", Name: "orchestrator_calls_total",
			Help: "Orchestrator dispatch attempts, by tenant.",
		}, []string{"tenant_id"}),
		AIOrchestratorError: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "aiclient", Name: "orchestrator_errors_total",
			Help: "Orchestrator dispatch attempts that errored, by tenant.",
		}, []string{"tenant_id"}),
		ArchivedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "centinela", Subsystem: "archive", Name: "events_archived_total",
			Help: "Raw events archived to cold storage and deleted.",
		}),
		TickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "centinela", Subsystem: "schedule", Name: "tick_duration_seconds",
			Help:    "Wall-clock duration of one pipeline stage tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}

// Registry exposes the underlying prometheus.Registry for the /metrics-prom
// HTTP handler to gather from.
func (p *Pipeline) Registry() *prometheus.Registry {
	return p.registry
}
