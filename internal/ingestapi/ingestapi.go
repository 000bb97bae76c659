// Package ingestapi is the Ingestion Front Door (spec §4.E-G): the
// HTTP surface Collectors post syslog batches to. It wires the API-key
// gate (internal/auth), the per-tenant sliding-window rate limiter
// (internal/ratelimit), and request validation in front of a single
// job: decode, validate, and hand the event off to the ingest queue
// for the Ingest Worker (spec §4.H) to persist.
package ingestapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"centinela/internal/auth"
	"centinela/internal/config"
	"centinela/internal/logging"
	"centinela/internal/queue"
	"centinela/internal/ratelimit"
)

// MaxBodyBytes caps a single request body (spec §4.G).
const MaxBodyBytes = 256 * 1024

// MaxBulkEvents caps how many events one bulk request may carry.
const MaxBulkEvents = 100

// IngestJob is the payload enqueued for one accepted event. It carries
// the tenant ID resolved by the auth gate rather than anything the
// caller supplied, since a request body's own tenant_id (if any) is
// never trusted.
type IngestJob struct {
	TenantID      string `json:"tenant_id"`
	RawMessage    string `json:"raw_message"`
	ReceivedAt    int64  `json:"received_at,omitempty"`
	SourceIP      string `json:"source_ip,omitempty"`
	SiteID        string `json:"site_id,omitempty"`
	SourceID      string `json:"source_id,omitempty"`
	CollectorName string `json:"collector_name,omitempty"`
}

// ingestRequest is the wire shape of one event in either endpoint's
// request body. ReceivedAt is an RFC3339 (ISO-8601) timestamp string
// (spec §6); a missing or unparseable value falls back to the time the
// Front Door received the request.
type ingestRequest struct {
	RawMessage    string `json:"raw_message" validate:"required"`
	ReceivedAt    string `json:"received_at,omitempty"`
	SourceIP      string `json:"source_ip,omitempty"`
	SiteID        string `json:"site_id,omitempty"`
	SourceID      string `json:"source_id,omitempty"`
	CollectorName string `json:"collector_name,omitempty"`
}

type bulkIngestRequest struct {
	Events []ingestRequest `json:"events" validate:"required,min=1,max=100,dive"`
}

// API serves the Ingestion Front Door's HTTP endpoints.
type API struct {
	queue       *queue.Queue
	configStore config.Store
	limiter     *ratelimit.Limiter
	validate    *validator.Validate
	logger      *slog.Logger
}

// Config configures an API.
type Config struct {
	Queue       *queue.Queue
	ConfigStore config.Store
	// Limiter enforces per-tenant rate tiers. Nil disables rate limiting
	// (used by tests that don't care about it).
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

// New builds an API.
func New(cfg Config) *API {
	return &API{
		queue:       cfg.Queue,
		configStore: cfg.ConfigStore,
		limiter:     cfg.Limiter,
		validate:    validator.New(),
		logger:      logging.Default(cfg.Logger).With("component", "ingestapi"),
	}
}

// Routes builds the chi router: the auth gate and rate limiter wrap
// every route, in that order, so an unauthenticated request never
// consumes rate-limit budget.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	gate := auth.New(a.configStore, a.logger)

	r.Group(func(r chi.Router) {
		r.Use(gate.Middleware)
		if a.limiter != nil {
			r.Use(ratelimit.Middleware(a.limiter, tenantRateLimitKey(a.configStore, a.logger), a.logger))
		}
		r.Post("/v1/ingest/syslog", a.handleIngest)
		r.Post("/v1/ingest/syslog/bulk", a.handleIngestBulk)
	})

	return r
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	var req ingestRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err)
		return
	}

	job := toJob(tenantID, req)
	payload, err := json.Marshal(job)
	if err != nil {
		a.logger.Error("marshal ingest job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", nil)
		return
	}

	jobID, err := a.queue.Enqueue(r.Context(), payload, r.Header.Get("X-Payload-SHA256"))
	if err != nil {
		a.logger.Error("enqueue ingest job failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "queue_unavailable", nil)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok": true, "accepted": true, "job_id": jobID,
	})
}

func (a *API) handleIngestBulk(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	var req bulkIngestRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if len(req.Events) > MaxBulkEvents {
		writeError(w, http.StatusBadRequest, "too_many_events", nil)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err)
		return
	}

	jobIDs := make([]string, 0, len(req.Events))
	for _, ev := range req.Events {
		job := toJob(tenantID, ev)
		payload, err := json.Marshal(job)
		if err != nil {
			a.logger.Error("marshal ingest job failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", nil)
			return
		}
		jobID, err := a.queue.Enqueue(r.Context(), payload, "")
		if err != nil {
			a.logger.Error("enqueue bulk ingest job failed", "tenant_id", tenantID, "error", err)
			writeError(w, http.StatusInternalServerError, "queue_unavailable", nil)
			return
		}
		jobIDs = append(jobIDs, jobID)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok": true, "accepted": len(jobIDs), "job_ids": jobIDs,
	})
}

func toJob(tenantID string, req ingestRequest) IngestJob {
	job := IngestJob{
		TenantID:      tenantID,
		RawMessage:    req.RawMessage,
		ReceivedAt:    parseReceivedAt(req.ReceivedAt),
		SourceIP:      req.SourceIP,
		SiteID:        req.SiteID,
		SourceID:      req.SourceID,
		CollectorName: req.CollectorName,
	}
	return job
}

// parseReceivedAt parses the wire's RFC3339 received_at string into a
// Unix-seconds timestamp for the internal job payload. An empty or
// unparseable value falls back to now, the same as a collector that
// never set the field at all.
func parseReceivedAt(s string) int64 {
	if s == "" {
		return time.Now().Unix()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	resp := map[string]any{"error": code}
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			resp["error"] = "payload_too_large"
		} else if verrs, ok := err.(validator.ValidationErrors); ok {
			details := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, fe.Field()+" "+fe.Tag())
			}
			resp["details"] = details
		}
	}
	writeJSON(w, status, resp)
}
