// Package adminapi is the backend's small operator-facing diagnostic
// surface: currently one endpoint, the JSONPath evidence query over a
// single detection (spec SPEC_FULL.md §3.J). It sits behind the same
// auth.Gate as the Ingestion Front Door, reusing that middleware rather
// than inventing a second auth story for one handler.
package adminapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"centinela/internal/auth"
	"centinela/internal/model"
	"centinela/internal/rules"
)

// Store loads a detection for the evidence endpoint.
type Store interface {
	DetectionByID(ctx context.Context, tenantID, id string) (*model.Detection, error)
}

// API serves the admin diagnostic endpoints.
type API struct {
	store Store
	gate  *auth.Gate
}

// Config configures an API.
type Config struct {
	Store Store
	Gate  *auth.Gate
}

// New builds an API.
func New(cfg Config) *API {
	return &API{store: cfg.Store, gate: cfg.Gate}
}

// Routes mounts the admin endpoints under the caller's chosen prefix.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(a.gate.Middleware)
	r.Get("/detections/{id}/evidence", a.handleEvidence)
	return r
}

func (a *API) handleEvidence(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("missing tenant context"))
		return
	}

	id := chi.URLParam(r, "id")
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", errors.New("q parameter is required"))
		return
	}

	det, err := a.store.DetectionByID(r.Context(), tenantID, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "detection_not_found", err)
		return
	}

	results, err := rules.QueryEvidence(det.Evidence, query)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "results": results})
}
