package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"centinela/internal/collectormetrics"
)

// healthServer exposes the Collector's fixed four-endpoint health
// surface (spec §4.D, §6): /healthz, /readyz, /metrics, /status. It
// never carries the Prometheus exposition format — that belongs to the
// backend only (SPEC_FULL.md §3.A-C).
type healthServer struct {
	srv *http.Server
}

func newHealthServer(addr string, c *Collector) *healthServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		usage := c.buf.UsagePercent()
		dlq := c.retry.DLQSize()
		ready := usage <= 90 && dlq <= 100
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"ready":              ready,
			"buffer_usage_pct":   usage,
			"retry_queue_size":   c.retry.Len(),
			"dead_letter_queue":  dlq,
		})
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		snap := c.registry.Snapshot(c.buf, c.retry.DLQSize(), c.tcpConnCount(), c.configEcho)
		writeJSON(w, http.StatusOK, snap)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": collectormetrics.Status(c.buf, c.retry.DLQSize()),
		})
	})

	return &healthServer{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}
}

func (h *healthServer) run() error {
	err := h.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (h *healthServer) shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
