package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPipeline_CountersIncrement(t *testing.T) {
	p := NewPipeline()

	p.EventsNormalized.WithLabelValues("t1").Inc()
	p.DetectionsCreated.WithLabelValues("t1", "vpn_bruteforce").Inc()
	p.DigestsCreated.WithLabelValues("t1").Add(2)
	p.ArchivedEvents.Add(5)

	require.Equal(t, float64(1), testutil.ToFloat64(p.EventsNormalized.WithLabelValues("t1")))
	require.Equal(t, float64(1), testutil.ToFloat64(p.DetectionsCreated.WithLabelValues("t1", "vpn_bruteforce")))
	require.Equal(t, float64(2), testutil.ToFloat64(p.DigestsCreated.WithLabelValues("t1")))
	require.Equal(t, float64(5), testutil.ToFloat64(p.ArchivedEvents))
}

func TestPipeline_HandlerServesExpositionFormat(t *testing.T) {
	p := NewPipeline()
	p.EmailsSent.WithLabelValues("t1").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics-prom", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "centinela_dispatch_emails_sent_total")
	require.True(t, strings.Contains(rec.Body.String(), `tenant_id="t1"`))
}
