package aiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"centinela/internal/aicache"
	"centinela/internal/model"
)

type fakeCacheStore struct {
	entries map[string]model.AICacheEntry
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{entries: map[string]model.AICacheEntry{}}
}

func (s *fakeCacheStore) Lookup(ctx context.Context, tenantID, signature string) (*model.AICacheEntry, error) {
	e, ok := s.entries[tenantID+"|"+signature]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *fakeCacheStore) Upsert(ctx context.Context, e model.AICacheEntry) error {
	s.entries[e.TenantID+"|"+e.PatternSignature] = e
	return nil
}

func (s *fakeCacheStore) InvalidateByPattern(ctx context.Context, tenantID, signature string) error {
	return nil
}
func (s *fakeCacheStore) InvalidateByType(ctx context.Context, tenantID, detectionType string) error {
	return nil
}
func (s *fakeCacheStore) Cleanup(ctx context.Context, now time.Time) (int, error) { return 0, nil }

type fakeAIStore struct {
	analyses        []model.AIAnalysis
	recommendations []model.AIRecommendation
	reports         []model.AIReport
}

func (s *fakeAIStore) PutAnalysis(ctx context.Context, a model.AIAnalysis) error {
	s.analyses = append(s.analyses, a)
	return nil
}
func (s *fakeAIStore) PutRecommendation(ctx context.Context, r model.AIRecommendation) error {
	s.recommendations = append(s.recommendations, r)
	return nil
}
func (s *fakeAIStore) PutReport(ctx context.Context, r model.AIReport) error {
	s.reports = append(s.reports, r)
	return nil
}

func testDetection() model.Detection {
	return model.Detection{
		ID: "det-1", TenantID: "t1", DetectionType: "vpn_bruteforce", Severity: model.SeverityHigh,
		GroupKey: "10.0.0.5", EventCount: 4, LastEventAt: time.Now(),
		Evidence: model.DetectionEvidence{DistinctSrcIPs: []string{"10.0.0.5"}},
	}
}

func TestDispatch_CacheMissCallsOrchestratorAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ata/orchestrate", r.URL.Path)
		resp := map[string]any{
			"request_id": "req-1",
			"analysis": map[string]any{
				"threat_detected":  true,
				"threat_type":      "bruteforce",
				"confidence_score": 0.9,
				"severity":         "high",
				"context_summary":  "repeated VPN auth failures",
			},
			"recommendations": map[string]any{
				"urgency": "high",
				"actions": []map[string]any{
					{"priority": 1, "action": "block ip", "risk_level": "low", "reversible": true},
				},
			},
			"report": map[string]any{"subject": "VPN bruteforce detected", "body": "details..."},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cacheStore := newFakeCacheStore()
	cache := aicache.New(aicache.Config{Store: cacheStore})
	aiStore := &fakeAIStore{}

	client := New(Config{BaseURL: srv.URL, Cache: cache, Store: aiStore, NewID: func() string { return "gen-id" }})

	outcome := client.Dispatch(context.Background(), testDetection(), nil, nil)
	require.NoError(t, outcome.Error)
	require.False(t, outcome.FromCache)
	require.True(t, outcome.ThreatDetected)

	require.Len(t, aiStore.analyses, 1)
	require.Len(t, aiStore.recommendations, 1)
	require.Len(t, aiStore.reports, 1)
	require.Len(t, cacheStore.entries, 1, "a non-no_threat outcome must populate the cache")
}

func TestDispatch_NoThreatDetectedSkipsPersist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "no_threat_detected", "request_id": "req-2"})
	}))
	defer srv.Close()

	aiStore := &fakeAIStore{}
	client := New(Config{BaseURL: srv.URL, Store: aiStore})

	outcome := client.Dispatch(context.Background(), testDetection(), nil, nil)
	require.NoError(t, outcome.Error)
	require.False(t, outcome.ThreatDetected)
	require.Empty(t, aiStore.analyses)
}

func TestDispatch_CacheHitSkipsOrchestratorCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(map[string]any{"status": "no_threat_detected"})
	}))
	defer srv.Close()

	detection := testDetection()
	signature := aicache.SignatureFromDetection(detection)

	cacheStore := newFakeCacheStore()
	cacheStore.entries[detection.TenantID+"|"+signature] = model.AICacheEntry{
		TenantID: detection.TenantID, PatternSignature: signature,
		ThreatDetected: true, IsValid: true, ExpiresAt: time.Now().Add(time.Hour),
	}
	cache := aicache.New(aicache.Config{Store: cacheStore})

	client := New(Config{BaseURL: srv.URL, Cache: cache, Store: &fakeAIStore{}})

	outcome := client.Dispatch(context.Background(), detection, nil, nil)
	require.NoError(t, outcome.Error)
	require.True(t, outcome.FromCache)
	require.True(t, outcome.ThreatDetected)
	require.False(t, called, "cache hit must not call the orchestrator")
}

func TestDispatch_HTTPErrorDoesNotPoisonCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("orchestrator down"))
	}))
	defer srv.Close()

	cacheStore := newFakeCacheStore()
	cache := aicache.New(aicache.Config{Store: cacheStore})
	client := New(Config{BaseURL: srv.URL, Cache: cache, Store: &fakeAIStore{}})

	outcome := client.Dispatch(context.Background(), testDetection(), nil, nil)
	require.Error(t, outcome.Error)
	require.Empty(t, cacheStore.entries)
}

func TestDispatch_JudgeFailStripsCLICommandsAndFlagsReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"request_id": "req-3",
			"analysis": map[string]any{
				"threat_detected": true,
				"threat_type":     "bruteforce",
				"severity":        "high",
			},
			"recommendations": map[string]any{
				"urgency": "high",
				"actions": []map[string]any{
					{"priority": 1, "action": "block ip", "cli_commands": []string{"iptables -A INPUT -s 10.0.0.5 -j DROP"}, "risk_level": "high", "reversible": false},
				},
			},
			"report": map[string]any{"subject": "VPN bruteforce detected", "body": "details..."},
			"judge":  map[string]any{"result": "fail", "reason": "unverified CLI command"},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cacheStore := newFakeCacheStore()
	cache := aicache.New(aicache.Config{Store: cacheStore})
	aiStore := &fakeAIStore{}

	client := New(Config{BaseURL: srv.URL, Cache: cache, Store: aiStore, NewID: func() string { return "gen-id" }})

	outcome := client.Dispatch(context.Background(), testDetection(), nil, nil)
	require.NoError(t, outcome.Error)

	require.Len(t, aiStore.reports, 1)
	require.True(t, aiStore.reports[0].JudgeFlagged)

	require.Len(t, aiStore.recommendations, 1)
	require.Len(t, aiStore.recommendations[0].Actions, 1)
	require.Empty(t, aiStore.recommendations[0].Actions[0].CLICommands, "CLI commands must be stripped when the judge fails")
	require.Equal(t, "block ip", aiStore.recommendations[0].Actions[0].Action, "non-CLI fields survive sanitization")

	entry, ok := cacheStore.entries[testDetection().TenantID+"|"+aicache.SignatureFromDetection(testDetection())]
	require.True(t, ok)
	require.Len(t, entry.RecommendedActions, 1)
	require.Empty(t, entry.RecommendedActions[0].CLICommands, "cached actions must also be sanitized")
}

func TestCapSamples(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	require.Equal(t, []int{1, 2, 3}, capSamples(items, 3))
	require.Equal(t, items, capSamples(items, 10))
}
