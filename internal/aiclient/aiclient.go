// Package aiclient implements the AI Orchestrator Client (spec §4.L):
// for each detection scheduled for analysis, check the knowledge cache
// first, and on a miss, POST the detection envelope to the downstream
// AI Orchestrator, persisting whatever it returns. Calls to the
// Orchestrator are wrapped in a circuit breaker so a degraded
// downstream doesn't pile up blocked goroutines on every pipeline tick.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"centinela/internal/aicache"
	"centinela/internal/logging"
	"centinela/internal/model"
)

// requestBudget is the fixed request timeout (spec §4.L step 3).
const requestBudget = 60 * time.Second

// Store persists the downstream agents' outputs.
type Store interface {
	PutAnalysis(ctx context.Context, a model.AIAnalysis) error
	PutRecommendation(ctx context.Context, r model.AIRecommendation) error
	PutReport(ctx context.Context, r model.AIReport) error
}

// Envelope is the request body POSTed to the Orchestrator (spec §6).
type Envelope struct {
	TenantID        string                   `json:"tenant_id"`
	SiteID          string                   `json:"site_id,omitempty"`
	SourceID        string                   `json:"source_id,omitempty"`
	Detection       EnvelopeDetection        `json:"detection"`
	RawEvents       []model.RawEvent         `json:"raw_events"`
	NormalizedEvents []model.NormalizedEvent `json:"normalized_events"`
}

// EnvelopeDetection is the detection summary carried in the envelope.
type EnvelopeDetection struct {
	DetectionType string                   `json:"detection_type"`
	Severity      model.Severity           `json:"severity"`
	DetectedAt    time.Time                `json:"detected_at"`
	GroupKey      string                   `json:"group_key"`
	Evidence      model.DetectionEvidence  `json:"evidence"`
}

// orchestratorResponse mirrors the Orchestrator's reply shape (spec §6):
// either {status:"no_threat_detected", ...} or the full analysis tuple.
type orchestratorResponse struct {
	Status    string `json:"status,omitempty"`
	RequestID string `json:"request_id"`
	LatencyMS int    `json:"latency_ms"`

	Analysis *struct {
		ThreatDetected  bool     `json:"threat_detected"`
		ThreatType      string   `json:"threat_type"`
		ConfidenceScore float64  `json:"confidence_score"`
		Severity        string   `json:"severity"`
		ContextSummary  string   `json:"context_summary"`
		IOCs            []string `json:"iocs"`
		ModelUsed       string   `json:"model_used"`
		TokensUsed      int      `json:"tokens_used"`
		LatencyMS       int      `json:"latency_ms"`
	} `json:"analysis,omitempty"`

	Recommendations *struct {
		Urgency string                            `json:"urgency"`
		Actions []model.AIRecommendationAction     `json:"actions"`
		ModelUsed  string `json:"model_used"`
		TokensUsed int    `json:"tokens_used"`
		LatencyMS  int    `json:"latency_ms"`
	} `json:"recommendations,omitempty"`

	Judge *struct {
		Result string `json:"result"`
		Reason string `json:"reason"`
	} `json:"judge,omitempty"`

	Report *struct {
		Subject    string `json:"subject"`
		Body       string `json:"body"`
		ModelUsed  string `json:"model_used"`
		TokensUsed int    `json:"tokens_used"`
		LatencyMS  int    `json:"latency_ms"`
	} `json:"report,omitempty"`
}

// Outcome summarizes what Dispatch did, for caller logging/metrics.
type Outcome struct {
	FromCache      bool
	ThreatDetected bool
	Error          error
}

// Client dispatches detections to the downstream Orchestrator, checking
// the AI Knowledge Cache first.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cache      *aicache.Cache
	store      Store
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	newID      func() string
}

// Config configures a Client.
type Config struct {
	BaseURL    string // e.g. "https://orchestrator.internal"
	HTTPClient *http.Client
	Cache      *aicache.Cache
	Store      Store
	Logger     *slog.Logger
	NewID      func() string
}

// New builds a Client with a breaker tripping after 5 consecutive
// failures, staying open 30s before allowing a half-open probe.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestBudget}
	}

	logger := logging.Default(cfg.Logger).With("component", "aiclient")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-orchestrator",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})

	return &Client{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		cache:      cfg.Cache,
		store:      cfg.Store,
		breaker:    breaker,
		logger:     logger,
		newID:      cfg.NewID,
	}
}

// Dispatch implements spec §4.L end to end: compute signature, check
// cache, call the Orchestrator on a miss, persist results, and upsert
// the cache (never poisoning it on a transport error).
func (c *Client) Dispatch(ctx context.Context, detection model.Detection, rawSamples []model.RawEvent, normalizedSamples []model.NormalizedEvent) Outcome {
	signature := aicache.SignatureFromDetection(detection)

	if c.cache != nil {
		entry, err := c.cache.Lookup(ctx, detection.TenantID, signature)
		if err != nil {
			c.logger.Warn("cache lookup failed, proceeding to dispatch", "error", err)
		} else if entry != nil {
			return Outcome{FromCache: true, ThreatDetected: entry.ThreatDetected}
		}
	}

	resp, err := c.callOrchestrator(ctx, detection, rawSamples, normalizedSamples)
	if err != nil {
		return Outcome{Error: fmt.Errorf("call orchestrator: %w", err)}
	}

	if resp.Status == "no_threat_detected" {
		return Outcome{ThreatDetected: false}
	}

	if err := c.persist(ctx, detection, resp); err != nil {
		return Outcome{Error: fmt.Errorf("persist orchestrator response: %w", err)}
	}

	if c.cache != nil {
		result := resultFromResponse(resp)
		if err := c.cache.Upsert(ctx, detection.TenantID, signature, detection.DetectionType, result); err != nil {
			c.logger.Warn("cache upsert failed", "error", err)
		}
	}

	threatDetected := resp.Analysis != nil && resp.Analysis.ThreatDetected
	return Outcome{ThreatDetected: threatDetected}
}

func (c *Client) callOrchestrator(ctx context.Context, detection model.Detection, rawSamples []model.RawEvent, normalizedSamples []model.NormalizedEvent) (*orchestratorResponse, error) {
	envelope := Envelope{
		TenantID: detection.TenantID,
		SiteID:   detection.SiteID,
		SourceID: detection.SourceID,
		Detection: EnvelopeDetection{
			DetectionType: detection.DetectionType,
			Severity:      detection.Severity,
			DetectedAt:    detection.LastEventAt,
			GroupKey:      detection.GroupKey,
			Evidence:      detection.Evidence,
		},
		RawEvents:        capSamples(rawSamples, 10),
		NormalizedEvents: capSamples(normalizedSamples, 10),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestBudget)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ata/orchestrate", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, string(data))
		}

		var parsed orchestratorResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		return &parsed, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*orchestratorResponse), nil
}

// judgeFailed reports whether the Orchestrator's Judge agent rejected
// this response (spec.md:224: "AI Judge result=fail — AI report
// persisted but flagged; digest still sent with the verified content
// only (no unsafe CLI).").
func judgeFailed(resp *orchestratorResponse) bool {
	return resp.Judge != nil && resp.Judge.Result == "fail"
}

// sanitizeActions strips CLICommands from every action when the Judge
// failed this response, so no unsafe CLI reaches the recommendation
// row (and from there, the digest) for a detection the Judge rejected.
// The rest of each action (priority, description, risk level) is
// still useful to an operator and is kept.
func sanitizeActions(actions []model.AIRecommendationAction, flagged bool) []model.AIRecommendationAction {
	if !flagged {
		return actions
	}
	out := make([]model.AIRecommendationAction, len(actions))
	for i, a := range actions {
		a.CLICommands = nil
		out[i] = a
	}
	return out
}

func (c *Client) persist(ctx context.Context, detection model.Detection, resp *orchestratorResponse) error {
	flagged := judgeFailed(resp)

	if resp.Analysis != nil {
		id := ""
		if c.newID != nil {
			id = c.newID()
		}
		analysis := model.AIAnalysis{
			ID:              id,
			DetectionID:     detection.ID,
			ThreatDetected:  resp.Analysis.ThreatDetected,
			ThreatType:      resp.Analysis.ThreatType,
			ConfidenceScore: resp.Analysis.ConfidenceScore,
			Severity:        model.Severity(resp.Analysis.Severity),
			ContextSummary:  resp.Analysis.ContextSummary,
			IOCs:            resp.Analysis.IOCs,
			ModelUsed:       resp.Analysis.ModelUsed,
			TokensUsed:      resp.Analysis.TokensUsed,
			LatencyMS:       resp.Analysis.LatencyMS,
		}
		if err := c.store.PutAnalysis(ctx, analysis); err != nil {
			return fmt.Errorf("put analysis: %w", err)
		}
	}

	if resp.Recommendations != nil && len(resp.Recommendations.Actions) > 0 {
		id := ""
		if c.newID != nil {
			id = c.newID()
		}
		rec := model.AIRecommendation{
			ID:          id,
			DetectionID: detection.ID,
			Urgency:     resp.Recommendations.Urgency,
			Actions:     sanitizeActions(resp.Recommendations.Actions, flagged),
			ModelUsed:   resp.Recommendations.ModelUsed,
			TokensUsed:  resp.Recommendations.TokensUsed,
			LatencyMS:   resp.Recommendations.LatencyMS,
		}
		if err := c.store.PutRecommendation(ctx, rec); err != nil {
			return fmt.Errorf("put recommendation: %w", err)
		}
	}

	if resp.Report != nil {
		id := ""
		if c.newID != nil {
			id = c.newID()
		}
		report := model.AIReport{
			ID:           id,
			DetectionID:  detection.ID,
			Subject:      resp.Report.Subject,
			Body:         resp.Report.Body,
			ModelUsed:    resp.Report.ModelUsed,
			TokensUsed:   resp.Report.TokensUsed,
			LatencyMS:    resp.Report.LatencyMS,
			Status:       model.ReportGenerated,
			JudgeFlagged: flagged,
		}
		if err := c.store.PutReport(ctx, report); err != nil {
			return fmt.Errorf("put report: %w", err)
		}
	}

	return nil
}

func resultFromResponse(resp *orchestratorResponse) aicache.Result {
	result := aicache.Result{}
	if resp.Analysis != nil {
		result.ThreatDetected = resp.Analysis.ThreatDetected
		result.ThreatType = resp.Analysis.ThreatType
		result.ConfidenceScore = resp.Analysis.ConfidenceScore
		result.Severity = model.Severity(resp.Analysis.Severity)
		result.ContextSummary = resp.Analysis.ContextSummary
	}
	if resp.Recommendations != nil {
		result.RecommendedActions = sanitizeActions(resp.Recommendations.Actions, judgeFailed(resp))
	}
	if resp.Report != nil {
		result.ReportSubject = resp.Report.Subject
		result.ReportBody = resp.Report.Body
	}
	return result
}

func capSamples[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
