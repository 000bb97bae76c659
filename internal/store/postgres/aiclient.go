package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"centinela/internal/model"
)

// PutAnalysis implements aiclient.Store.
func (s *Store) PutAnalysis(ctx context.Context, a model.AIAnalysis) error {
	iocsJSON, err := json.Marshal(a.IOCs)
	if err != nil {
		return fmt.Errorf("marshal iocs: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ai_analyses (
			id, detection_id, threat_detected, threat_type, confidence_score,
			severity, context_summary, iocs, model_used, tokens_used, latency_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.DetectionID, a.ThreatDetected, a.ThreatType, a.ConfidenceScore,
		a.Severity, a.ContextSummary, iocsJSON, a.ModelUsed, a.TokensUsed, a.LatencyMS)
	if err != nil {
		return fmt.Errorf("insert ai analysis: %w", err)
	}
	return nil
}

// PutRecommendation implements aiclient.Store.
func (s *Store) PutRecommendation(ctx context.Context, r model.AIRecommendation) error {
	actionsJSON, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ai_recommendations (
			id, detection_id, urgency, actions, model_used, tokens_used, latency_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.DetectionID, r.Urgency, actionsJSON, r.ModelUsed, r.TokensUsed, r.LatencyMS)
	if err != nil {
		return fmt.Errorf("insert ai recommendation: %w", err)
	}
	return nil
}

// PutReport implements aiclient.Store.
func (s *Store) PutReport(ctx context.Context, r model.AIReport) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ai_reports (
			id, detection_id, subject, body, model_used, tokens_used,
			latency_ms, status, judge_flagged, sent_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.DetectionID, r.Subject, r.Body, r.ModelUsed, r.TokensUsed,
		r.LatencyMS, r.Status, r.JudgeFlagged, r.SentAt)
	if err != nil {
		return fmt.Errorf("insert ai report: %w", err)
	}
	return nil
}
