// Package postgres is the production aicache.Store backend.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"centinela/internal/aicache"
	"centinela/internal/model"
)

// Store is a Postgres-backed aicache.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ aicache.Store = (*Store)(nil)

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Lookup(ctx context.Context, tenantID, signature string) (*model.AICacheEntry, error) {
	var e model.AICacheEntry
	var actionsJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, pattern_signature, detection_type, severity,
		       threat_detected, threat_type, confidence_score, context_summary,
		       recommended_actions, report_subject, report_body,
		       hit_count, last_hit_at, expires_at, is_valid
		FROM ai_cache_entries WHERE tenant_id = $1 AND pattern_signature = $2`,
		tenantID, signature,
	).Scan(&e.ID, &e.TenantID, &e.PatternSignature, &e.DetectionType, &e.Severity,
		&e.ThreatDetected, &e.ThreatType, &e.ConfidenceScore, &e.ContextSummary,
		&actionsJSON, &e.ReportSubject, &e.ReportBody,
		&e.HitCount, &e.LastHitAt, &e.ExpiresAt, &e.IsValid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup ai cache entry: %w", err)
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &e.RecommendedActions); err != nil {
			return nil, fmt.Errorf("unmarshal recommended_actions: %w", err)
		}
	}
	return &e, nil
}

func (s *Store) Upsert(ctx context.Context, e model.AICacheEntry) error {
	actionsJSON, err := json.Marshal(e.RecommendedActions)
	if err != nil {
		return fmt.Errorf("marshal recommended_actions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ai_cache_entries (
			id, tenant_id, pattern_signature, detection_type, severity,
			threat_detected, threat_type, confidence_score, context_summary,
			recommended_actions, report_subject, report_body,
			hit_count, last_hit_at, expires_at, is_valid
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (tenant_id, pattern_signature) DO UPDATE SET
			detection_type       = EXCLUDED.detection_type,
			severity             = EXCLUDED.severity,
			threat_detected      = EXCLUDED.threat_detected,
			threat_type          = EXCLUDED.threat_type,
			confidence_score     = EXCLUDED.confidence_score,
			context_summary      = EXCLUDED.context_summary,
			recommended_actions  = EXCLUDED.recommended_actions,
			report_subject       = EXCLUDED.report_subject,
			report_body          = EXCLUDED.report_body,
			hit_count            = EXCLUDED.hit_count,
			last_hit_at          = EXCLUDED.last_hit_at,
			expires_at           = EXCLUDED.expires_at,
			is_valid             = EXCLUDED.is_valid`,
		e.ID, e.TenantID, e.PatternSignature, e.DetectionType, e.Severity,
		e.ThreatDetected, e.ThreatType, e.ConfidenceScore, e.ContextSummary,
		actionsJSON, e.ReportSubject, e.ReportBody,
		e.HitCount, e.LastHitAt, e.ExpiresAt, e.IsValid)
	if err != nil {
		return fmt.Errorf("upsert ai cache entry: %w", err)
	}
	return nil
}

func (s *Store) InvalidateByPattern(ctx context.Context, tenantID, signature string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ai_cache_entries SET is_valid = false
		WHERE tenant_id = $1 AND pattern_signature = $2`, tenantID, signature)
	if err != nil {
		return fmt.Errorf("invalidate by pattern: %w", err)
	}
	return nil
}

func (s *Store) InvalidateByType(ctx context.Context, tenantID, detectionType string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ai_cache_entries SET is_valid = false
		WHERE tenant_id = $1 AND detection_type = $2`, tenantID, detectionType)
	if err != nil {
		return fmt.Errorf("invalidate by type: %w", err)
	}
	return nil
}

func (s *Store) Cleanup(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM ai_cache_entries WHERE expires_at < $1 OR is_valid = false`, now)
	if err != nil {
		return 0, fmt.Errorf("cleanup ai cache entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
