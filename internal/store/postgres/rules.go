package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"centinela/internal/model"
	"centinela/internal/rules"
)

// RecentEvents implements rules.Store.
func (s *Store) RecentEvents(ctx context.Context, tenantID, siteID, sourceID string, eventTypes []string, window time.Duration) ([]model.NormalizedEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, raw_event_id, tenant_id, site_id, source_id, ts, vendor,
		       product, event_type, subtype, action, severity, src_ip, dst_ip,
		       src_user, dst_user, ports, interface, vdom, policy_id,
		       session_id, message, kv
		FROM normalized_events
		WHERE tenant_id = $1 AND site_id = $2 AND source_id = $3
		  AND event_type = ANY($4) AND ts >= $5
		ORDER BY ts`,
		tenantID, siteID, sourceID, eventTypes, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("select recent events: %w", err)
	}
	defer rows.Close()

	var out []model.NormalizedEvent
	for rows.Next() {
		ev, err := scanNormalizedEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// OpenDetection implements rules.Store.
func (s *Store) OpenDetection(ctx context.Context, tenantID, detectionType, groupKey string) (*model.Detection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, site_id, source_id, detection_type, severity,
		       group_key, window_minutes, event_count, first_event_at,
		       last_event_at, evidence, related_event_ids, reported_digest_id,
		       acknowledged, created_at
		FROM detections
		WHERE tenant_id = $1 AND detection_type = $2 AND group_key = $3
		  AND reported_digest_id = ''`,
		tenantID, detectionType, groupKey)

	d, err := scanDetectionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup open detection: %w", err)
	}
	return d, nil
}

// UpsertDetection implements rules.Store.
func (s *Store) UpsertDetection(ctx context.Context, d model.Detection) error {
	evidenceJSON, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	relatedJSON, err := json.Marshal(d.RelatedEventIDs)
	if err != nil {
		return fmt.Errorf("marshal related event ids: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO detections (
			id, tenant_id, site_id, source_id, detection_type, severity,
			group_key, window_minutes, event_count, first_event_at,
			last_event_at, evidence, related_event_ids, reported_digest_id,
			acknowledged, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			severity            = EXCLUDED.severity,
			event_count         = EXCLUDED.event_count,
			first_event_at      = EXCLUDED.first_event_at,
			last_event_at       = EXCLUDED.last_event_at,
			evidence            = EXCLUDED.evidence,
			related_event_ids   = EXCLUDED.related_event_ids,
			reported_digest_id  = EXCLUDED.reported_digest_id,
			acknowledged        = EXCLUDED.acknowledged`,
		d.ID, d.TenantID, d.SiteID, d.SourceID, d.DetectionType, d.Severity,
		d.GroupKey, d.WindowMinutes, d.EventCount, d.FirstEventAt, d.LastEventAt,
		evidenceJSON, relatedJSON, d.ReportedDigestID, d.Acknowledged, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert detection: %w", err)
	}
	return nil
}

// Scopes implements rules.Store: every distinct (tenant, site, source)
// combination with normalized events, which is what the Rules Engine
// walks each tick.
func (s *Store) Scopes(ctx context.Context) ([]rules.Scope, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT tenant_id, site_id, source_id FROM normalized_events`)
	if err != nil {
		return nil, fmt.Errorf("select scopes: %w", err)
	}
	defer rows.Close()

	var out []rules.Scope
	for rows.Next() {
		var sc rules.Scope
		if err := rows.Scan(&sc.TenantID, &sc.SiteID, &sc.SourceID); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
