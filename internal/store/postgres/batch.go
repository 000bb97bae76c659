package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"centinela/internal/model"
)

// TenantsWithOpenDetections implements batch.Store.
func (s *Store) TenantsWithOpenDetections(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT tenant_id FROM detections WHERE reported_digest_id = ''`)
	if err != nil {
		return nil, fmt.Errorf("select tenants with open detections: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		out = append(out, tenantID)
	}
	return out, rows.Err()
}

// OpenDetectionsForTenant implements batch.Store.
func (s *Store) OpenDetectionsForTenant(ctx context.Context, tenantID string) ([]model.Detection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, site_id, source_id, detection_type, severity,
		       group_key, window_minutes, event_count, first_event_at,
		       last_event_at, evidence, related_event_ids, reported_digest_id,
		       acknowledged, created_at
		FROM detections WHERE tenant_id = $1 AND reported_digest_id = ''`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("select open detections: %w", err)
	}
	defer rows.Close()

	var out []model.Detection
	for rows.Next() {
		d, err := scanDetectionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// rowScanner is the subset of pgx.Rows/pgx.Row that Scan needs.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetectionRow(row rowScanner) (*model.Detection, error) {
	var d model.Detection
	var evidenceJSON, relatedJSON []byte
	err := row.Scan(&d.ID, &d.TenantID, &d.SiteID, &d.SourceID, &d.DetectionType,
		&d.Severity, &d.GroupKey, &d.WindowMinutes, &d.EventCount, &d.FirstEventAt,
		&d.LastEventAt, &evidenceJSON, &relatedJSON, &d.ReportedDigestID,
		&d.Acknowledged, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan detection: %w", err)
	}
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &d.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	if len(relatedJSON) > 0 {
		if err := json.Unmarshal(relatedJSON, &d.RelatedEventIDs); err != nil {
			return nil, fmt.Errorf("unmarshal related event ids: %w", err)
		}
	}
	return &d, nil
}

// CreateDigestAndCloseDetections implements batch.Store: inserts the
// digest and sets reported_digest_id on every selected detection in one
// transaction, per the Batcher's invariant.
func (s *Store) CreateDigestAndCloseDetections(ctx context.Context, digest model.Digest, detectionIDs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO digests (
			id, tenant_id, window_start, window_end, severity,
			detection_count, event_count, subject, body_text, body_html,
			locale, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		digest.ID, digest.TenantID, digest.WindowStart, digest.WindowEnd, digest.Severity,
		digest.DetectionCount, digest.EventCount, digest.Subject, digest.BodyText,
		digest.BodyHTML, digest.Locale, digest.CreatedAt); err != nil {
		return fmt.Errorf("insert digest: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE detections SET reported_digest_id = $2 WHERE id = ANY($1)`,
		detectionIDs, digest.ID); err != nil {
		return fmt.Errorf("close detections: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TenantLocale implements batch.Store.
func (s *Store) TenantLocale(ctx context.Context, tenantID string) (string, error) {
	var locale string
	err := s.pool.QueryRow(ctx, `
		SELECT default_locale FROM tenants WHERE id = $1`, tenantID).Scan(&locale)
	if err != nil {
		return "", fmt.Errorf("lookup tenant locale: %w", err)
	}
	return locale, nil
}
