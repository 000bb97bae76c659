package postgres

import (
	"context"
	"fmt"

	"centinela/internal/model"
)

// UndeliveredDigests implements dispatch.Store: digests with no
// EmailDelivery row of status=sent.
func (s *Store) UndeliveredDigests(ctx context.Context) ([]model.Digest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.tenant_id, d.window_start, d.window_end, d.severity,
		       d.detection_count, d.event_count, d.subject, d.body_text,
		       d.body_html, d.locale, d.created_at
		FROM digests d
		WHERE NOT EXISTS (
			SELECT 1 FROM email_deliveries e
			WHERE e.digest_id = d.id AND e.status = 'sent'
		)`)
	if err != nil {
		return nil, fmt.Errorf("select undelivered digests: %w", err)
	}
	defer rows.Close()

	var out []model.Digest
	for rows.Next() {
		var d model.Digest
		if err := rows.Scan(&d.ID, &d.TenantID, &d.WindowStart, &d.WindowEnd, &d.Severity,
			&d.DetectionCount, &d.EventCount, &d.Subject, &d.BodyText, &d.BodyHTML,
			&d.Locale, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecipientsForTenant implements dispatch.Store.
func (s *Store) RecipientsForTenant(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT email FROM alert_recipients WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("select recipients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

// PutEmailDelivery implements dispatch.Store.
func (s *Store) PutEmailDelivery(ctx context.Context, d model.EmailDelivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_deliveries (
			id, digest_id, tenant_id, recipient, provider_message_id,
			status, error, sent_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.DigestID, d.TenantID, d.Recipient, d.ProviderMessageID,
		d.Status, d.Error, d.SentAt)
	if err != nil {
		return fmt.Errorf("insert email delivery: %w", err)
	}
	return nil
}
