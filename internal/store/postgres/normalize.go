package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"centinela/internal/model"
)

// SelectUnparsed implements normalize.Store.
func (s *Store) SelectUnparsed(ctx context.Context, n int) ([]model.RawEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, site_id, source_id, received_at, source_ip,
		       transport, raw_message, collector_name, parsed, parse_error
		FROM raw_events WHERE parsed = false ORDER BY received_at LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("select unparsed raw events: %w", err)
	}
	defer rows.Close()

	var out []model.RawEvent
	for rows.Next() {
		var ev model.RawEvent
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.SiteID, &ev.SourceID, &ev.ReceivedAt,
			&ev.SourceIP, &ev.Transport, &ev.RawMessage, &ev.CollectorName, &ev.Parsed, &ev.ParseError); err != nil {
			return nil, fmt.Errorf("scan raw event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CompleteParse implements normalize.Store: marks the RawEvent parsed and,
// when parsing succeeded, inserts the resulting NormalizedEvent in the
// same transaction.
func (s *Store) CompleteParse(ctx context.Context, rawEventID string, normalized *model.NormalizedEvent, parseErr string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE raw_events SET parsed = true, parse_error = $2 WHERE id = $1`,
		rawEventID, parseErr); err != nil {
		return fmt.Errorf("mark raw event parsed: %w", err)
	}

	if normalized != nil {
		portsJSON, err := json.Marshal(normalized.Ports)
		if err != nil {
			return fmt.Errorf("marshal ports: %w", err)
		}
		kvJSON, err := json.Marshal(normalized.KV)
		if err != nil {
			return fmt.Errorf("marshal kv: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO normalized_events (
				id, raw_event_id, tenant_id, site_id, source_id, ts, vendor,
				product, event_type, subtype, action, severity, src_ip, dst_ip,
				src_user, dst_user, ports, interface, vdom, policy_id,
				session_id, message, kv
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,
			          $17,$18,$19,$20,$21,$22,$23)`,
			normalized.ID, normalized.RawEventID, normalized.TenantID, normalized.SiteID,
			normalized.SourceID, normalized.TS, normalized.Vendor, normalized.Product,
			normalized.EventType, normalized.Subtype, normalized.Action, normalized.Severity,
			normalized.SrcIP, normalized.DstIP, normalized.SrcUser, normalized.DstUser,
			portsJSON, normalized.Interface, normalized.VDOM, normalized.PolicyID,
			normalized.SessionID, normalized.Message, kvJSON); err != nil {
			return fmt.Errorf("insert normalized event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
