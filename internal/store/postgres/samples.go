package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"centinela/internal/model"
)

// NormalizedEventsByIDs implements aidispatch.Store: loads the sample
// NormalizedEvents a Detection's evidence points at, for inclusion in
// the AI Orchestrator envelope (spec §4.L).
func (s *Store) NormalizedEventsByIDs(ctx context.Context, ids []string) ([]model.NormalizedEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, raw_event_id, tenant_id, site_id, source_id, ts, vendor, product,
		       event_type, subtype, action, severity, src_ip, dst_ip, src_user, dst_user,
		       ports, interface, vdom, policy_id, session_id, message, kv
		FROM normalized_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select normalized events by id: %w", err)
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

// RawEventsByIDs implements aidispatch.Store: loads the RawEvents
// backing a set of NormalizedEvent IDs, joining through raw_event_id.
func (s *Store) RawEventsByIDs(ctx context.Context, normalizedEventIDs []string) ([]model.RawEvent, error) {
	if len(normalizedEventIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.tenant_id, r.site_id, r.source_id, r.received_at, r.source_ip,
		       r.transport, r.raw_message, r.collector_name, r.parsed, r.parse_error
		FROM raw_events r
		JOIN normalized_events n ON n.raw_event_id = r.id
		WHERE n.id = ANY($1)`, normalizedEventIDs)
	if err != nil {
		return nil, fmt.Errorf("select raw events by normalized id: %w", err)
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

// DetectionByID implements adminapi.Store: loads one detection scoped to
// a tenant, for the evidence-query diagnostic endpoint.
func (s *Store) DetectionByID(ctx context.Context, tenantID, id string) (*model.Detection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, site_id, source_id, detection_type, severity,
		       group_key, window_minutes, event_count, first_event_at,
		       last_event_at, evidence, related_event_ids, reported_digest_id,
		       acknowledged, created_at
		FROM detections WHERE id = $1 AND tenant_id = $2`, id, tenantID)

	d, err := scanDetectionRow(row)
	if err != nil {
		return nil, fmt.Errorf("lookup detection %s: %w", id, err)
	}
	return d, nil
}

func scanNormalizedEvent(row rowScanner) (model.NormalizedEvent, error) {
	var ev model.NormalizedEvent
	var portsJSON, kvJSON []byte
	if err := row.Scan(&ev.ID, &ev.RawEventID, &ev.TenantID, &ev.SiteID, &ev.SourceID, &ev.TS,
		&ev.Vendor, &ev.Product, &ev.EventType, &ev.Subtype, &ev.Action, &ev.Severity,
		&ev.SrcIP, &ev.DstIP, &ev.SrcUser, &ev.DstUser, &portsJSON, &ev.Interface, &ev.VDOM,
		&ev.PolicyID, &ev.SessionID, &ev.Message, &kvJSON); err != nil {
		return ev, fmt.Errorf("scan normalized event: %w", err)
	}
	if len(portsJSON) > 0 {
		if err := json.Unmarshal(portsJSON, &ev.Ports); err != nil {
			return ev, fmt.Errorf("unmarshal ports: %w", err)
		}
	}
	if len(kvJSON) > 0 {
		if err := json.Unmarshal(kvJSON, &ev.KV); err != nil {
			return ev, fmt.Errorf("unmarshal kv: %w", err)
		}
	}
	return ev, nil
}
