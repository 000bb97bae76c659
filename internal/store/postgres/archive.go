package postgres

import (
	"context"
	"fmt"
	"time"

	"centinela/internal/model"
)

// OldRawEvents implements archive.Store.
func (s *Store) OldRawEvents(ctx context.Context, cutoff time.Time, limit int) ([]model.RawEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, site_id, source_id, received_at, source_ip,
		       transport, raw_message, collector_name, parsed, parse_error
		FROM raw_events WHERE received_at < $1 ORDER BY received_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select aged raw events: %w", err)
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

// DeleteRawEvents implements archive.Store.
func (s *Store) DeleteRawEvents(ctx context.Context, ids []string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM raw_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete raw events: %w", err)
	}
	return nil
}
