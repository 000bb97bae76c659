package postgres

import (
	"context"
	"fmt"

	"centinela/internal/model"
)

// InsertRawEvent implements ingestworker.Store: it writes the one row
// the Ingest Worker is responsible for per accepted job.
func (s *Store) InsertRawEvent(ctx context.Context, ev model.RawEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO raw_events (
			id, tenant_id, site_id, source_id, received_at, source_ip,
			transport, raw_message, collector_name, parsed, parse_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.ID, ev.TenantID, ev.SiteID, ev.SourceID, ev.ReceivedAt, ev.SourceIP,
		ev.Transport, ev.RawMessage, ev.CollectorName, ev.Parsed, ev.ParseError)
	if err != nil {
		return fmt.Errorf("insert raw event: %w", err)
	}
	return nil
}
