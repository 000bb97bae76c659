// Package archive implements the Archiver (SPEC_FULL.md §3.P): once a
// RawEvent ages past the retention window it is written to cold storage
// and only then deleted from Postgres, the way the teacher keeps record
// storage pluggable behind one interface with interchangeable backends
// (chunk.ManagerFactory, file vs memory).
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"centinela/internal/logging"
	"centinela/internal/model"
)

// DefaultBatchSize bounds how many RawEvents one Backend.WriteBatch call
// is asked to archive at a time.
const DefaultBatchSize = 1000

// DefaultRetention is the RawEvent retention window when none is configured.
const DefaultRetention = 7 * 24 * time.Hour

// Backend writes one tenant's batch of aged RawEvents to cold storage and
// returns the object location it wrote them to. Implementations must not
// delete anything themselves; deletion only happens after WriteBatch
// returns successfully.
type Backend interface {
	WriteBatch(ctx context.Context, tenantID string, asOf time.Time, events []model.RawEvent) (objectKey string, err error)
}

// BackendFactory creates a Backend from configuration parameters: validate
// required params, apply defaults, return a constructed Backend or a
// descriptive error. Mirrors chunk.ManagerFactory's role in the teacher.
type BackendFactory func(params map[string]string, logger *slog.Logger) (Backend, error)

// Store is the RawEvent persistence surface the Archiver needs.
type Store interface {
	// OldRawEvents returns up to limit RawEvents received before cutoff,
	// oldest first.
	OldRawEvents(ctx context.Context, cutoff time.Time, limit int) ([]model.RawEvent, error)

	DeleteRawEvents(ctx context.Context, ids []string) error
}

// Archiver runs the archive-then-delete job, once per call to RunTick.
type Archiver struct {
	store     Store
	backend   Backend
	retention time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// Config configures an Archiver.
type Config struct {
	Store     Store
	Backend   Backend
	Retention time.Duration // defaults to DefaultRetention
	BatchSize int           // defaults to DefaultBatchSize
	Logger    *slog.Logger
	Now       func() time.Time
}

// New builds an Archiver.
func New(cfg Config) *Archiver {
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Archiver{
		store:     cfg.Store,
		backend:   cfg.Backend,
		retention: retention,
		batchSize: batchSize,
		logger:    logging.Default(cfg.Logger).With("component", "archive"),
		now:       now,
	}
}

// RunTick archives and deletes RawEvents older than the retention window,
// one tenant-batch at a time, until a fetch returns fewer than batchSize
// rows. Returns the number of RawEvents archived. A write or delete
// failure for one tenant's batch leaves those rows in place and is
// logged, but does not abort the tick for other tenants; if every
// tenant's batch fails in a round, RunTick stops rather than spin
// retrying the same rows.
func (a *Archiver) RunTick(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.retention)
	archived := 0

	for {
		events, err := a.store.OldRawEvents(ctx, cutoff, a.batchSize)
		if err != nil {
			return archived, fmt.Errorf("load aged raw events: %w", err)
		}
		if len(events) == 0 {
			return archived, nil
		}

		progressed := false
		for tenantID, tenantEvents := range groupByTenant(events) {
			n, ok := a.archiveTenantBatch(ctx, tenantID, tenantEvents)
			archived += n
			progressed = progressed || ok
		}

		if !progressed || len(events) < a.batchSize {
			return archived, nil
		}
	}
}

func (a *Archiver) archiveTenantBatch(ctx context.Context, tenantID string, events []model.RawEvent) (int, bool) {
	key, err := a.backend.WriteBatch(ctx, tenantID, a.now(), events)
	if err != nil {
		a.logger.Warn("archive write failed, leaving events in place", "tenant_id", tenantID, "error", err)
		return 0, false
	}

	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	if err := a.store.DeleteRawEvents(ctx, ids); err != nil {
		a.logger.Warn("archive delete failed after successful write", "tenant_id", tenantID, "object_key", key, "error", err)
		return 0, false
	}

	return len(ids), true
}

func groupByTenant(events []model.RawEvent) map[string][]model.RawEvent {
	out := make(map[string][]model.RawEvent)
	for _, ev := range events {
		out[ev.TenantID] = append(out[ev.TenantID], ev)
	}
	return out
}
