// Package memory is an in-process archive.Backend: tests use it to
// inspect what the Archiver would have written, and deployments with no
// object store configured use it (with skipWrite) to let retention
// deletes proceed without actually archiving anything.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"centinela/internal/archive"
	"centinela/internal/model"
)

// ParamSkipWrite, when "true", makes WriteBatch discard events instead of
// retaining them — for deployments with ARCHIVE_BUCKET unset.
const ParamSkipWrite = "skipWrite"

var _ archive.Backend = (*Backend)(nil)

// Batch records one WriteBatch call.
type Batch struct {
	TenantID string
	AsOf     time.Time
	Events   []model.RawEvent
}

// Backend is a goroutine-safe in-memory archive.Backend.
type Backend struct {
	mu        sync.Mutex
	batches   []Batch
	skipWrite bool
	seq       int
}

// New builds a Backend that retains every batch written to it.
func New() *Backend {
	return &Backend{}
}

// NewFactory returns an archive.BackendFactory that builds in-memory
// Backends, for use where no cold-storage object store is configured.
func NewFactory() archive.BackendFactory {
	return func(params map[string]string, logger *slog.Logger) (archive.Backend, error) {
		return &Backend{skipWrite: params[ParamSkipWrite] == "true"}, nil
	}
}

// WriteBatch implements archive.Backend.
func (b *Backend) WriteBatch(ctx context.Context, tenantID string, asOf time.Time, events []model.RawEvent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	key := fmt.Sprintf("memory://%s/%d", tenantID, b.seq)

	if !b.skipWrite {
		cp := make([]model.RawEvent, len(events))
		copy(cp, events)
		b.batches = append(b.batches, Batch{TenantID: tenantID, AsOf: asOf, Events: cp})
	}

	return key, nil
}

// Batches returns every batch recorded so far (always empty in skipWrite mode).
func (b *Backend) Batches() []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Batch, len(b.batches))
	copy(out, b.batches)
	return out
}
