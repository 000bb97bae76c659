// Package batch implements the Batcher (spec §4.M): it consolidates
// every tenant's open detections into a single Digest per tick, then
// marks those detections reported so they never get batched again.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"centinela/internal/logging"
	"centinela/internal/model"
	"centinela/internal/notify"
)

// Store is the persistence surface the Batcher needs.
type Store interface {
	// TenantsWithOpenDetections lists tenants that have at least one
	// detection with reported_digest_id = "".
	TenantsWithOpenDetections(ctx context.Context) ([]string, error)

	// OpenDetectionsForTenant loads every open detection for a tenant.
	// Order is not guaranteed; the Batcher sorts in-process per spec
	// §4.M step 1.
	OpenDetectionsForTenant(ctx context.Context, tenantID string) ([]model.Detection, error)

	// CreateDigestAndCloseDetections writes the Digest and sets
	// reported_digest_id on every detection in detectionIDs, in one
	// transaction (spec §4.M step 4).
	CreateDigestAndCloseDetections(ctx context.Context, digest model.Digest, detectionIDs []string) error

	// TenantLocale returns the tenant's locale for template rendering.
	TenantLocale(ctx context.Context, tenantID string) (string, error)
}

// Renderer produces a digest's subject/body from its detections and
// locale (spec §4.M step 3: "deterministic template keyed by tenant
// locale"). Injected so template engines can be swapped without
// touching the batching logic itself.
type Renderer interface {
	Render(locale string, digest model.Digest, detections []model.Detection) (subjectText, bodyText, bodyHTML string)
}

// Batcher drives one consolidation tick per call.
type Batcher struct {
	store    Store
	renderer Renderer
	signal   *notify.Signal
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
}

// Config configures a Batcher.
type Config struct {
	Store    Store
	Renderer Renderer
	// Signal is notified after each successful digest creation, waking
	// the Email Dispatcher without waiting for its own poll interval.
	Signal *notify.Signal
	Logger *slog.Logger
	NewID  func() string
	Now    func() time.Time
}

// New builds a Batcher.
func New(cfg Config) *Batcher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = DefaultRenderer{}
	}
	return &Batcher{
		store:    cfg.Store,
		renderer: renderer,
		signal:   cfg.Signal,
		logger:   logging.Default(cfg.Logger).With("component", "batch"),
		newID:    cfg.NewID,
		now:      now,
	}
}

// RunTick processes every tenant with open detections, returning the
// number of digests created.
func (b *Batcher) RunTick(ctx context.Context) (int, error) {
	tenantIDs, err := b.store.TenantsWithOpenDetections(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants with open detections: %w", err)
	}

	created := 0
	for _, tenantID := range tenantIDs {
		ok, err := b.batchTenant(ctx, tenantID)
		if err != nil {
			b.logger.Warn("batch tenant failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if ok {
			created++
		}
	}

	if created > 0 && b.signal != nil {
		b.signal.Notify()
	}
	return created, nil
}

func (b *Batcher) batchTenant(ctx context.Context, tenantID string) (bool, error) {
	detections, err := b.store.OpenDetectionsForTenant(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("load open detections: %w", err)
	}
	if len(detections) == 0 {
		return false, nil
	}

	sortDetections(detections)

	locale, err := b.store.TenantLocale(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("load tenant locale: %w", err)
	}

	digest := computeDigestFields(tenantID, locale, detections)
	if b.newID != nil {
		digest.ID = b.newID()
	}
	digest.CreatedAt = b.now()

	digest.Subject, digest.BodyText, digest.BodyHTML = b.renderer.Render(locale, digest, detections)

	ids := make([]string, len(detections))
	for i, d := range detections {
		ids[i] = d.ID
	}

	if err := b.store.CreateDigestAndCloseDetections(ctx, digest, ids); err != nil {
		return false, fmt.Errorf("create digest: %w", err)
	}
	return true, nil
}

// severityRank mirrors model.Severity.Rank() for the explicit
// critical>high>medium>low>info ordering spec §4.M step 1 calls for.
func severityRank(s model.Severity) int { return s.Rank() }

func sortDetections(detections []model.Detection) {
	sort.Slice(detections, func(i, j int) bool {
		ri, rj := severityRank(detections[i].Severity), severityRank(detections[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return detections[i].LastEventAt.After(detections[j].LastEventAt)
	})
}

func computeDigestFields(tenantID, locale string, detections []model.Detection) model.Digest {
	digest := model.Digest{TenantID: tenantID, Locale: locale, DetectionCount: len(detections)}

	for i, d := range detections {
		if i == 0 || d.FirstEventAt.Before(digest.WindowStart) {
			digest.WindowStart = d.FirstEventAt
		}
		if i == 0 || d.LastEventAt.After(digest.WindowEnd) {
			digest.WindowEnd = d.LastEventAt
		}
		if i == 0 {
			digest.Severity = d.Severity
		} else {
			digest.Severity = model.Max(digest.Severity, d.Severity)
		}
		digest.EventCount += d.EventCount
	}

	return digest
}
