// Package aicache implements the AI Knowledge Cache (spec §4.K): a
// pattern-signature-keyed, TTL-governed cache of prior AI analysis
// results, so similar-but-not-identical incidents can reuse a prior
// verdict instead of re-dispatching to the downstream Orchestrator.
package aicache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"centinela/internal/model"
)

// DefaultTTLDays is the reference time-to-live for a fresh cache entry
// (spec §4.K), overridable via AI_CACHE_TTL_DAYS.
const DefaultTTLDays = 30

// Store is the durable backing store (Postgres in production): the
// cache's table of record. Redis sits in front of it as a read-through
// layer (see RedisCache).
type Store interface {
	Lookup(ctx context.Context, tenantID, signature string) (*model.AICacheEntry, error)
	Upsert(ctx context.Context, entry model.AICacheEntry) error
	InvalidateByPattern(ctx context.Context, tenantID, signature string) error
	InvalidateByType(ctx context.Context, tenantID, detectionType string) error
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

// bucketBounds discretizes a numeric evidence field into the reference
// ranges (spec §4.K): 1, 2-5, 6-10, 11-25, 26-50, 51-100, 100+.
var bucketBounds = []int{1, 5, 10, 25, 50, 100}

func bucket(n int) string {
	for _, b := range bucketBounds {
		if n <= b {
			return fmt.Sprintf("<=%d", b)
		}
	}
	return "100+"
}

// Signature computes the pattern-signature digest (spec §4.K) from a
// detection's type, severity, and discretized evidence counts. Same
// shape, different exact counts → same signature, which is the whole
// point: it lets near-duplicate incidents share a cached verdict.
func Signature(detectionType string, severity model.Severity, eventCount, distinctSrcIPs, distinctSrcUsers int) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "type=%s\nseverity=%s\nevent_count=%s\nsrc_ips=%s\nsrc_users=%s\n",
		detectionType, severity, bucket(eventCount), bucket(distinctSrcIPs), bucket(distinctSrcUsers))
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// SignatureFromDetection is a convenience wrapper computing Signature
// from a Detection's own fields.
func SignatureFromDetection(d model.Detection) string {
	return Signature(d.DetectionType, d.Severity, d.EventCount, len(d.Evidence.DistinctSrcIPs), len(d.Evidence.DistinctSrcUsers))
}

// Result is the payload cached and returned by Lookup, mirroring the
// fields an AIAnalysis/AIRecommendation/AIReport triple would carry.
type Result struct {
	ThreatDetected      bool
	ThreatType          string
	ConfidenceScore     float64
	Severity            model.Severity
	ContextSummary      string
	RecommendedActions  []model.AIRecommendationAction
	ReportSubject       string
	ReportBody          string
}

// Cache drives lookup/upsert/invalidate/cleanup against a durable
// Store, with an optional read-through accelerator (see RedisCache) in
// front of it.
type Cache struct {
	store      Store
	ttl        time.Duration
	now        func() time.Time
	newID      func() string
	accelerator readThrough
}

// readThrough is the optional fast path consulted before the durable
// Store and updated alongside it. A nil accelerator degrades Cache to
// Store-only operation.
type readThrough interface {
	get(ctx context.Context, tenantID, signature string) (*model.AICacheEntry, bool)
	set(ctx context.Context, entry model.AICacheEntry)
	invalidate(ctx context.Context, tenantID, signature string)
}

// Config configures a Cache.
type Config struct {
	Store      Store
	TTLDays    int // defaults to DefaultTTLDays
	Now        func() time.Time
	NewID      func() string
	Accelerator *RedisCache // optional
}

// New builds a Cache.
func New(cfg Config) *Cache {
	ttlDays := cfg.TTLDays
	if ttlDays <= 0 {
		ttlDays = DefaultTTLDays
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var acc readThrough
	if cfg.Accelerator != nil {
		acc = cfg.Accelerator
	}
	return &Cache{
		store:       cfg.Store,
		ttl:         time.Duration(ttlDays) * 24 * time.Hour,
		now:         now,
		newID:       cfg.NewID,
		accelerator: acc,
	}
}

// Lookup returns a valid, unexpired entry for (tenantID, signature), or
// nil if none exists or the entry is stale/invalidated. On hit,
// increments hit_count and updates last_hit_at in both layers.
func (c *Cache) Lookup(ctx context.Context, tenantID, signature string) (*model.AICacheEntry, error) {
	now := c.now()

	if c.accelerator != nil {
		if entry, ok := c.accelerator.get(ctx, tenantID, signature); ok {
			if entry.Valid(now) {
				entry.HitCount++
				entry.LastHitAt = now
				c.touchAsync(tenantID, signature, *entry)
				c.accelerator.set(ctx, *entry)
				return entry, nil
			}
		}
	}

	entry, err := c.store.Lookup(ctx, tenantID, signature)
	if err != nil {
		return nil, fmt.Errorf("lookup cache entry: %w", err)
	}
	if entry == nil || !entry.Valid(now) {
		return nil, nil
	}

	entry.HitCount++
	entry.LastHitAt = now
	if err := c.store.Upsert(ctx, *entry); err != nil {
		return nil, fmt.Errorf("record cache hit: %w", err)
	}
	if c.accelerator != nil {
		c.accelerator.set(ctx, *entry)
	}
	return entry, nil
}

// touchAsync persists a hit-count/last-hit-at bump to the durable store
// without blocking the caller's read path; a dropped touch only means a
// slightly stale hit_count, never incorrect serving behavior.
func (c *Cache) touchAsync(tenantID, signature string, entry model.AICacheEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.store.Upsert(ctx, entry)
	}()
}

// Upsert writes a fresh or updated entry (spec §4.K): conflict on
// (tenant_id, signature) overwrites content fields and resets
// expires_at = now + TTL, is_valid = true.
func (c *Cache) Upsert(ctx context.Context, tenantID, signature, detectionType string, result Result) error {
	now := c.now()
	id := ""
	if c.newID != nil {
		id = c.newID()
	}

	entry := model.AICacheEntry{
		ID:                  id,
		TenantID:            tenantID,
		PatternSignature:    signature,
		DetectionType:       detectionType,
		ThreatDetected:      result.ThreatDetected,
		ThreatType:          result.ThreatType,
		ConfidenceScore:     result.ConfidenceScore,
		Severity:            result.Severity,
		ContextSummary:      result.ContextSummary,
		RecommendedActions: result.RecommendedActions,
		ReportSubject:       result.ReportSubject,
		ReportBody:          result.ReportBody,
		HitCount:            0,
		LastHitAt:           now,
		ExpiresAt:           now.Add(c.ttl),
		IsValid:             true,
	}

	if err := c.store.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	if c.accelerator != nil {
		c.accelerator.set(ctx, entry)
	}
	return nil
}

// InvalidateByPattern marks one (tenant, signature) entry invalid.
func (c *Cache) InvalidateByPattern(ctx context.Context, tenantID, signature string) error {
	if err := c.store.InvalidateByPattern(ctx, tenantID, signature); err != nil {
		return fmt.Errorf("invalidate by pattern: %w", err)
	}
	if c.accelerator != nil {
		c.accelerator.invalidate(ctx, tenantID, signature)
	}
	return nil
}

// InvalidateByType marks every entry for (tenant, detectionType)
// invalid. Callers changing rule semantics for a detection type must
// call this so stale verdicts aren't served under the new rules.
func (c *Cache) InvalidateByType(ctx context.Context, tenantID, detectionType string) error {
	if err := c.store.InvalidateByType(ctx, tenantID, detectionType); err != nil {
		return fmt.Errorf("invalidate by type: %w", err)
	}
	// The Redis accelerator is keyed by signature, not detection_type,
	// so a type-wide invalidation can't target specific keys; entries
	// simply expire from Redis on their own TTL and re-populate from
	// the (now-invalidated) Store on next miss, which returns nil.
	return nil
}

// Cleanup deletes rows that are expired or already invalid (spec §4.K),
// intended for a daily schedule.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	n, err := c.store.Cleanup(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup cache entries: %w", err)
	}
	return n, nil
}
