// Package rules implements the Detection Rules Engine (spec §4.J): it
// evaluates windowed aggregates over NormalizedEvents against a set of
// threshold rules and maintains the resulting Detection rows, applying
// Invariant A (at most one open detection per tenant/type/group_key).
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"centinela/internal/config"
	"centinela/internal/logging"
	"centinela/internal/model"
)

// GroupBy names the actor dimension a rule aggregates on.
type GroupBy string

const (
	GroupBySrcIP     GroupBy = "src_ip"
	GroupBySrcUser   GroupBy = "src_user"
	GroupBySrcIPUser GroupBy = "src_ip_user"
)

// Rule is an evaluatable detection rule, the in-package mirror of
// config.Rule.
type Rule struct {
	Name          string
	EventTypes    map[string]bool
	Threshold     int
	WindowMinutes int
	Severity      model.Severity
	GroupBy       GroupBy
}

// FromConfig converts a config.Rule into an evaluatable Rule.
func FromConfig(r config.Rule) Rule {
	types := make(map[string]bool, len(r.EventTypes))
	for _, t := range r.EventTypes {
		types[t] = true
	}
	return Rule{
		Name:          r.Name,
		EventTypes:    types,
		Threshold:     r.Threshold,
		WindowMinutes: r.WindowMinutes,
		Severity:      model.Severity(r.Severity),
		GroupBy:       GroupBy(r.GroupBy),
	}
}

// groupKey computes the group_key for one event under a rule's
// GroupBy dimension. An event missing the relevant actor field has no
// group key and is excluded from aggregation.
func (r Rule) groupKey(ev model.NormalizedEvent) (string, bool) {
	switch r.GroupBy {
	case GroupBySrcIP:
		if ev.SrcIP == "" {
			return "", false
		}
		return ev.SrcIP, true
	case GroupBySrcUser:
		if ev.SrcUser == "" {
			return "", false
		}
		return ev.SrcUser, true
	case GroupBySrcIPUser:
		if ev.SrcIP == "" || ev.SrcUser == "" {
			return "", false
		}
		return ev.SrcIP + "|" + ev.SrcUser, true
	default:
		return "", false
	}
}

// Store is the persistence surface the Engine needs: a window of
// recent NormalizedEvents and Detection upsert semantics implementing
// Invariant A.
type Store interface {
	// RecentEvents returns NormalizedEvents for (tenantID, siteID,
	// sourceID) with ts within the last window, restricted to
	// eventTypes.
	RecentEvents(ctx context.Context, tenantID, siteID, sourceID string, eventTypes []string, window time.Duration) ([]model.NormalizedEvent, error)

	// OpenDetection returns the open detection (reported_digest_id =
	// "") for (tenantID, detectionType, groupKey), or nil if none.
	OpenDetection(ctx context.Context, tenantID, detectionType, groupKey string) (*model.Detection, error)

	// UpsertDetection inserts d, or updates the detection with d.ID in
	// place if one exists. The Engine passes the open detection's ID
	// when it extends an ongoing episode and a fresh ID otherwise.
	UpsertDetection(ctx context.Context, d model.Detection) error

	// Scopes lists tenant/site/source scopes to evaluate rules for.
	Scopes(ctx context.Context) ([]Scope, error)
}

// Scope identifies one tenant (and optionally site/source) the engine
// evaluates rules against independently, so one tenant's bursty traffic
// never pollutes another's grouping.
type Scope struct {
	TenantID string
	SiteID   string
	SourceID string
}

// aggregate is the per-group rollup computed from a rule's matching
// events within its window.
type aggregate struct {
	count        int
	firstEventAt time.Time
	lastEventAt  time.Time
	srcIPs       map[string]bool
	srcUsers     map[string]bool
	eventIDs     []string
}

// Engine evaluates rules on each pipeline tick.
type Engine struct {
	store    Store
	rules    func(ctx context.Context) ([]Rule, error)
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
	escalate bool
}

// Config configures an Engine.
type Config struct {
	Store Store
	// Rules loads the current rule set (spec rules are reloadable
	// without a restart; callers typically back this with
	// config.RuleStore.ListRules).
	Rules func(ctx context.Context) ([]Rule, error)
	Logger *slog.Logger
	NewID  func() string
	Now    func() time.Time
	// Escalate enables the optional severity-escalation policy hook
	// (spec §4.J: raise severity at 5x and 20x threshold).
	Escalate bool
}

// New builds an Engine.
func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    cfg.Store,
		rules:    cfg.Rules,
		logger:   logging.Default(cfg.Logger).With("component", "rules"),
		newID:    cfg.NewID,
		now:      now,
		escalate: cfg.Escalate,
	}
}

// EvaluateTick runs every rule against every scope once. Returns the
// number of detections inserted or updated.
func (e *Engine) EvaluateTick(ctx context.Context) (int, error) {
	ruleSet, err := e.rules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rules: %w", err)
	}

	scopes, err := e.store.Scopes(ctx)
	if err != nil {
		return 0, fmt.Errorf("load scopes: %w", err)
	}

	affected := 0
	for _, scope := range scopes {
		for _, r := range ruleSet {
			n, err := e.evaluateRuleForScope(ctx, r, scope)
			if err != nil {
				e.logger.Warn("rule evaluation failed", "rule", r.Name, "tenant_id", scope.TenantID, "error", err)
				continue
			}
			affected += n
		}
	}
	return affected, nil
}

func (e *Engine) evaluateRuleForScope(ctx context.Context, r Rule, scope Scope) (int, error) {
	window := time.Duration(r.WindowMinutes) * time.Minute
	eventTypes := make([]string, 0, len(r.EventTypes))
	for t := range r.EventTypes {
		eventTypes = append(eventTypes, t)
	}

	events, err := e.store.RecentEvents(ctx, scope.TenantID, scope.SiteID, scope.SourceID, eventTypes, window)
	if err != nil {
		return 0, fmt.Errorf("recent events: %w", err)
	}

	groups := make(map[string]*aggregate)
	for _, ev := range events {
		if !r.EventTypes[ev.EventType] {
			continue
		}
		key, ok := r.groupKey(ev)
		if !ok {
			continue
		}
		agg, exists := groups[key]
		if !exists {
			agg = &aggregate{srcIPs: map[string]bool{}, srcUsers: map[string]bool{}}
			groups[key] = agg
		}
		agg.count++
		if agg.firstEventAt.IsZero() || ev.TS.Before(agg.firstEventAt) {
			agg.firstEventAt = ev.TS
		}
		if ev.TS.After(agg.lastEventAt) {
			agg.lastEventAt = ev.TS
		}
		if ev.SrcIP != "" {
			agg.srcIPs[ev.SrcIP] = true
		}
		if ev.SrcUser != "" {
			agg.srcUsers[ev.SrcUser] = true
		}
		agg.eventIDs = append(agg.eventIDs, ev.ID)
	}

	affected := 0
	// Deterministic iteration order for reproducible logs/tests.
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		agg := groups[key]
		if agg.count < r.Threshold {
			continue
		}
		if err := e.upsertDetection(ctx, r, scope, key, agg); err != nil {
			return affected, err
		}
		affected++
	}
	return affected, nil
}

func (e *Engine) upsertDetection(ctx context.Context, r Rule, scope Scope, groupKey string, agg *aggregate) error {
	severity := r.Severity
	if e.escalate {
		severity = escalateSeverity(severity, agg.count, r.Threshold)
	}

	existing, err := e.store.OpenDetection(ctx, scope.TenantID, r.Name, groupKey)
	if err != nil {
		return fmt.Errorf("lookup open detection: %w", err)
	}

	det := model.Detection{
		TenantID:      scope.TenantID,
		SiteID:        scope.SiteID,
		SourceID:      scope.SourceID,
		DetectionType: r.Name,
		Severity:      severity,
		GroupKey:      groupKey,
		WindowMinutes: r.WindowMinutes,
		EventCount:    agg.count,
		FirstEventAt:  agg.firstEventAt,
		LastEventAt:   agg.lastEventAt,
		Evidence:      buildEvidence(agg),
		RelatedEventIDs: agg.eventIDs,
	}

	// Invariant A: an open detection whose last_event_at already covers
	// this candidate's first_event_at is the same ongoing episode —
	// update it in place rather than opening a second one.
	if existing != nil && !existing.LastEventAt.Before(agg.firstEventAt) {
		det.ID = existing.ID
		det.CreatedAt = existing.CreatedAt
		det.Acknowledged = existing.Acknowledged
	} else {
		if e.newID != nil {
			det.ID = e.newID()
		}
		det.CreatedAt = e.now()
	}

	return e.store.UpsertDetection(ctx, det)
}

func buildEvidence(agg *aggregate) model.DetectionEvidence {
	ips := make([]string, 0, len(agg.srcIPs))
	for ip := range agg.srcIPs {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	users := make([]string, 0, len(agg.srcUsers))
	for u := range agg.srcUsers {
		users = append(users, u)
	}
	sort.Strings(users)

	sample := agg.eventIDs
	const maxSample = 50
	if len(sample) > maxSample {
		sample = sample[:maxSample]
	}

	return model.DetectionEvidence{
		DistinctSrcIPs:   ips,
		DistinctSrcUsers: users,
		SampleEventIDs:   sample,
	}
}

// escalateSeverity implements the optional policy hook (spec §4.J):
// raise severity by one level at 5x threshold, two levels at 20x,
// capping at critical.
func escalateSeverity(base model.Severity, count, threshold int) model.Severity {
	if threshold <= 0 {
		return base
	}
	switch {
	case count >= 20*threshold:
		return base.Escalate(2)
	case count >= 5*threshold:
		return base.Escalate(1)
	default:
		return base
	}
}
