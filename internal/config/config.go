// Package config persists control-plane configuration: tenants, API keys,
// detection rule definitions, and rate-limit tiers. This is declarative
// state an operator mutates at runtime, not data-plane state. The ingest
// path reads it on every request: the API-key gate looks up the key by
// digest, and the rate limiter reads the tenant and its rate tier.
package config

import "context"

// Store persists and loads control-plane configuration.
type Store interface {
	TenantStore
	APIKeyStore
	RuleStore
}

// TenantStore manages Tenant rows.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	PutTenant(ctx context.Context, t Tenant) error
}

// APIKeyStore manages APIKey rows, keyed for lookup by digest.
type APIKeyStore interface {
	// GetAPIKeyByHash looks up an active key by its SHA-256 digest (hex).
	// Returns nil, nil on miss.
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	PutAPIKey(ctx context.Context, k APIKey) error
	TouchAPIKeyLastUsed(ctx context.Context, id string) error
	RevokeAPIKey(ctx context.Context, id string) error
}

// RuleStore manages detection rule definitions and rate-limit tiers.
type RuleStore interface {
	ListRules(ctx context.Context) ([]Rule, error)
	PutRule(ctx context.Context, r Rule) error
	RateTier(ctx context.Context, tier string) (RateLimit, error)
	PutRateTier(ctx context.Context, tier string, limit RateLimit) error
}

// Tenant mirrors model.Tenant for the control-plane surface; kept
// separate from model.Tenant so config persistence can evolve (e.g. add
// provisioning metadata) without perturbing the pipeline's data model
// import graph.
type Tenant struct {
	ID            string
	Name          string
	Status        string
	PlanTier      string
	DefaultLocale string
	Timezone      string
}

// APIKey is the control-plane view of model.APIKey.
type APIKey struct {
	ID       string
	TenantID string
	KeyHash  string
	Prefix   string
	Name     string
	IsActive bool
}

// Rule is a detection rule definition (spec §4.J).
type Rule struct {
	Name           string
	EventTypes     []string
	Threshold      int
	WindowMinutes  int
	Severity       string
	GroupBy        string // src_ip | src_user | src_ip_user
}

// RateLimit is a named tier's request budget (spec §4.F).
type RateLimit struct {
	MaxRequests   int
	WindowSeconds int
}

// DefaultRules returns the reference rule set from spec §4.J, used to
// seed a fresh Store on first boot.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "vpn_bruteforce", EventTypes: []string{"vpn_login_fail"}, Threshold: 3, WindowMinutes: 15, Severity: "high", GroupBy: "src_ip"},
		{Name: "admin_bruteforce", EventTypes: []string{"admin_login_fail"}, Threshold: 3, WindowMinutes: 15, Severity: "critical", GroupBy: "src_ip"},
		{Name: "config_change_burst", EventTypes: []string{"config_change"}, Threshold: 10, WindowMinutes: 5, Severity: "medium", GroupBy: "src_user"},
	}
}

// DefaultRateTiers returns the reference tier table from spec §6.
func DefaultRateTiers() map[string]RateLimit {
	return map[string]RateLimit{
		"free":       {MaxRequests: 100, WindowSeconds: 60},
		"basic":      {MaxRequests: 1000, WindowSeconds: 60},
		"pro":        {MaxRequests: 5000, WindowSeconds: 60},
		"enterprise": {MaxRequests: 20000, WindowSeconds: 60},
	}
}

// Bootstrap seeds a fresh Store with the reference rule set, mirroring
// the teacher's config.Bootstrap first-run idiom (gastrolog seeds a
// catch-all filter and a bootstrap ingester; here we seed the reference
// detection rules instead, since those are this system's equivalent
// "nothing works until something exists" default).
func Bootstrap(ctx context.Context, store RuleStore) error {
	existing, err := store.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, r := range DefaultRules() {
		if err := store.PutRule(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
