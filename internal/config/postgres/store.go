// Package postgres is the production config.Store backend, using pgx
// against a schema bootstrapped by golang-migrate (see
// internal/store/postgres/migrations for the full schema, shared by both
// control-plane and data-plane tables).
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"centinela/internal/config"
)

// Store is a Postgres-backed config.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ config.Store = (*Store)(nil)

// New wraps an existing pool. The pool's lifecycle (including Close) is
// the caller's responsibility, matching the teacher's pattern of
// injecting a shared connection handle rather than owning it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetTenant(ctx context.Context, id string) (*config.Tenant, error) {
	var t config.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, status, plan_tier, default_locale, timezone
		FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Status, &t.PlanTier, &t.DefaultLocale, &t.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]config.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, status, plan_tier, default_locale, timezone
		FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []config.Tenant
	for rows.Next() {
		var t config.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.PlanTier, &t.DefaultLocale, &t.Timezone); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) PutTenant(ctx context.Context, t config.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, status, plan_tier, default_locale, timezone)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			plan_tier = EXCLUDED.plan_tier,
			default_locale = EXCLUDED.default_locale,
			timezone = EXCLUDED.timezone`,
		t.ID, t.Name, t.Status, t.PlanTier, t.DefaultLocale, t.Timezone)
	if err != nil {
		return fmt.Errorf("put tenant %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*config.APIKey, error) {
	var k config.APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, key_hash, prefix, name, is_active
		FROM api_keys WHERE key_hash = $1 AND is_active = true`, keyHash,
	).Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.Prefix, &k.Name, &k.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

func (s *Store) PutAPIKey(ctx context.Context, k config.APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_hash, prefix, name, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			key_hash = EXCLUDED.key_hash,
			prefix = EXCLUDED.prefix,
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active`,
		k.ID, k.TenantID, k.KeyHash, k.Prefix, k.Name, k.IsActive)
	if err != nil {
		return fmt.Errorf("put api key %s: %w", k.ID, err)
	}
	return nil
}

// TouchAPIKeyLastUsed is called asynchronously by the auth gate after a
// successful lookup (spec §4.E: "attach tenant_id... and asynchronously
// touch last_used_at"); failures are logged by the caller, not surfaced
// as a request-blocking error.
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch api key %s: %w", id, err)
	}
	return nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE api_keys SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("api key %q not found", id)
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context) ([]config.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, event_types, threshold, window_minutes, severity, group_by
		FROM detection_rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []config.Rule
	for rows.Next() {
		var r config.Rule
		if err := rows.Scan(&r.Name, &r.EventTypes, &r.Threshold, &r.WindowMinutes, &r.Severity, &r.GroupBy); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PutRule(ctx context.Context, r config.Rule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO detection_rules (name, event_types, threshold, window_minutes, severity, group_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			event_types = EXCLUDED.event_types,
			threshold = EXCLUDED.threshold,
			window_minutes = EXCLUDED.window_minutes,
			severity = EXCLUDED.severity,
			group_by = EXCLUDED.group_by`,
		r.Name, r.EventTypes, r.Threshold, r.WindowMinutes, r.Severity, r.GroupBy)
	if err != nil {
		return fmt.Errorf("put rule %s: %w", r.Name, err)
	}
	return nil
}

func (s *Store) RateTier(ctx context.Context, tier string) (config.RateLimit, error) {
	var rl config.RateLimit
	err := s.pool.QueryRow(ctx, `
		SELECT max_requests, window_seconds FROM rate_tiers WHERE tier = $1`, tier,
	).Scan(&rl.MaxRequests, &rl.WindowSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return config.RateLimit{}, fmt.Errorf("unknown rate tier %q", tier)
	}
	if err != nil {
		return config.RateLimit{}, fmt.Errorf("rate tier %s: %w", tier, err)
	}
	return rl, nil
}

func (s *Store) PutRateTier(ctx context.Context, tier string, limit config.RateLimit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rate_tiers (tier, max_requests, window_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (tier) DO UPDATE SET
			max_requests = EXCLUDED.max_requests,
			window_seconds = EXCLUDED.window_seconds`,
		tier, limit.MaxRequests, limit.WindowSeconds)
	if err != nil {
		return fmt.Errorf("put rate tier %s: %w", tier, err)
	}
	return nil
}
