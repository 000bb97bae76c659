// Package memory provides an in-memory config.Store implementation.
// Intended for tests and single-process bootstrap; configuration is not
// persisted across restarts.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"centinela/internal/config"
)

// Store is an in-memory config.Store implementation.
type Store struct {
	mu        sync.RWMutex
	tenants   map[string]config.Tenant
	apiKeys   map[string]config.APIKey // keyed by KeyHash
	rules     map[string]config.Rule
	rateTiers map[string]config.RateLimit
}

var _ config.Store = (*Store)(nil)

// NewStore creates a new in-memory Store, seeded with the reference rate
// tiers (spec §6) but no rules — call config.Bootstrap to seed rules.
func NewStore() *Store {
	s := &Store{
		tenants:   make(map[string]config.Tenant),
		apiKeys:   make(map[string]config.APIKey),
		rules:     make(map[string]config.Rule),
		rateTiers: make(map[string]config.RateLimit),
	}
	for tier, limit := range config.DefaultRateTiers() {
		s.rateTiers[tier] = limit
	}
	return s
}

func (s *Store) GetTenant(ctx context.Context, id string) (*config.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]config.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]config.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b config.Tenant) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) PutTenant(ctx context.Context, t config.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*config.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.apiKeys[keyHash]
	if !ok || !k.IsActive {
		return nil, nil
	}
	return &k, nil
}

func (s *Store) PutAPIKey(ctx context.Context, k config.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[k.KeyHash] = k
	return nil
}

func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id string) error {
	// Last-used tracking is best-effort diagnostic state for the in-memory
	// store; the production path records it in Postgres. No-op here keeps
	// this implementation free of a secondary by-ID index.
	return nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, k := range s.apiKeys {
		if k.ID == id {
			k.IsActive = false
			s.apiKeys[hash] = k
			return nil
		}
	}
	return fmt.Errorf("api key %q not found", id)
}

func (s *Store) ListRules(ctx context.Context) ([]config.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]config.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b config.Rule) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) PutRule(ctx context.Context, r config.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.Name] = r
	return nil
}

func (s *Store) RateTier(ctx context.Context, tier string) (config.RateLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rl, ok := s.rateTiers[tier]
	if !ok {
		return config.RateLimit{}, fmt.Errorf("unknown rate tier %q", tier)
	}
	return rl, nil
}

func (s *Store) PutRateTier(ctx context.Context, tier string, limit config.RateLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateTiers[tier] = limit
	return nil
}
