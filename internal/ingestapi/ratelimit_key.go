package ingestapi

import (
	"log/slog"
	"net/http"
	"time"

	"centinela/internal/auth"
	"centinela/internal/config"
	"centinela/internal/ratelimit"
)

// tenantRateLimitKey builds the ratelimit.KeyFunc that keys each
// request on its authenticated tenant and budgets it against that
// tenant's plan tier (spec §4.F). It fails open — returning ok=false,
// which ratelimit.Middleware treats as unlimited — when the tenant or
// its tier can't be resolved, consistent with the Limiter's own
// fail-open philosophy during a control-plane hiccup.
func tenantRateLimitKey(store config.Store, logger *slog.Logger) ratelimit.KeyFunc {
	return func(r *http.Request) (string, ratelimit.Budget, bool) {
		tenantID, ok := auth.TenantIDFromContext(r.Context())
		if !ok {
			return "", ratelimit.Budget{}, false
		}

		tenant, err := store.GetTenant(r.Context(), tenantID)
		if err != nil || tenant == nil {
			logger.Warn("rate limit tenant lookup failed, admitting unlimited", "tenant_id", tenantID, "error", err)
			return "", ratelimit.Budget{}, false
		}

		tier, err := store.RateTier(r.Context(), tenant.PlanTier)
		if err != nil {
			logger.Warn("rate limit tier lookup failed, admitting unlimited", "tenant_id", tenantID, "plan_tier", tenant.PlanTier, "error", err)
			return "", ratelimit.Budget{}, false
		}

		return "tenant:" + tenantID, ratelimit.Budget{
			MaxRequests: tier.MaxRequests,
			Window:      time.Duration(tier.WindowSeconds) * time.Second,
			Tier:        tenant.PlanTier,
		}, true
	}
}
