package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"centinela/internal/logging"
)

// Budget is one tenant's admitted request count, window, and the plan
// tier name it came from (surfaced in the X-RateLimit-Tier header).
type Budget struct {
	MaxRequests int
	Window      time.Duration
	Tier        string
}

// KeyFunc extracts the rate-limit key and budget for an inbound
// request — normally the authenticated tenant ID and its plan tier's
// budget, attached to the request context by the auth gate upstream.
type KeyFunc func(r *http.Request) (key string, budget Budget, ok bool)

// Middleware builds chi-compatible middleware enforcing per-key
// sliding-window limits. Requests for which keyFn reports !ok (no
// tenant resolved yet) pass through unlimited — the auth gate is
// expected to run before this middleware and reject those itself.
func Middleware(limiter *Limiter, keyFn KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logging.Default(logger).With("component", "ratelimit")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, budget, ok := keyFn(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key, budget.MaxRequests, budget.Window)
			if err != nil {
				// Fail open: ingestion availability matters more than
				// precise enforcement during a Redis outage.
				logger.Warn("rate limit check failed, admitting request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w.Header(), budget.Tier, result)
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after_seconds":%d}`, int(result.RetryAfter.Seconds()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setRateLimitHeaders sets the four X-RateLimit-* headers spec §4.F
// step 4 requires on every response, admitted or rejected.
func setRateLimitHeaders(h http.Header, tier string, result Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Tier", tier)
}
