// Package auth implements the Ingestion Front Door's API-key gate
// (spec §4.E): every ingest and admin request carries a bearer API key,
// which is hashed and looked up against the config.Store. There is no
// human-facing session or JWT layer — Centinela's only authentication
// is this machine-to-machine key check.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"centinela/internal/config"
	"centinela/internal/logging"
)

type ctxKey struct{ name string }

var tenantIDKey = ctxKey{"tenant_id"}
var apiKeyIDKey = ctxKey{"api_key_id"}

// WithTenantID attaches the resolved tenant ID to a context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantIDFromContext reads back the tenant ID set by the Gate.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantIDKey).(string)
	return v, ok
}

// APIKeyIDFromContext reads back the resolved API key's ID.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(apiKeyIDKey).(string)
	return v, ok
}

// missDelay is added before a 401 response on an unrecognized or
// malformed key, so guessing keys one at a time isn't free — a fixed
// delay rather than a backoff, since this is a stateless per-request
// gate with no notion of a client identity to track before the key is
// validated.
const missDelay = 100 * time.Millisecond

// Gate is the API-key authentication middleware.
type Gate struct {
	store  config.APIKeyStore
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Gate backed by store.
func New(store config.APIKeyStore, logger *slog.Logger) *Gate {
	return &Gate{
		store:  store,
		logger: logging.Default(logger).With("component", "auth"),
		now:    time.Now,
	}
}

// Middleware returns chi-compatible middleware enforcing the API-key
// gate. On success it attaches the tenant ID and key ID to the request
// context and asynchronously touches the key's last-used timestamp.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey, ok := bearerToken(r)
		if !ok {
			g.reject(w, r)
			return
		}

		hash := HashKey(rawKey)
		key, err := g.store.GetAPIKeyByHash(r.Context(), hash)
		if err != nil {
			g.logger.Error("api key lookup failed", "error", err)
			g.reject(w, r)
			return
		}
		if key == nil || !key.IsActive {
			g.reject(w, r)
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.store.TouchAPIKeyLastUsed(ctx, key.ID); err != nil {
				g.logger.Warn("touch last_used_at failed", "api_key_id", key.ID, "error", err)
			}
		}()

		ctx := WithTenantID(r.Context(), key.TenantID)
		ctx = context.WithValue(ctx, apiKeyIDKey, key.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request) {
	time.Sleep(missDelay)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// HashKey computes the SHA-256 digest (hex) of a raw API key, the form
// both PutAPIKey and GetAPIKeyByHash key on. Keys are never stored in
// plaintext.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two digests without leaking timing
// information — used where a digest is compared outside the Store's
// own indexed lookup (e.g. a cached key check).
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
