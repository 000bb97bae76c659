package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestMiddleware(t *testing.T, budget Budget) (http.Handler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(rdb)

	keyFn := func(r *http.Request) (string, Budget, bool) { return "tenant:acme", budget, true }
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	return Middleware(limiter, keyFn, nil)(next), mr
}

func TestMiddleware_SetsHeadersOnSuccess(t *testing.T) {
	handler, _ := newTestMiddleware(t, Budget{MaxRequests: 5, Window: time.Minute, Tier: "pro"})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/ingest/syslog", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "pro", w.Header().Get("X-RateLimit-Tier"))
	require.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestMiddleware_SetsHeadersAndRetryAfterOnReject(t *testing.T) {
	handler, _ := newTestMiddleware(t, Budget{MaxRequests: 1, Window: time.Minute, Tier: "free"})

	ok := httptest.NewRecorder()
	handler.ServeHTTP(ok, httptest.NewRequest(http.MethodPost, "/v1/ingest/syslog", nil))
	require.Equal(t, http.StatusOK, ok.Code)

	rejected := httptest.NewRecorder()
	handler.ServeHTTP(rejected, httptest.NewRequest(http.MethodPost, "/v1/ingest/syslog", nil))

	require.Equal(t, http.StatusTooManyRequests, rejected.Code)
	require.Equal(t, "1", rejected.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rejected.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "free", rejected.Header().Get("X-RateLimit-Tier"))
	require.Equal(t, "60", rejected.Header().Get("Retry-After"))
}

func TestMiddleware_PassesThroughWhenKeyFuncDeclines(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(rdb)

	keyFn := func(r *http.Request) (string, Budget, bool) { return "", Budget{}, false }
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := Middleware(limiter, keyFn, nil)(next)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/ingest/syslog", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}
