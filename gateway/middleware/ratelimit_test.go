package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stxlend/crypto"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"lending": {RequestsPerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("lending")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/lending/stats", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", res.Header().Get("Retry-After"))
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"lending": {RequestsPerSecond: 1, Burst: 1},
		"admin":   {RequestsPerSecond: 1, Burst: 1},
	}, nil)
	lending := limiter.Middleware("lending")(okHandler())
	admin := limiter.Middleware("admin")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/lending/stats", nil)
	res := httptest.NewRecorder()
	lending.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected lending request to succeed, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	admin.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected admin group to have its own budget, got %d", res.Code)
	}
}

func TestRateLimiterKeysOnPrincipal(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"lending": {RequestsPerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("lending")(okHandler())

	for _, b := range []byte{1, 2} {
		raw := make([]byte, 20)
		raw[0] = b
		principal := crypto.NewAddress(crypto.LendPrefix, raw)
		req := httptest.NewRequest(http.MethodPost, "/v1/lending/deposit", nil)
		req = req.WithContext(context.WithValue(req.Context(), ContextKeyPrincipal, principal))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("principal %d should have its own budget, got %d", b, res.Code)
		}
	}
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"lending": {RequestsPerSecond: 10, Burst: 10},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("lending")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/lending/stats", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if limiter.Visitors() != 1 {
		t.Fatalf("expected one visitor")
	}

	now = now.Add(2 * visitorIdleTTL)
	other := httptest.NewRequest(http.MethodGet, "/v1/lending/stats", nil)
	other.Header.Set("X-Real-IP", "10.0.0.2")
	handler.ServeHTTP(httptest.NewRecorder(), other)
	if limiter.Visitors() != 1 {
		t.Fatalf("expected idle visitor to be swept, have %d", limiter.Visitors())
	}
}
