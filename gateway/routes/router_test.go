package routes

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stxlend/crypto"
	"stxlend/gateway/middleware"
	"stxlend/native/lending"
	"stxlend/services/lending/engine"
	"stxlend/services/lending/server"
	"stxlend/storage"
)

type staticOracle struct{ clock engine.Clock }

func (o staticOracle) Price(string) (lending.PriceQuote, error) {
	return lending.PriceQuote{Price: big.NewInt(200_000_000), Block: o.clock.Height(), Source: "static"}, nil
}

func newLendingServer(t *testing.T) *server.Server {
	t.Helper()
	clock := engine.NewManualClock(5)
	raw := make([]byte, 20)
	raw[0] = 0xAA
	owner := crypto.NewAddress(crypto.LendPrefix, raw)
	svc, err := engine.New(storage.NewMemDB(), clock, staticOracle{clock: clock}, engine.Config{Params: lending.DefaultParams(), Owner: owner})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	srv, err := server.New(server.Config{Pool: svc})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestRouterServesHealthMetricsAndLending(t *testing.T) {
	handler, err := New(Config{
		Lending:       newLendingServer(t),
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "s"}, nil),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true, MetricsPrefix: "routes_test"}, nil),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	for path, want := range map[string]int{
		"/healthz":                 http.StatusOK,
		"/readyz":                  http.StatusOK,
		LendingPrefix + "/stats":   http.StatusOK,
		LendingPrefix + "/price":   http.StatusOK,
		LendingPrefix + "/missing": http.StatusNotFound,
	} {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
		if res.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, res.Code)
		}
		if res.Header().Get(middleware.RequestIDHeader) == "" {
			t.Fatalf("%s: missing request id", path)
		}
	}

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, LendingPrefix+"/deposit", strings.NewReader(`{"amount":"1"}`)))
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected deposit without token to be rejected, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "routes_test_requests_total") {
		t.Fatalf("expected request metrics, got %d", res.Code)
	}
}

func TestRouterReadinessAndLimits(t *testing.T) {
	handler, err := New(Config{
		Lending:     newLendingServer(t),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{"lending": {RequestsPerSecond: 1, Burst: 1}}, nil),
		Ready:       func(context.Context) error { return errors.New("oracle cache offline") },
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", res.Code)
	}

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, LendingPrefix+"/stats", nil))
		codes = append(codes, res.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected router without lending server to fail")
	}
}
