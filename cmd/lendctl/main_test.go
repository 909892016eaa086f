package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stxlend/core/events"
	"stxlend/crypto"
	"stxlend/gateway/middleware"
	"stxlend/gateway/routes"
	"stxlend/native/lending"
	"stxlend/services/lending/engine"
	"stxlend/services/lending/history"
	"stxlend/services/lending/server"
	"stxlend/storage"
)

type fixedOracle struct{ clock engine.Clock }

func (o fixedOracle) Price(string) (lending.PriceQuote, error) {
	return lending.PriceQuote{Price: big.NewInt(225_000_000), Block: o.clock.Height(), Source: "fixed"}, nil
}

func addr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

type harness struct {
	url       string
	historyDB string
	clock     *engine.ManualClock
}

func startDaemon(t *testing.T) harness {
	t.Helper()
	clock := engine.NewManualClock(5)
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc, err := engine.New(storage.NewMemDB(), clock, fixedOracle{clock: clock},
		engine.Config{Params: lending.DefaultParams(), Owner: addr(0xF0)},
		engine.WithEmitter(events.Fanout{store}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	srv, err := server.New(server.Config{Pool: svc, History: store})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	handler, err := routes.New(routes.Config{
		Lending:       srv,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{DevPrincipalHeader: "X-Lending-Principal"}, nil),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return harness{url: ts.URL, historyDB: dbPath, clock: clock}
}

func (h harness) lendctl(t *testing.T, as crypto.Address, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--url", h.url, "--as", as.String()}, args...)
	code := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func decodeOutput(t *testing.T, raw string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
}

func TestPoolCommands(t *testing.T) {
	h := startDaemon(t)
	owner, lender, borrower := addr(0xF0), addr(1), addr(2)

	if _, errOut, code := h.lendctl(t, owner, "credit", "--asset", "USDCx", "--to", lender.String(), "--amount", "1000000000"); code != 0 {
		t.Fatalf("credit failed: %s", errOut)
	}
	if _, errOut, code := h.lendctl(t, owner, "credit", "--asset", "STX", "--to", borrower.String(), "--amount", "100000000"); code != 0 {
		t.Fatalf("credit stx failed: %s", errOut)
	}
	out, errOut, code := h.lendctl(t, lender, "deposit", "--amount", "1000000000")
	if code != 0 {
		t.Fatalf("deposit failed: %s", errOut)
	}
	var deposit server.OperationResponse
	decodeOutput(t, out, &deposit)
	if deposit.Receipt == nil || deposit.Amount != "1000000000" {
		t.Fatalf("unexpected deposit %+v", deposit)
	}

	out, _, code = h.lendctl(t, borrower, "max-borrow", "--collateral", "100000000")
	if code != 0 || !strings.Contains(out, `"maxBorrow": "150000000"`) {
		t.Fatalf("unexpected max-borrow %q", out)
	}
	out, errOut, code = h.lendctl(t, borrower, "borrow", "--amount", "150000000", "--collateral", "100000000")
	if code != 0 {
		t.Fatalf("borrow failed: %s", errOut)
	}
	var borrow server.OperationResponse
	decodeOutput(t, out, &borrow)
	if borrow.LoanID != 1 {
		t.Fatalf("expected loan 1, got %+v", borrow)
	}

	out, _, code = h.lendctl(t, borrower, "loans", "--addr", borrower.String())
	var loans []server.Loan
	decodeOutput(t, out, &loans)
	if code != 0 || len(loans) != 1 || loans[0].Borrowed != "150000000" {
		t.Fatalf("unexpected loans %+v", loans)
	}

	_, errOut, code = h.lendctl(t, lender, "liquidate", "--loan", "1")
	if code == 0 || !strings.Contains(errOut, "LoanHealthy") {
		t.Fatalf("expected healthy loan rejection, got %d %q", code, errOut)
	}
	_, errOut, code = h.lendctl(t, lender, "pause")
	if code == 0 || !strings.Contains(errOut, "NotAuthorized") {
		t.Fatalf("expected owner check, got %d %q", code, errOut)
	}

	h.clock.Advance(10)
	if _, errOut, code := h.lendctl(t, owner, "credit", "--asset", "USDCx", "--to", borrower.String(), "--amount", "1000000"); code != 0 {
		t.Fatalf("credit interest failed: %s", errOut)
	}
	out, errOut, code = h.lendctl(t, borrower, "repay", "--loan", "1")
	if code != 0 {
		t.Fatalf("repay failed: %s", errOut)
	}
	var repay server.OperationResponse
	decodeOutput(t, out, &repay)
	if repay.Settlement == nil || repay.Settlement.Principal != "150000000" {
		t.Fatalf("unexpected settlement %+v", repay.Settlement)
	}

	out, _, code = h.lendctl(t, lender, "stats")
	var stats server.Stats
	decodeOutput(t, out, &stats)
	if code != 0 || stats.TotalBorrowed != "0" || stats.ActiveLoans != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	out, errOut, code = h.lendctl(t, lender, "history", "--type", lending.EventTypeLoanRepaid)
	if code != 0 {
		t.Fatalf("history failed: %s", errOut)
	}
	var rows []server.Activity
	decodeOutput(t, out, &rows)
	if len(rows) == 0 || rows[0].Height != 15 {
		t.Fatalf("unexpected history %+v", rows)
	}

	parquet := filepath.Join(t.TempDir(), "activity.parquet")
	if _, errOut, code := h.lendctl(t, owner, "export-history", "--dsn", h.historyDB, "--out", parquet); code != 0 {
		t.Fatalf("export failed: %s", errOut)
	}
	raw, err := os.ReadFile(parquet)
	if err != nil || !bytes.HasPrefix(raw, []byte("PAR1")) {
		t.Fatalf("expected parquet file, err=%v", err)
	}
}

func TestUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), nil, &stdout, &stderr); code != 1 || !strings.Contains(stderr.String(), "Commands:") {
		t.Fatalf("expected usage, got %d %q", code, stderr.String())
	}
	stderr.Reset()
	if code := run(context.Background(), []string{"launch"}, &stdout, &stderr); code != 1 || !strings.Contains(stderr.String(), `unknown command "launch"`) {
		t.Fatalf("expected unknown command, got %q", stderr.String())
	}
	stderr.Reset()
	if code := run(context.Background(), []string{"deposit"}, &stdout, &stderr); code != 1 || !strings.Contains(stderr.String(), "--amount is required") {
		t.Fatalf("expected missing flag, got %q", stderr.String())
	}
	stderr.Reset()
	if code := run(context.Background(), []string{"history", "--type", "bogus"}, &stdout, &stderr); code != 1 || !strings.Contains(stderr.String(), "unknown event type") {
		t.Fatalf("expected type check, got %q", stderr.String())
	}
}

func TestKeysAndTokens(t *testing.T) {
	t.Setenv(defaultPassEnv, "lendctl test passphrase")
	t.Setenv(defaultSecretEnv, "lendctl-test-secret")
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys", "lender.json")

	var stdout, stderr bytes.Buffer
	if code := run(ctx, []string{"keygen", "--out", path, "--light"}, &stdout, &stderr); code != 0 {
		t.Fatalf("keygen failed: %s", stderr.String())
	}
	var created map[string]string
	decodeOutput(t, stdout.String(), &created)
	want, err := crypto.ParseAddress(created["address"])
	if err != nil {
		t.Fatalf("keygen printed bad address: %v", err)
	}

	stdout.Reset()
	if code := run(ctx, []string{"address", "--keystore", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("address failed: %s", stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != want.String() {
		t.Fatalf("address mismatch %q vs %s", stdout.String(), want)
	}

	stdout.Reset()
	if code := run(ctx, []string{"token", "--keystore", path, "--issuer", "lendctl", "--scopes", "lending:admin"}, &stdout, &stderr); code != 0 {
		t.Fatalf("token failed: %s", stderr.String())
	}
	token := strings.TrimSpace(stdout.String())

	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "lendctl-test-secret", Issuer: "lendctl"}, nil)
	var seen crypto.Address
	handler := auth.Middleware("lending:admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = middleware.Principal(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !seen.Equal(want) {
		t.Fatalf("token rejected: %d principal=%s", rec.Code, seen)
	}

	if code := run(ctx, []string{"token"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected token without subject to fail")
	}
	stderr.Reset()
	if code := run(ctx, []string{"token", "--subject", want.String(), "--keystore", path}, &stdout, &stderr); code != 1 || !strings.Contains(stderr.String(), "none of the others can be") {
		t.Fatalf("expected exclusive subject flags, got %q", stderr.String())
	}
	stderr.Reset()
	if code := run(ctx, []string{"keygen"}, &stdout, &stderr); code != 1 || !strings.Contains(stderr.String(), `"out" not set`) {
		t.Fatalf("expected required --out, got %q", stderr.String())
	}
}
