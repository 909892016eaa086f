package main

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	poolconfig "stxlend/config"
	"stxlend/crypto"
	"stxlend/services/lending/engine"
	"stxlend/services/lending/history"
	"stxlend/services/lendingd/config"
	"stxlend/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStorageBackends(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []config.StorageConfig{
		{Engine: "memory"},
		{Engine: "leveldb", Path: filepath.Join(dir, "state")},
		{Engine: "bolt", Path: filepath.Join(dir, "bolt", "state.bolt")},
	} {
		db, err := openStorage(cfg)
		if err != nil {
			t.Fatalf("%s: %v", cfg.Engine, err)
		}
		if err := db.Put([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("%s put: %v", cfg.Engine, err)
		}
		got, err := db.Get([]byte("k"))
		if err != nil || string(got) != "v" {
			t.Fatalf("%s get: %q %v", cfg.Engine, got, err)
		}
		db.Close()
	}
	if _, err := openStorage(config.StorageConfig{Engine: "rocks"}); err == nil {
		t.Fatalf("expected unknown engine to fail")
	}
}

func TestBuildClock(t *testing.T) {
	clock, err := buildClock(config.ClockConfig{Mode: "manual", StartHeight: 7})
	if err != nil || clock.Height() != 7 {
		t.Fatalf("unexpected manual clock %v %v", clock, err)
	}
	genesis := time.Now().Add(-25 * time.Minute).UTC().Format(time.RFC3339)
	clock, err = buildClock(config.ClockConfig{Mode: "wall", Genesis: genesis, BlockTime: 10 * time.Minute})
	if err != nil {
		t.Fatalf("wall clock: %v", err)
	}
	if _, ok := clock.(engine.WallClock); !ok || clock.Height() != 2 {
		t.Fatalf("unexpected wall clock height %d", clock.Height())
	}
}

func TestBuildOracleFromStaticSources(t *testing.T) {
	cfg := config.OracleConfig{
		Primary:   config.SourceConfig{Kind: "static", Name: "ops", Prices: map[string]string{"STX": "2.25"}},
		CachePath: filepath.Join(t.TempDir(), "cache", "oracle.db"),
		Timeout:   time.Second,
		MaxAge:    time.Minute,
	}
	mgr, store, err := buildOracle(cfg, "STX", func() uint64 { return 9 }, quietLogger())
	if err != nil {
		t.Fatalf("build oracle: %v", err)
	}
	defer store.Close()
	quote, err := mgr.Price("STX")
	if err != nil || quote.Price.Int64() != 225_000_000 || quote.Block != 9 || quote.Source != "ops" {
		t.Fatalf("unexpected quote %+v %v", quote, err)
	}
	if _, err := store.Latest(context.Background(), "STX"); err != nil {
		t.Fatalf("expected sample to be cached: %v", err)
	}

	if _, _, err := buildOracle(config.OracleConfig{Primary: config.SourceConfig{Kind: "carrier-pigeon"}}, "STX", nil, quietLogger()); err == nil {
		t.Fatalf("expected unknown source kind to fail")
	}
}

func TestLoadPoolWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool", "pool.toml")
	if _, err := loadPool(path, quietLogger()); err == nil {
		t.Fatalf("expected missing owner to fail validation")
	}
	written, err := poolconfig.Load(path)
	if err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
	if written.BorrowRateBps != 800 || written.BlocksPerYear != 52_560 {
		t.Fatalf("unexpected defaults %+v", written)
	}

	raw := make([]byte, 20)
	raw[19] = 0xF0
	written.Owner = crypto.NewAddress(crypto.LendPrefix, raw).String()
	if err := poolconfig.Save(path, written); err != nil {
		t.Fatalf("save: %v", err)
	}
	pool, err := loadPool(path, quietLogger())
	if err != nil {
		t.Fatalf("load pool: %v", err)
	}
	owner, err := pool.OwnerAddress()
	if err != nil || owner.Bytes()[19] != 0xF0 {
		t.Fatalf("unexpected owner %v %v", owner, err)
	}
}

func TestBuildWebhookNeedsSecret(t *testing.T) {
	cfg := config.WebhookConfig{URL: "http://127.0.0.1:9/hook", SecretEnv: "LENDINGD_TEST_HOOK_SECRET"}
	t.Setenv(cfg.SecretEnv, "")
	if _, err := buildWebhook(cfg, quietLogger()); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
	t.Setenv(cfg.SecretEnv, "hook")
	hooks, err := buildWebhook(cfg, quietLogger())
	if err != nil {
		t.Fatalf("build webhook: %v", err)
	}
	hooks.Close()
}

func lendAddr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

func TestBuildServiceRunsOperations(t *testing.T) {
	dir := t.TempDir()
	owner, lender, borrower := lendAddr(0xF0), lendAddr(1), lendAddr(2)
	pool := poolconfig.Default()
	pool.Owner = owner.String()

	interval := 20 * time.Millisecond
	cfg := config.Config{
		History: config.HistoryConfig{DSN: filepath.Join(dir, "history.db")},
		Stream:  config.StreamConfig{HistoryLimit: 64},
		Oracle: config.OracleConfig{
			Primary:      config.SourceConfig{Kind: "static", Name: "ops", Prices: map[string]string{"STX": "2.25"}},
			CachePath:    filepath.Join(dir, "oracle.db"),
			PollInterval: interval,
			Timeout:      time.Second,
			MaxAge:       time.Minute,
		},
	}
	clock := engine.NewManualClock(40)
	ctx := context.Background()
	graph, err := buildService(ctx, cfg, pool, storage.NewMemDB(), clock, quietLogger())
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	defer graph.Close()
	if !graph.created {
		t.Fatalf("expected a fresh pool")
	}
	svc := graph.svc

	done := make(chan error, 1)
	go func() {
		steps := []func() error{
			func() error { _, err := svc.Credit(ctx, owner, "USDCx", lender, big.NewInt(1_000_000_000)); return err },
			func() error { _, err := svc.Credit(ctx, owner, "STX", borrower, big.NewInt(100_000_000)); return err },
			func() error { _, err := svc.Deposit(ctx, lender, big.NewInt(1_000_000_000)); return err },
			func() error { _, err := svc.CollateralPrice(ctx); return err },
			func() error {
				// Let the oracle sample age past one poll interval so the
				// borrow refreshes it while the pool lock is held.
				time.Sleep(3 * interval)
				_, err := svc.Borrow(ctx, borrower, big.NewInt(150_000_000), big.NewInt(100_000_000))
				return err
			},
		}
		for _, step := range steps {
			if err := step(); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("operation failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("pool operations did not complete")
	}

	sample, ok := graph.prices.Latest("STX")
	if !ok || sample.Height != 40 {
		t.Fatalf("expected refreshed sample at height 40, got %+v", sample)
	}
	_, cancel, backlog := graph.stream.Subscribe(ctx, "")
	cancel()
	if len(backlog) == 0 {
		t.Fatalf("expected events on the stream")
	}
	for _, update := range backlog {
		if update.Height != 40 {
			t.Fatalf("expected stream updates at height 40, got %+v", update)
		}
	}
	rows, err := graph.activity.List(ctx, history.Filter{})
	if err != nil || len(rows) == 0 {
		t.Fatalf("expected recorded activity, got %d rows %v", len(rows), err)
	}
	stats, err := svc.ProtocolStats(ctx)
	if err != nil || stats.TotalBorrowed.Cmp(big.NewInt(150_000_000)) != 0 {
		t.Fatalf("unexpected stats %+v %v", stats, err)
	}
}
