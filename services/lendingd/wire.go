package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	poolconfig "stxlend/config"
	"stxlend/core/events"
	"stxlend/integrations/webhooks"
	"stxlend/observability"
	"stxlend/services/lending/engine"
	"stxlend/services/lending/history"
	"stxlend/services/lendingd/config"
	"stxlend/services/oracle"
	"stxlend/storage"
)

// openStorage opens the key-value backend selected by cfg.
func openStorage(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Engine {
	case "memory":
		return storage.NewMemDB(), nil
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		db, err := storage.NewBoltDB(cfg.Path, &bolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		return db, nil
	case "leveldb":
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}

func buildClock(cfg config.ClockConfig) (engine.Clock, error) {
	if cfg.Mode == "manual" {
		return engine.NewManualClock(cfg.StartHeight), nil
	}
	genesis, err := cfg.GenesisTime()
	if err != nil {
		return nil, err
	}
	return engine.WallClock{Genesis: genesis, BlockTime: cfg.BlockTime}, nil
}

func buildSource(cfg config.SourceConfig, timeout time.Duration) (oracle.Source, error) {
	switch cfg.Kind {
	case "":
		return nil, nil
	case "static":
		return oracle.NewStaticSource(cfg.Name, cfg.Prices)
	case "coingecko":
		var apiKey string
		if cfg.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.APIKeyEnv)
		}
		client := &http.Client{Timeout: timeout}
		return oracle.NewCoinGeckoSource(cfg.Name, client, cfg.Endpoint, apiKey, cfg.IDs), nil
	default:
		return nil, fmt.Errorf("unknown oracle source %q", cfg.Kind)
	}
}

// buildOracle assembles the fallback chain and its sqlite cache. height
// stamps each accepted quote with the pool block height.
func buildOracle(cfg config.OracleConfig, asset string, height func() uint64, logger *slog.Logger) (*oracle.Manager, *oracle.Store, error) {
	primary, err := buildSource(cfg.Primary, cfg.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("primary source: %w", err)
	}
	secondary, err := buildSource(cfg.Secondary, cfg.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("secondary source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create oracle cache dir: %w", err)
	}
	dsn, err := oracle.FileDSN(cfg.CachePath)
	if err != nil {
		return nil, nil, err
	}
	store, err := oracle.OpenStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := oracle.New(primary, secondary, store, []string{asset},
		oracle.WithLogger(logger),
		oracle.WithHeight(height),
		oracle.WithInterval(cfg.PollInterval),
		oracle.WithTimeout(cfg.Timeout),
		oracle.WithMaxAge(cfg.MaxAge),
		oracle.WithMetrics(observability.Oracle()),
	)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return mgr, store, nil
}

// loadPool reads the pool TOML, writing the defaults on first start so
// operators have a file to edit.
func loadPool(path string, logger *slog.Logger) (*poolconfig.Pool, error) {
	pool, err := poolconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err == nil {
			if err := poolconfig.Save(path, pool); err != nil {
				logger.Warn("could not write default pool config", slog.String("path", path), slog.Any("error", err))
			}
		}
	}
	if err := pool.Validate(); err != nil {
		return nil, fmt.Errorf("pool config %s: %w", path, err)
	}
	return pool, nil
}

// pruneOracleCache drops samples older than retention once per hour.
func pruneOracleCache(ctx context.Context, store *oracle.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		removed, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			logger.Warn("oracle cache prune failed", slog.Any("error", err))
		} else if removed > 0 {
			logger.Info("oracle cache pruned", slog.Int64("removed", removed))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func buildWebhook(cfg config.WebhookConfig, logger *slog.Logger) (*webhooks.Dispatcher, error) {
	secret, err := cfg.Secret()
	if err != nil {
		return nil, err
	}
	return webhooks.NewDispatcher(cfg.URL, []byte(secret),
		webhooks.WithTypes(cfg.Events...),
		webhooks.WithRetryPolicy(cfg.MaxAttempts, 0, 0),
		webhooks.WithLogger(logger),
	)
}

// poolGraph is the pool service together with everything that observes it.
type poolGraph struct {
	svc      *engine.Service
	stream   *events.Broadcaster
	activity *history.Store
	hooks    *webhooks.Dispatcher
	prices   *oracle.Manager
	cache    *oracle.Store
	created  bool
}

// buildService assembles the pool: event stream, optional history and
// webhooks, the oracle and the engine service, then bootstraps the pool.
// The broadcaster and the oracle read the height through Service.Height,
// which takes no lock, because both run while an operation commits.
func buildService(ctx context.Context, cfg config.Config, pool *poolconfig.Pool, db storage.Database, clock engine.Clock, logger *slog.Logger) (g *poolGraph, err error) {
	params, err := pool.Params()
	if err != nil {
		return nil, err
	}
	supplyCap, borrowCap, err := pool.Caps()
	if err != nil {
		return nil, err
	}
	owner, err := pool.OwnerAddress()
	if err != nil {
		return nil, err
	}

	g = &poolGraph{}
	defer func() {
		if err != nil {
			g.Close()
			g = nil
		}
	}()
	height := func() uint64 {
		if g.svc == nil {
			return clock.Height()
		}
		return g.svc.Height()
	}

	g.stream = events.NewBroadcaster(cfg.Stream.HistoryLimit, height)
	emitter := events.Fanout{g.stream}
	if cfg.History.DSN != "" {
		g.activity, err = history.Open(cfg.History.DSN, logger.With(slog.String("component", "history")))
		if err != nil {
			return nil, err
		}
		emitter = append(emitter, g.activity)
	}
	if cfg.Webhook.URL != "" {
		g.hooks, err = buildWebhook(cfg.Webhook, logger.With(slog.String("component", "webhook")))
		if err != nil {
			return nil, err
		}
		emitter = append(emitter, g.hooks)
	}

	g.prices, g.cache, err = buildOracle(cfg.Oracle, params.CollateralAsset, height, logger.With(slog.String("component", "oracle")))
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}

	svc, err := engine.New(db, clock, g.prices, engine.Config{
		Params:    params,
		Owner:     owner,
		SupplyCap: supplyCap,
		BorrowCap: borrowCap,
	},
		engine.WithLogger(logger),
		engine.WithEmitter(emitter),
		engine.WithPauses(pool.PauseView()),
		engine.WithMetrics(observability.Lending()),
	)
	if err != nil {
		return nil, err
	}
	g.svc = svc
	g.created, err = svc.Bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap pool: %w", err)
	}
	return g, nil
}

// Close releases the history database, the webhook queue and the oracle
// cache. The storage backend belongs to the caller.
func (g *poolGraph) Close() {
	if g == nil {
		return
	}
	if g.hooks != nil {
		g.hooks.Close()
	}
	if g.activity != nil {
		_ = g.activity.Close()
	}
	if g.cache != nil {
		_ = g.cache.Close()
	}
}
