package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stxlend/gateway/middleware"
	"stxlend/gateway/routes"
	"stxlend/observability/logging"
	telemetry "stxlend/observability/otel"
	"stxlend/services/lending/server"
	"stxlend/services/lendingd/config"
)

var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "lendingd.yaml", "path to lendingd config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "lendingd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service: "lendingd",
		Env:     cfg.Environment,
		Level:   cfg.Logging.Level,
		File: logging.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		},
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "lendingd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	pool, err := loadPool(cfg.PoolConfig, logger)
	if err != nil {
		return err
	}
	db, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	clock, err := buildClock(cfg.Clock)
	if err != nil {
		return err
	}

	graph, err := buildService(ctx, cfg, pool, db, clock, logger)
	if err != nil {
		return err
	}
	defer graph.Close()
	svc, stream, prices, cache := graph.svc, graph.stream, graph.prices, graph.cache
	owner, _ := pool.OwnerAddress()
	logger.Info("pool ready",
		slog.Bool("created", graph.created),
		slog.String("owner", owner.String()),
		slog.String("pool", svc.PoolAddress().String()),
		slog.Uint64("height", svc.Height()))

	secret, err := cfg.Auth.Secret()
	if err != nil {
		return err
	}
	authenticator := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:            cfg.Auth.Enabled,
		HMACSecret:         secret,
		Issuer:             cfg.Auth.Issuer,
		Audience:           cfg.Auth.Audience,
		ClockSkew:          cfg.Auth.ClockSkew,
		DevPrincipalHeader: cfg.Auth.DevPrincipalHeader,
	}, logger)

	serverCfg := server.Config{Pool: svc, Stream: stream, Logger: logger, AdminScope: cfg.Auth.AdminScope}
	if graph.activity != nil {
		serverCfg.History = graph.activity
	}
	api, err := server.New(serverCfg)
	if err != nil {
		return err
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"lending": {RequestsPerSecond: cfg.RateLimit.RequestsPerSecond, Burst: cfg.RateLimit.Burst},
		}, logger)
	}
	handler, err := routes.New(routes.Config{
		Lending:       api,
		Authenticator: authenticator,
		RateLimiter:   limiter,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "lendingd",
			Enabled:     true,
			LogRequests: cfg.Logging.Level == "debug",
		}, logger),
		CORS: middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Ready: func(ctx context.Context) error {
			_, err := svc.CollateralPrice(ctx)
			return err
		},
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Environment, "dev") && !loopback {
			_ = listener.Close()
			return fmt.Errorf("plaintext lendingd mode is restricted to loopback listeners or the dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(handler, "lendingd"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	go func() {
		if err := prices.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle manager stopped", slog.Any("error", err))
		}
	}()
	go pruneOracleCache(ctx, cache, cfg.Oracle.Retention, logger)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", slog.String("addr", cfg.ListenAddress), slog.Bool("tls", cfg.TLS.Enabled()))
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing server stop", slog.Any("error", err))
		_ = httpServer.Close()
	}
	return nil
}
