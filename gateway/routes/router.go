package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"stxlend/gateway/middleware"
	"stxlend/services/lending/server"
)

const LendingPrefix = "/v1/lending"

type Config struct {
	Lending       *server.Server
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	// Ready reports whether dependencies are usable; nil means always ready.
	Ready func(context.Context) error
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Lending == nil {
		return nil, errors.New("routes: lending server required")
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Ready(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route(LendingPrefix, func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware("lending"))
		}
		if obs != nil {
			sr.Use(obs.Middleware("lending"))
		}
		var guard server.Guard
		if cfg.Authenticator != nil {
			guard = cfg.Authenticator.Middleware
		}
		cfg.Lending.Mount(sr, guard)
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}
	return r, nil
}
