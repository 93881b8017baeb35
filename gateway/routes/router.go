package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lendbook/gateway/middleware"
)

type Config struct {
	Ledger        Ledger
	Prices        PriceBook
	Bank          Bank
	Events        EventSource
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Rate limit keys applied to the route groups.
const (
	RateLimitActions = "actions"
	RateLimitQueries = "queries"
)

func New(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("routes: ledger required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	authed := func(sr chi.Router) {
		if cfg.Authenticator != nil {
			sr.Use(cfg.Authenticator.Middleware())
		}
	}
	limited := func(sr chi.Router, key string) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware(key))
		}
	}
	observed := func(sr chi.Router, group string) {
		sr.Use(observedMW(obs, group))
	}

	lr := &lendingRoutes{ledger: cfg.Ledger, logger: logger, timeout: cfg.Timeout}
	r.Route("/v1", func(v1 chi.Router) {
		if cfg.Events != nil {
			v1.With(observedMW(obs, "events")).Get("/events", eventsHandler(cfg.Events))
		}
		v1.Route("/actions", func(sr chi.Router) {
			observed(sr, "actions")
			authed(sr)
			limited(sr, RateLimitActions)
			lr.mountActions(sr)
		})
		v1.Group(func(sr chi.Router) {
			observed(sr, "queries")
			limited(sr, RateLimitQueries)
			lr.mountQueries(sr)
		})
		if cfg.Prices != nil {
			or := &oracleRoutes{prices: cfg.Prices, logger: logger}
			v1.Route("/oracle", func(sr chi.Router) {
				observed(sr, "oracle")
				sr.Get("/prices/{token}", or.getPrice)
				sr.Group(func(g chi.Router) {
					authed(g)
					limited(g, RateLimitActions)
					g.Put("/prices/{token}", or.setPrice)
				})
			})
		}
		if cfg.Bank != nil {
			br := &bankRoutes{bank: cfg.Bank, logger: logger}
			v1.Route("/bank", func(sr chi.Router) {
				observed(sr, "bank")
				sr.Get("/balances/{address}", br.balances)
				sr.Get("/allowances/{address}/{token}", br.allowance)
				sr.Group(func(g chi.Router) {
					authed(g)
					limited(g, RateLimitActions)
					g.Post("/allowances", br.approve)
				})
			})
		}
	})

	return r, nil
}

func observedMW(obs *middleware.Observability, group string) func(http.Handler) http.Handler {
	if obs == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return obs.Middleware(group)
}
