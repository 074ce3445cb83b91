// Package httptransport assembles the public router: shared middleware, the
// counterparty-facing API behind the bearer token, and the admin API behind
// the admin token.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reliance/internal/liveness"
	"reliance/internal/platform/metrics"
	adminmw "reliance/pkg/platform/middleware/admin"
	authmw "reliance/pkg/platform/middleware/auth"
	"reliance/pkg/platform/middleware/metadata"
	"reliance/pkg/platform/middleware/requesttime"
	"reliance/pkg/platform/httputil"
)

// RouteRegistrar is implemented by every handler package.
type RouteRegistrar interface {
	Register(r chi.Router)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type TrustGate interface {
	CurrentState() liveness.State
}

type Config struct {
	APIAuthToken  string
	AdminAPIToken string

	// Public routes require the bearer token; Admin routes the admin token.
	Public []RouteRegistrar
	Admin  []RouteRegistrar

	// RateLimit throttles the public routes; nil admits everything.
	RateLimit func(http.Handler) http.Handler

	Trust      TrustGate
	Readiness  map[string]ReadinessCheck
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
}

func NewRouter(cfg Config, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(metadata.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(metrics.New(cfg.Registerer).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(cfg))

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireBearerToken(cfg.APIAuthToken, logger))
		if cfg.RateLimit != nil {
			r.Use(cfg.RateLimit)
		}
		for _, h := range cfg.Public {
			h.Register(r)
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(adminmw.RequireAdminToken(cfg.AdminAPIToken, logger))
		for _, h := range cfg.Admin {
			h.Register(r)
		}
	})
	return r
}

type readinessResponse struct {
	Status     string            `json:"status"`
	TrustState liveness.State    `json:"trust_state,omitempty"`
	Checks     map[string]string `json:"checks"`
}

// readiness reports 503 when any dependency check fails. A SUSPENDED trust
// state is reported but does not fail readiness: the admin API must stay
// reachable to reset it.
func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := readinessResponse{Status: "ready", Checks: make(map[string]string, len(cfg.Readiness))}
		if cfg.Trust != nil {
			resp.TrustState = cfg.Trust.CurrentState()
		}
		status := http.StatusOK
		for name, check := range cfg.Readiness {
			if err := check(r.Context()); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
