package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic-ops/patientflow/internal/shared/auth"
	"github.com/clinic-ops/patientflow/internal/shared/config"
	"github.com/clinic-ops/patientflow/internal/shared/logging"
	"github.com/clinic-ops/patientflow/internal/shared/metrics"
	secmiddleware "github.com/clinic-ops/patientflow/internal/shared/middleware"
)

// ReadyCheck is one dependency checked by /ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewRouter builds the full HTTP surface: global middleware, health
// endpoints, metrics and the authenticated /api/v1 tree.
func NewRouter(cfg *config.Config, h *Handler, logger zerolog.Logger, checks ...ReadyCheck) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))
	if cfg.RateLimit.RPS > 0 {
		r.Use(secmiddleware.NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst).Middleware)
	}

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(h, checks))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(secmiddleware.InputSanitizer)
		r.Use(auth.Middleware(cfg.Auth))
		r.Mount("/", h.Routes())
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// readyHandler reports ready once a snapshot exists and every check passes.
func readyHandler(h *Handler, checks []ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := map[string]string{}
		allReady := true

		st := h.poller.Status()
		switch {
		case st.Generation == 0:
			statuses["poller"] = "not ready: no snapshot yet"
			allReady = false
		case st.LastError != "":
			statuses["poller"] = "degraded: " + st.LastError
		default:
			statuses["poller"] = "ready"
		}

		for _, c := range checks {
			if err := c.Check(r.Context()); err != nil {
				statuses[c.Name] = "not ready: " + err.Error()
				allReady = false
				continue
			}
			statuses[c.Name] = "ready"
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": statuses,
		})
	}
}
