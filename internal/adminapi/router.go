// Package adminapi is the thin HTTP surface the dashboard (and any
// programmatic caller) uses to observe and control the fleet: overview,
// manual health checks, forced status transitions, run list, and timeline
// queries (spec §6).
package adminapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/fleet-dispatch/internal/eventlog"
	"github.com/fairyhunter13/fleet-dispatch/internal/manager"
)

// Server bundles the dependencies the admin handlers need.
type Server struct {
	Manager *manager.Manager
	Log     *eventlog.Log
	Auth    AdminCredentials
	Logger  *slog.Logger
}

// BuildRouter assembles the chi router with the full middleware chain,
// mirroring the teacher's Recoverer/RequestID/Timeout/AccessLog/CORS
// pipeline, plus rate-limited, auth-guarded mutating admin endpoints.
func BuildRouter(s *Server) http.Handler {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(SecurityHeaders)
	r.Use(AccessLog(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/admin/prometheus", promhttp.Handler().ServeHTTP)
	r.Post("/admin/token", s.handleIssueToken)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(20, time.Minute))
		r.Get("/admin/overview", s.Auth.wrap(s.handleOverview))
		r.Post("/admin/clients/{name}/check", s.Auth.wrap(s.handleManualCheck))
		r.Post("/admin/clients/{name}/status", s.Auth.wrap(s.handleSetStatus))
		r.Get("/admin/runs", s.Auth.wrap(s.handleRuns))
		r.Get("/admin/timeline", s.Auth.wrap(s.handleTimeline))
	})

	return r
}

// wrap is a small helper so handlers can be written as plain
// http.HandlerFunc and still pass through the credential guard.
func (a AdminCredentials) wrap(h http.HandlerFunc) http.Handler {
	return a.Guard(h)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
