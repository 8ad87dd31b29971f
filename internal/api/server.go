package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetroute/internal/auth"
	"fleetroute/internal/jobs"
	"fleetroute/internal/metrics"
	"fleetroute/internal/routing"
	"fleetroute/internal/store"
)

type Server struct {
	Store  store.Store
	Runner *jobs.Runner
	Broker EventBroker
	Logger *slog.Logger

	// Auth guards the /v1 routes when enabled.
	Auth *auth.Verifier

	// Lookup overrides the external router used by baseline requests.
	Lookup routing.Lookup
}

func NewServer(st store.Store, runner *jobs.Runner, broker EventBroker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if broker == nil {
		broker = NewBroker()
	}
	return &Server{Store: st, Runner: runner, Broker: broker, Logger: logger.With("component", "api")}
}

// Routes returns the service handler with request logging and metrics applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Optimization jobs
	mux.HandleFunc("POST /v1/optimize", s.requireAuth(s.OptimizeHandler))
	mux.HandleFunc("GET /v1/jobs", s.requireAuth(s.ListJobsHandler))
	mux.HandleFunc("GET /v1/jobs/{id}", s.requireAuth(s.GetJobHandler))
	mux.HandleFunc("GET /v1/jobs/{id}/solution", s.requireAuth(s.JobSolutionHandler))
	mux.HandleFunc("POST /v1/jobs/{id}/stop", s.requireAuth(s.StopJobHandler))
	mux.HandleFunc("GET /v1/jobs/{id}/ws", s.requireAuth(s.JobStreamHandler))

	mux.HandleFunc("POST /v1/baseline", s.requireAuth(s.BaselineHandler))
	mux.HandleFunc("GET /v1/optimizer/config", s.requireAuth(s.OptimizerConfigHandler))

	// Health
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return s.logMiddleware(mux)
}
