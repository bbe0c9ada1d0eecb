package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
)

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

type apiEnv struct {
	checks map[string]HealthCheck
	deploy *DeployHandlers
	logger *slog.Logger
}

// HealthResponse is returned by GET /api/health
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewRouter builds the admin API: health, Prometheus metrics and the HTTP
// bridge to the request dispatcher
func NewRouter(dispatcher Dispatcher, checks map[string]HealthCheck, metricsHandler http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	env := &apiEnv{
		checks: checks,
		deploy: NewDeployHandlers(dispatcher, logger),
		logger: logger,
	}

	r := mux.NewRouter()
	r.Use(env.logRequests)

	r.HandleFunc("/api/health", env.healthHandler).Methods(http.MethodGet)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	// Deployment bridge
	r.HandleFunc("/api/deploy/{resource:.*}", env.deploy.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/deploy/{resource:.*}", env.deploy.Exec).Methods(http.MethodPost)
	r.HandleFunc("/api/deploy/{resource:.*}", env.deploy.Delete).Methods(http.MethodDelete)

	return r
}

// healthHandler handles GET /api/health
func (e *apiEnv) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(e.checks))}
	names := make([]string, 0, len(e.checks))
	for name := range e.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.checks[name](ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (e *apiEnv) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		e.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
