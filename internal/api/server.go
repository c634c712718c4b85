// ABOUTME: HTTP server struct, constructor, and handler wiring for the jobs API.
// ABOUTME: Holds the store, queue configs, and metrics used by the route handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
	"github.com/hushryd-glitch/hushryd-jobs/internal/metrics"
	"github.com/hushryd-glitch/hushryd-jobs/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store   *store.Store
	queues  map[string]job.QueueConfig
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewServer creates a Server. queues defines which queue names accept
// submissions and the retry policy reported back to callers.
func NewServer(s *store.Store, queues []job.QueueConfig, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	byName := make(map[string]job.QueueConfig, len(queues))
	for _, q := range queues {
		byName[q.Name] = q
	}
	return &Server{store: s, queues: byName, metrics: m, log: log}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit — job payloads are small documents.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(srv.store.Pool()))
	r.Handle("/metrics", promhttp.Handler())

	apiRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("HushRyd Jobs API", "0.1.0")
	humaConfig.Info.Description = "Background job submission and queue operations for the HushRyd marketplace"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv)
	registerQueueRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)

	return r
}

// queueConfig returns the config for a known queue name.
func (srv *Server) queueConfig(name string) (job.QueueConfig, bool) {
	cfg, ok := srv.queues[name]
	return cfg, ok
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
