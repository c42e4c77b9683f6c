// Package rest wires the HTTP surface: the dashboard read API, the admin
// cache controls and the observability endpoints.
package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sprintboard-backend/interfaces/http/rest/handlers"
	"sprintboard-backend/internal/middleware"
	"sprintboard-backend/internal/service/datacache"
	"sprintboard-backend/pkg/observability"
)

// Router creates and configures the HTTP router
type Router struct {
	service        *datacache.Service
	metrics        *observability.Collector
	logger         *zap.Logger
	requestTimeout time.Duration
}

// NewRouter creates a new router instance
func NewRouter(service *datacache.Service, metrics *observability.Collector, requestTimeout time.Duration, logger *zap.Logger) *Router {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Router{
		service:        service,
		metrics:        metrics,
		logger:         logger,
		requestTimeout: requestTimeout,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(middleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.Recovery(rt.logger))
	router.Use(middleware.Logger(rt.logger))
	router.Use(middleware.Metrics(rt.metrics))
	router.Use(middleware.Timeout(rt.requestTimeout, rt.logger))

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://*.sprintboard.app"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health and observability
	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	router.Handle("/metrics", promhttp.HandlerFor(rt.metrics.GetRegistry(), promhttp.HandlerOpts{}))

	// API v1 routes
	router.Route("/api/v1", func(r chi.Router) {
		// The dashboard read path gets an extra shield: if handlers keep
		// failing the whole surface fails fast instead of stacking up.
		r.Use(middleware.CircuitBreaker(middleware.DefaultCircuitBreakerConfig("dashboard-api"), rt.logger))

		dashboard := handlers.NewDashboardHandler(rt.service, rt.logger)
		r.Route("/teams/{teamID}", func(r chi.Router) {
			r.Get("/roster", dashboard.GetTeamRoster)
			r.Get("/schedule", dashboard.GetTeamSchedule)
		})
		r.Get("/members/{memberID}/schedule", dashboard.GetMemberSchedule)
		r.Get("/sprints/{sprintID}/board", dashboard.GetSprintBoard)
		r.Get("/summary", dashboard.GetSummary)

		admin := handlers.NewAdminHandler(rt.service, rt.logger)
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", admin.GetCacheStats)
			r.Post("/invalidate", admin.InvalidateEntity)
			r.Post("/flush", admin.FlushCache)
		})
		r.Route("/invalidation", func(r chi.Router) {
			r.Get("/metrics", admin.GetInvalidationMetrics)
			r.Post("/events", admin.EmitEvent)
		})
		r.Route("/breaker", func(r chi.Router) {
			r.Get("/", admin.GetBreakerState)
			r.Post("/reset", admin.ResetBreaker)
		})
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", admin.GetSubscriptions)
			r.Get("/{key}", admin.GetSubscription)
			r.Post("/reconnect", admin.ReconnectFeeds)
		})
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck reports not-ready while the remote breaker is open, so load
// balancers route around an instance that cannot reach the store.
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if rt.service.BreakerSnapshot().State == "OPEN" {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded","reason":"remote store unreachable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
