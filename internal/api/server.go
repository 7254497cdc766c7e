// Package api exposes agent registration, telemetry ingest and alert
// triage over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/agent"
	"github.com/lvonguyen/sentinelforge/internal/alert"
	"github.com/lvonguyen/sentinelforge/internal/api/gateway"
	"github.com/lvonguyen/sentinelforge/internal/observability"
	"github.com/lvonguyen/sentinelforge/internal/telemetry"
	"github.com/lvonguyen/sentinelforge/internal/telemetry/ingestion"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the components the handlers serve.
type Deps struct {
	Registry  *agent.Registry
	Validator *agent.Validator
	Pipeline  *ingestion.Pipeline
	Samples   telemetry.SampleStore
	Alerts    alert.Store

	// Optional.
	Limiter        *gateway.RateLimiter
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Checks         map[string]ReadinessCheck
}

// Config holds HTTP handler settings.
type Config struct {
	Version        string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	deps   Deps
	config Config
	logger *zap.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{deps: deps, config: cfg, logger: logger}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Get("/", s.handleListAgents)
			r.Get("/stats", s.handleAgentStats)
			r.Get("/stale", s.handleStaleAgents)
			r.Get("/status/{status}", s.handleAgentsByStatus)
			r.Get("/{id}", s.handleGetAgent)
			r.Post("/{id}/revoke", s.handleRevokeAgent)
			r.Post("/{id}/deactivate", s.handleDeactivateAgent)
		})

		r.Route("/telemetry", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if s.deps.Limiter != nil {
					r.Use(s.deps.Limiter.Middleware(gateway.ClientIP))
				}
				r.Post("/", s.handleIngest)
			})
			r.Get("/samples/{id}", s.handleGetSample)
			r.Get("/{agentId}", s.handleSampleHistory)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Get("/stats", s.handleAlertStats)
			r.Get("/{id}", s.handleGetAlert)
			r.Put("/{id}/status", s.handleUpdateAlertStatus)
		})
	})

	return r
}

// instrument records request metrics and a debug access log.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		if s.deps.Metrics != nil {
			s.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
			s.deps.Metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())
		}
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.config.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := make(map[string]string)
	for name, check := range s.deps.Checks {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("Readiness check failed", zap.Any("components", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"failed": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
