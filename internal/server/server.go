package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/eduassist/eduassist/internal/audit"
	"github.com/eduassist/eduassist/internal/auth"
	"github.com/eduassist/eduassist/internal/authz"
	"github.com/eduassist/eduassist/internal/model"
	"github.com/eduassist/eduassist/internal/ratelimit"
	"github.com/eduassist/eduassist/internal/telemetry"
)

// Server is the EduAssist HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter and Metrics are optional.
type ServerConfig struct {
	// Required dependencies.
	Store    Store
	Gorm     *gorm.DB
	JWTMgr   *auth.JWTManager
	Resolver *authz.Resolver
	Recorder *audit.Recorder
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter ratelimit.Limiter
	Metrics *telemetry.HTTPMetrics

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// AuditAPIPrefixes selects the request paths recorded as api_request
	// entries.
	AuditAPIPrefixes []string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Gorm:                cfg.Gorm,
		JWTMgr:              cfg.JWTMgr,
		Resolver:            cfg.Resolver,
		Recorder:            cfg.Recorder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, cfg.Logger,
		func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many login attempts")
		})

	mux := http.NewServeMux()

	// Auth endpoints (no token required, login rate limited by IP).
	mux.Handle("POST /auth/login", authRL(http.HandlerFunc(h.HandleLogin)))
	mux.Handle("POST /auth/logout", requireAuthenticated(http.HandlerFunc(h.HandleLogout)))

	// Domain resources. Every handler scopes or checks access per entity.
	for _, def := range defaultResources() {
		res := h.resources[def.path]
		base := "/api/" + def.path
		mux.Handle("GET "+base, requireAuthenticated(res.list))
		mux.Handle("POST "+base, requireAuthenticated(res.create))
		mux.Handle("GET "+base+"/{id}", requireAuthenticated(res.get))
		mux.Handle("PATCH "+base+"/{id}", requireAuthenticated(res.update))
		mux.Handle("DELETE "+base+"/{id}", requireAuthenticated(res.remove))
	}

	// Account management.
	mux.Handle("POST /api/users/{id}/password", requireAuthenticated(http.HandlerFunc(h.HandleChangePassword)))
	mux.Handle("POST /api/users/{id}/approve", requireOperator(http.HandlerFunc(h.HandleApproveUser)))

	// Audit trail (operators only).
	mux.Handle("GET /api/audit", requireOperator(http.HandlerFunc(h.HandleListAudit)))

	// Health (no auth, no rate limit, not audited).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery →
	// actor boundary → auth → handler.
	var handler http.Handler = capturePattern(mux)
	handler = authMiddleware(cfg.JWTMgr, cfg.Store, cfg.Logger, handler)
	handler = actorBoundary(cfg.Recorder, cfg.AuditAPIPrefixes, handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, cfg.Metrics, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
