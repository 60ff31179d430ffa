package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/handler"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/openapi"
	"github.com/keygatehq/keygate/internal/proxy"
	"github.com/keygatehq/keygate/internal/quota"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/usage"
	"github.com/keygatehq/keygate/internal/workspace"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host             string
	Port             int
	ShutdownTimeout  time.Duration
	CORSOrigins      []string
	APIKeyHeader     string
	PublicRatePerMin int
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8010,
		ShutdownTimeout:  30 * time.Second,
		CORSOrigins:      []string{"*"},
		APIKeyHeader:     "X-API-Key",
		PublicRatePerMin: 120,
	}
}

// Deps bundles the services the router dispatches to.
type Deps struct {
	Store       *config.Store
	Keys        *service.KeyStore
	AuthSvc     *service.AuthService
	Provisioner *service.Provisioner
	Entitle     *service.Entitlements
	Engine      *quota.Engine
	Forwarder   *proxy.Forwarder
	Resolver    *workspace.Resolver
	Recorder    *usage.Recorder
	Catalog     []model.PlanCatalogEntry
}

// Server is the top-level HTTP server for Keygate. It owns the Chi router,
// the configuration store, the quota engine, and the upstream forwarder.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.cfg.APIKeyHeader, "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- OpenAPI spec (no auth required) ---
	r.Get("/openapi.json", openapi.NewHandler().ServeSpec)

	// --- Live process counters (no auth required) ---
	counters := handler.NewCounters()
	r.Get("/metrics", counters.Metrics)

	gwHandler := handler.NewGatewayHandler(s.deps.Engine, s.deps.Forwarder, s.deps.Resolver, s.deps.Recorder, counters, s.deps.Catalog)
	sysHandler := handler.NewSystemHandler(s.deps.Store, s.deps.AuthSvc, s.deps.Keys, s.deps.Provisioner, s.deps.Entitle, s.deps.Recorder)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// Public endpoints, IP rate limited
		r.Group(func(r chi.Router) {
			r.Use(middleware.PublicRateLimit(s.cfg.PublicRatePerMin))
			r.Get("/plans", gwHandler.Plans)
		})

		// Credentialed gateway endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.deps.Keys, s.cfg.APIKeyHeader))

			// Inspection endpoints never consume quota
			r.Get("/quota", gwHandler.Quota)
			r.Get("/whoami", gwHandler.Whoami)

			// Streaming upstream proxy
			r.HandleFunc("/data/*", gwHandler.Proxy)
		})

		// System APIs (admin management)
		r.Route("/system", func(r chi.Router) {

			// Session endpoints are unauthenticated (login) or self-authenticated (logout)
			r.Group(func(r chi.Router) {
				r.Use(middleware.PublicRateLimit(s.cfg.PublicRatePerMin))
				r.Post("/admin/session", sysHandler.Login)
				r.Delete("/admin/session", sysHandler.Logout)
			})

			// All other system endpoints require admin authentication
			r.Group(func(r chi.Router) {
				r.Use(middleware.AuthenticateAdmin(s.deps.AuthSvc))
				r.Use(middleware.RequireAdmin())

				// Credential management
				r.Get("/key", sysHandler.ListKeys)
				r.Post("/key", sysHandler.CreateKey)
				r.Get("/key/{keyId}", sysHandler.GetKey)
				r.Delete("/key/{keyId}", sysHandler.RevokeKey)
				r.Post("/key/{keyId}/rotate", sysHandler.RotateKey)

				// Provisioning and entitlements
				r.Post("/provision", sysHandler.Provision)
				r.Get("/entitlement/{keyId}", sysHandler.Entitlement)

				// Usage reports
				r.Get("/usage", sysHandler.Usage)

				// Admin management
				r.Get("/admin", sysHandler.ListAdmins)
				r.Post("/admin", sysHandler.CreateAdmin)
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the credential store
// and the upstream are reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
	} else {
		checks["store"] = "ok"
	}

	if s.deps.Forwarder != nil {
		if err := s.deps.Forwarder.Ping(r.Context()); err != nil {
			checks["upstream"] = "error: " + err.Error()
			status = "degraded"
		} else {
			checks["upstream"] = "ok"
		}
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the data proxy streams long upstream responses.
		IdleTimeout: 120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
