// Package api provides the HTTP API server for the control plane.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/keelhost/control-plane/internal/api/handlers"
	"github.com/keelhost/control-plane/internal/api/health"
	"github.com/keelhost/control-plane/internal/api/middleware"
	"github.com/keelhost/control-plane/internal/auth"
	"github.com/keelhost/control-plane/internal/events"
	"github.com/keelhost/control-plane/internal/metrics"
	"github.com/keelhost/control-plane/internal/store"
	"github.com/keelhost/control-plane/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Deps are the services the HTTP layer dispatches to.
type Deps struct {
	Store        store.Store
	Auth         *auth.Service
	Lifecycle    handlers.Lifecycle
	Reconciler   handlers.StatusReconciler
	Environments handlers.EnvironmentManager
	Domains      handlers.DomainManager
	Webhooks     handlers.WebhookDispatcher
	Credentials  handlers.TokenCredentials
	Redeploys    handlers.RedeployLookup
	Broker       *events.Broker
	Metrics      *metrics.Metrics
	Health       *health.Checker
}

// Server represents the HTTP API server.
type Server struct {
	Deps
	router     chi.Router
	httpServer *http.Server
	config     *config.Config
	logger     *slog.Logger
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker(Version)
	}

	s := &Server{
		Deps:   deps,
		config: cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.Metrics(s.Metrics))

	// Unauthenticated endpoints
	r.Get("/health", s.Health.Handler())
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	services := s.Store.Services()
	webhookHandler := handlers.NewWebhookHandler(services, s.Webhooks, s.logger)
	r.With(chimiddleware.Timeout(30*time.Second)).Post("/webhook/{deployKey}", webhookHandler.Deliver)

	serviceHandler := handlers.NewServiceHandler(services, s.Store.Tokens(), s.Lifecycle, s.Reconciler, s.logger)
	envHandler := handlers.NewEnvironmentHandler(services, s.Environments, s.logger)
	domainHandler := handlers.NewDomainHandler(services, s.Domains, s.logger)
	tokenHandler := handlers.NewTokenHandler(s.Store.Tokens(), s.Credentials, s.logger)
	redeployHandler := handlers.NewRedeployHandler(services, s.Redeploys, s.logger)
	eventHandler := handlers.NewEventHandler(services, s.Broker, s.logger)

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		authMiddleware := middleware.NewAuthMiddleware(s.Auth, s.logger)
		r.Use(authMiddleware.Authenticate)

		// The event stream is long-lived and must not inherit the request timeout.
		r.Get("/services/{serviceID}/events/ws", eventHandler.Stream)

		r.Group(func(r chi.Router) {
			// Start and reload run fetch and build synchronously.
			r.Use(chimiddleware.Timeout(s.config.Deploy.RequestTimeout()))

			r.Route("/services", func(r chi.Router) {
				r.Post("/", serviceHandler.Create)
				r.Get("/", serviceHandler.List)
				r.Route("/{serviceID}", func(r chi.Router) {
					r.Get("/", serviceHandler.Get)
					r.Patch("/", serviceHandler.Update)
					r.Delete("/", serviceHandler.Delete)
					r.Post("/start", serviceHandler.Start)
					r.Post("/stop", serviceHandler.Stop)
					r.Post("/restart", serviceHandler.Restart)
					r.Post("/reload", serviceHandler.Reload)

					r.Post("/webhook", webhookHandler.Enable)
					r.Delete("/webhook", webhookHandler.Disable)

					r.Route("/environments", func(r chi.Router) {
						r.Get("/", envHandler.List)
						r.Post("/", envHandler.Create)
						r.Put("/{name}", envHandler.Update)
						r.Delete("/{name}", envHandler.Delete)
						r.Post("/{name}/activate", envHandler.Activate)
					})

					r.Post("/domains", domainHandler.Create)
					r.Get("/domains", domainHandler.List)
				})
			})

			r.Route("/domains/{domainID}", func(r chi.Router) {
				r.Get("/", domainHandler.Get)
				r.Post("/verify", domainHandler.Verify)
				r.Post("/activate", domainHandler.Activate)
				r.Delete("/", domainHandler.Delete)
			})

			r.Route("/tokens", func(r chi.Router) {
				r.Post("/", tokenHandler.Create)
				r.Get("/", tokenHandler.List)
				r.Route("/{tokenID}", func(r chi.Router) {
					r.Delete("/", tokenHandler.Delete)
					r.Get("/repos", tokenHandler.Repositories)
					r.Get("/branches", tokenHandler.Branches)
				})
			})

			r.Get("/redeploys/{jobID}", redeployHandler.Get)
		})
	})

	s.router = r
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
