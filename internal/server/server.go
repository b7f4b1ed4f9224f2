// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the wiring layer. It decides:
//   - which URL patterns map to which handler functions
//   - what middleware runs on which route group
//   - how the server and the background scheduler start and stop
//
// DEPENDENCY INJECTION FLOW:
// main.go loads config.Config and a logger, then Server.New creates:
//
//	auth.TokenSealer → sqlite.DB (tokens sealed at rest)
//	sqlite.DB → ResolverService → PreferenceService → IdentityService
//	sqlite.DB → ReconcileService → jobs.Scheduler
//	config admin owners → authz.Enforcer
//
// This is the "composition root" pattern: all dependencies are wired in one
// place (New/setupRoutes), rather than scattered across the codebase.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/nowplaying/internal/auth"
	"github.com/sakif/nowplaying/internal/authz"
	"github.com/sakif/nowplaying/internal/config"
	"github.com/sakif/nowplaying/internal/handler"
	"github.com/sakif/nowplaying/internal/jobs"
	"github.com/sakif/nowplaying/internal/middleware"
	sqliteRepo "github.com/sakif/nowplaying/internal/repository/sqlite"
	"github.com/sakif/nowplaying/internal/service"
)

// Provider is an OAuth provider that can also refresh its tokens.
// *auth.SpotifyProvider is the production implementation.
type Provider interface {
	handler.OAuthProvider
	service.TokenRefresher
}

// Option customises New. Tests use it to swap out the real Spotify endpoints.
type Option func(*Server)

// WithProvider replaces the Spotify provider built from config.
func WithProvider(p Provider) Option {
	return func(s *Server) { s.provider = p }
}

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection and the scheduler. Start stops the
// scheduler and closes the database during graceful shutdown; code that never
// calls Start (tests) calls Close instead.
type Server struct {
	router    *chi.Mux
	config    *config.Config
	logger    *slog.Logger
	db        *sqliteRepo.DB
	provider  Provider
	tokens    *auth.TokenService
	scheduler *jobs.Scheduler
}

// New creates a new Server from cfg.
//
// WIRING ORDER:
//  1. Token sealer and session tokens (only when auth is enabled)
//  2. Database, with the sealer applied to stored OAuth tokens
//  3. Services: resolver → preferences → identities, and reconciliation
//  4. Authorization enforcer and the background scheduler
//  5. Routes
//
// Each layer only receives what it needs: services get repository
// interfaces, handlers get services.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	var dbOpts []sqliteRepo.Option
	if cfg.AuthEnabled() {
		sealer, err := auth.NewTokenSealer(cfg.Auth.TokenKey)
		if err != nil {
			return nil, fmt.Errorf("creating token sealer: %w", err)
		}
		dbOpts = append(dbOpts, sqliteRepo.WithTokenSealer(sealer))

		if s.tokens, err = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL); err != nil {
			return nil, fmt.Errorf("creating token service: %w", err)
		}
		if s.provider == nil {
			s.provider = auth.NewSpotifyProvider(cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, cfg.Spotify.CallbackURL)
		}
	} else {
		logger.Warn("auth.jwt_secret or spotify.client_id not set, login and account routes are disabled")
	}

	// === CREATE DATABASE ===
	db, err := sqliteRepo.New(cfg.Database.Path, dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.setupRoutes(); err != nil {
		db.Close() // Clean up DB if route setup fails
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz                              → liveness, pings the database
//	GET    /metrics                              → Prometheus scrape endpoint
//	GET    /auth/spotify/login                   → start OAuth
//	GET    /auth/spotify/callback                → finish OAuth, set session cookie
//	POST   /auth/logout                          → clear session cookie
//	GET    /api/public/{identifier}              → public display page (CORS, rate limited)
//	GET    /api/overlay/{identifier}             → stream overlay settings (CORS, rate limited)
//	GET    /api/me                               → signed-in profile             [auth]
//	DELETE /api/me                               → delete identity               [auth]
//	GET    /api/preferences                      → own preferences               [auth]
//	PATCH  /api/preferences                      → partial update                [auth]
//	POST   /api/preferences/reset                → back to defaults              [auth]
//	POST   /api/preferences/slug                 → assign a random slug          [auth]
//	GET    /api/preferences/slug/{candidate}     → slug availability             [auth]
//	*      /api/admin/...                        → reconciliation and migrations [auth + admin]
//
// MIDDLEWARE ORDER MATTERS:
// RequestID and RealIP come first so the logger and rate limiter see them.
// Recoverer sits inside Logger so a panic is still logged as a 500.
func (s *Server) setupRoutes() error {
	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID) // Request id in context, read by the logger
	s.router.Use(chimiddleware.RealIP)    // Extracts real IP from X-Forwarded-For
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics)
	s.router.Use(chimiddleware.Recoverer) // Recovers from panics, returns 500

	// === Services ===
	// DEPENDENCY CHAIN:
	//   s.db (sqlite.DB) → implements repository.Store and repository.ViewRepository
	//   services receive the interfaces, handlers receive the services
	resolver := service.NewResolverService(s.db, s.logger)
	prefs := service.NewPreferenceService(s.db, resolver, s.logger)
	reconcile := service.NewReconcileService(s.db, s.logger)

	scheduler, err := jobs.NewScheduler(reconcile, s.config.Reconcile.Schedule, s.logger)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	s.scheduler = scheduler

	// === Operational Routes ===
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	// === Public Routes ===
	// Embedded in other sites and OBS browser sources, so CORS is open to the
	// configured origins and each client IP is rate limited.
	publicHandler := handler.NewPublicHandler(resolver, s.db, s.logger)
	s.router.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		if limit := s.config.Server.PublicRateLimit; limit > 0 {
			r.Use(httprate.LimitByIP(limit, time.Minute))
		}
		if s.tokens != nil {
			r.Use(auth.OptionalAuth(s.tokens))
			r.Use(middleware.OwnerRecorder)
		}
		r.Get("/api/public/{identifier}", publicHandler.HandlePublicPage)
		r.Get("/api/overlay/{identifier}", publicHandler.HandleOverlay)
	})

	if s.tokens == nil {
		return nil
	}

	// === Auth Routes ===
	identities := service.NewIdentityService(s.db, s.db, prefs, s.tokens, s.provider, s.logger)
	authHandler := handler.NewAuthHandler(
		s.provider,
		identities,
		int(s.config.Auth.SessionTTL.Seconds()),
		s.config.Auth.SecureCookie,
		s.logger,
	)
	s.router.Get("/auth/spotify/login", authHandler.HandleSpotifyLogin)
	s.router.Get("/auth/spotify/callback", authHandler.HandleSpotifyCallback)
	s.router.Post("/auth/logout", authHandler.HandleLogout)

	// === Authenticated API ===
	enforcer, err := authz.NewEnforcer(s.config.AdminOwnerIDs(), s.logger)
	if err != nil {
		return fmt.Errorf("creating enforcer: %w", err)
	}
	prefHandler := handler.NewPreferenceHandler(prefs, resolver, s.logger)
	adminHandler := handler.NewAdminHandler(reconcile, prefs, scheduler, s.logger)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(s.tokens))
		r.Use(middleware.OwnerRecorder)

		r.Get("/api/me", authHandler.HandleMe)
		r.Delete("/api/me", authHandler.HandleDeleteMe)

		r.Route("/api/preferences", func(r chi.Router) {
			r.Get("/", prefHandler.HandleGet)
			r.Patch("/", prefHandler.HandleUpdate)
			r.Post("/reset", prefHandler.HandleReset)
			r.Post("/slug", prefHandler.HandleGenerateSlug)
			r.Get("/slug/{candidate}", prefHandler.HandleSlugAvailability)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(enforcer.Authorize)
			r.Get("/duplicates", adminHandler.HandleListDuplicates)
			r.Post("/duplicates/resolve", adminHandler.HandleResolveDuplicates)
			r.Get("/orphans", adminHandler.HandleListOrphans)
			r.Post("/orphans/repair", adminHandler.HandleRepairLinks)
			r.Post("/orphans/purge", adminHandler.HandlePurgeOrphans)
			r.Post("/external-ids/sync", adminHandler.HandleSyncExternalIDs)
			r.Post("/reconcile", adminHandler.HandleRunReconcile)
			r.Get("/owners/{ownerID}/check", adminHandler.HandleCheckOwner)
			r.Post("/migrations", adminHandler.HandleMigrateField)
		})
	})

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.Ping(); err != nil {
		s.logger.Error("health check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}

// Handler returns the router. Tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database. Start does this itself on shutdown.
func (s *Server) Close() error {
	return s.db.Close()
}

// Start starts the HTTP server and the reconciliation scheduler, and handles
// graceful shutdown.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections
//  2. Wait for in-flight requests to finish (server.shutdown_timeout)
//  3. Stop the scheduler, letting a running pass finish within the same budget
//  4. Close the database connection (flushes WAL, releases file lock)
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.String("addr", srv.Addr),
			slog.String("database", s.config.Database.Path),
			slog.Bool("auth", s.tokens != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()
	s.scheduler.Start()

	select {
	case err := <-serverErrors:
		s.scheduler.Stop(context.Background())
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.scheduler.Stop(ctx)
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
