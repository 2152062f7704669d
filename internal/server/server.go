// Package server provides the thin administrative HTTP surface over the
// cache subsystem: statistics, sweeps, invalidation, force-refresh markers,
// and market-session status. The cache core itself has no wire format; every
// endpoint here is a wrapper over the library calls.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/quantbox/marketcache/internal/admin"
	"github.com/quantbox/marketcache/internal/backup"
	"github.com/quantbox/marketcache/internal/database"
	"github.com/quantbox/marketcache/internal/marketclock"
	"github.com/quantbox/marketcache/internal/policy"
	"github.com/quantbox/marketcache/internal/refresh"
	"github.com/quantbox/marketcache/internal/store"
)

// Config holds server configuration
type Config struct {
	Port       int
	Log        zerolog.Logger
	DevMode    bool
	CacheDB    *database.DB
	Clock      *marketclock.Clock
	Policy     *policy.Table
	Store      *store.Store
	Admin      *admin.Admin
	Refresh    *refresh.Controller
	Backup     *backup.Service // may be nil when backups are disabled
}

// Server represents the HTTP server
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	cacheDB     *database.DB
	clock       *marketclock.Clock
	policy      *policy.Table
	store       *store.Store
	admin       *admin.Admin
	refresh     *refresh.Controller
	backup      *backup.Service
	startupTime time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		cacheDB:     cfg.CacheDB,
		clock:       cfg.Clock,
		policy:      cfg.Policy,
		store:       cfg.Store,
		admin:       cfg.Admin,
		refresh:     cfg.Refresh,
		backup:      cfg.Backup,
		startupTime: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS (permissive in dev mode for local dashboards)
	if devMode {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
}

// setupRoutes registers all API routes
func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system/health", s.handleSystemHealth)

		r.Route("/market", func(r chi.Router) {
			r.Get("/status", s.handleMarketStatus)
			r.Get("/holidays", s.handleHolidays)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Get("/entry", s.handleGetEntry)
			r.Post("/entry", s.handlePutEntry)
			r.Post("/cleanup", s.handleCleanup)
			r.Post("/purge", s.handlePurge)
			r.Post("/invalidate", s.handleInvalidate)
			r.Post("/refresh", s.handleForceRefresh)
			r.Post("/backup", s.handleBackup)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the router, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs each request with its outcome
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
