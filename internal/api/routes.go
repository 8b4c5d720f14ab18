// Package api provides the HTTP API for the backup service.
package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/odontoclinic/clinicbackup/internal/api/handlers"
	"github.com/odontoclinic/clinicbackup/internal/api/middleware"
	"github.com/odontoclinic/clinicbackup/internal/backup/destinations"
	"github.com/odontoclinic/clinicbackup/internal/dbconn"
)

// Config holds configuration for the API router.
type Config struct {
	// JWTSecret verifies session tokens issued by the clinic API.
	JWTSecret string
	// PrivilegedRoles may export archives, change settings and test destinations.
	PrivilegedRoles []string
	// RateLimitRequests is the number of requests allowed per period.
	RateLimitRequests int64
	// RateLimitPeriod is the rate limiting window.
	RateLimitPeriod time.Duration
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
	// Dialect selects the dump tool the health check requires.
	Dialect dbconn.Dialect
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		PrivilegedRoles:   []string{"admin"},
		RateLimitRequests: 60,
		RateLimitPeriod:   time.Minute,
		MaxBodyBytes:      middleware.DefaultMaxBodyBytes,
		Dialect:           dbconn.DialectPostgres,
	}
}

// Dependencies are the components the routes serve. Scheduler, Gate,
// Database and Shutdown are optional; Events is required for /backup/events.
type Dependencies struct {
	Runner    handlers.BackupRunner
	Settings  handlers.SettingsStore
	Scheduler handlers.ScheduleReloader
	Registry  *destinations.Registry
	Gate      handlers.JobGate
	Events    handlers.EventStream
	Database  handlers.DatabaseHealthChecker
	Tools     handlers.ToolChecker
	Shutdown  handlers.ShutdownStatus
	Gatherer  prometheus.Gatherer
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	if deps.Runner == nil || deps.Settings == nil || deps.Registry == nil || deps.Tools == nil {
		return nil, errors.New("router requires a runner, settings store, destination registry and tool checker")
	}

	verifier, err := middleware.NewTokenVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.BodyLimitMiddleware(cfg.MaxBodyBytes))

	// Rate limiting
	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod)
	if err != nil {
		return nil, err
	}
	r.Engine.Use(rateLimiter)

	// Health check endpoints (no auth required)
	healthHandler := handlers.NewHealthHandler(deps.Database, deps.Tools, cfg.Dialect, deps.Shutdown, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	// Prometheus metrics endpoint (no auth required)
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metricsHandler := handlers.NewMetricsHandler(gatherer, logger)
	metricsHandler.RegisterPublicRoutes(r.Engine)

	backupHandler := handlers.NewBackupHandler(deps.Runner, deps.Settings, deps.Scheduler, deps.Registry, deps.Gate, logger)

	public := r.Engine.Group("/backup")
	backupHandler.RegisterPublicRoutes(public)

	// Backup routes (auth required)
	authed := r.Engine.Group("/backup")
	authed.Use(middleware.AuthMiddleware(verifier, logger))
	backupHandler.RegisterRoutes(authed, middleware.RequireRole(cfg.PrivilegedRoles, logger))

	if deps.Events != nil {
		eventsHandler := handlers.NewEventsHandler(deps.Events, logger)
		eventsHandler.RegisterRoutes(authed)
	}

	r.logger.Info().
		Strs("privileged_roles", cfg.PrivilegedRoles).
		Int64("rate_limit", cfg.RateLimitRequests).
		Dur("rate_period", cfg.RateLimitPeriod).
		Msg("API router initialized")

	return r, nil
}
