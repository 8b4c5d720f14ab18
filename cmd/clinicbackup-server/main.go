// Package main is the entrypoint for the clinic backup server. It serves the
// backup API and fires the scheduled uploads.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/odontoclinic/clinicbackup/internal/api"
	"github.com/odontoclinic/clinicbackup/internal/app"
	"github.com/odontoclinic/clinicbackup/internal/config"
	"github.com/odontoclinic/clinicbackup/internal/dbconn"
	"github.com/odontoclinic/clinicbackup/internal/httpclient"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting clinic backup server")

	// Load configuration
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}
	if cfg.Proxy.HasProxy() {
		logger.Info().Str("proxy", httpclient.Describe(&cfg.Proxy)).Msg("Outbound proxy configured")
	}

	a, err := app.New(cfg, dbconn.OSEnv, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize components")
		return 1
	}
	defer a.Close()

	// Bring the settings file and database row into agreement before
	// anything reads them.
	reconcileCtx, reconcileCancel := context.WithTimeout(ctx, 30*time.Second)
	a.Reconcile(reconcileCtx)
	reconcileCancel()

	a.Feed.Start()
	defer a.Feed.Stop()

	routerCfg := api.DefaultConfig()
	routerCfg.JWTSecret = cfg.Auth.JWTSecret
	routerCfg.PrivilegedRoles = cfg.Auth.PrivilegedRoles
	routerCfg.RateLimitRequests = cfg.RateLimit.Requests
	routerCfg.RateLimitPeriod = cfg.RateLimit.Period
	routerCfg.Dialect = a.Dialect

	deps := api.Dependencies{
		Runner:   a.Pipeline,
		Settings: a.Settings,
		Registry: a.Registry,
		Gate:     a.Shutdown,
		Events:   a.Feed,
		Database: a.Database,
		Tools:    a.Capabilities,
		Shutdown: a.Shutdown,
		Gatherer: a.Registerer,
	}

	// Start backup scheduler
	if cfg.SchedulerEnabled {
		deps.Scheduler = a.Scheduler
		if err := a.Scheduler.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to start backup scheduler")
		}
		defer func() {
			<-a.Scheduler.Stop().Done()
		}()
	} else {
		logger.Info().Msg("Backup scheduler disabled")
	}

	router, err := api.NewRouter(routerCfg, deps, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return 1
	}

	// Archive downloads and uploads can take minutes; the write timeout
	// bounds a single run triggered over HTTP.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.OutboundTimeout + time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server error")
		exitCode = 1
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer shutdownCancel()

	// Refuse new runs and wait for in-flight ones before closing listeners.
	if err := a.Shutdown.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Backup shutdown error")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return exitCode
}
