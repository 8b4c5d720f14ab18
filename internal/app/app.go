// Package app builds the backup service components from configuration. The
// server and the CLI share it so both run the same pipeline.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/odontoclinic/clinicbackup/internal/backup"
	"github.com/odontoclinic/clinicbackup/internal/backup/destinations"
	"github.com/odontoclinic/clinicbackup/internal/config"
	"github.com/odontoclinic/clinicbackup/internal/db"
	"github.com/odontoclinic/clinicbackup/internal/dbconn"
	"github.com/odontoclinic/clinicbackup/internal/events"
	"github.com/odontoclinic/clinicbackup/internal/httpclient"
	"github.com/odontoclinic/clinicbackup/internal/metrics"
	"github.com/odontoclinic/clinicbackup/internal/settings"
	"github.com/odontoclinic/clinicbackup/internal/shutdown"
)

// App holds the wired components.
type App struct {
	Config       config.ServerConfig
	Env          dbconn.Env
	Dialect      dbconn.Dialect
	Capabilities *backup.Capabilities
	Database     *db.Lazy
	Settings     *settings.Store
	Registry     *destinations.Registry
	Engine       *backup.Engine
	Pipeline     *backup.Pipeline
	Scheduler    *backup.Scheduler
	Feed         *events.Feed
	Tracker      *shutdown.Tracker
	Shutdown     *shutdown.Manager
	Registerer   *prometheus.Registry
	Metrics      *metrics.Metrics

	logger zerolog.Logger
}

// New wires every component. Nothing connects to the database or a
// destination until it is used.
func New(cfg config.ServerConfig, env dbconn.Env, logger zerolog.Logger) (*App, error) {
	if env == nil {
		env = dbconn.OSEnv
	}

	a := &App{
		Config: cfg,
		Env:    env,
		logger: logger.With().Str("component", "app").Logger(),
	}

	a.Dialect = dbconn.DialectPostgres
	if cands := dbconn.Resolve(env); len(cands) > 0 {
		a.Dialect = cands[0].Dialect
	}

	a.Registerer = prometheus.NewRegistry()
	a.Registerer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registerer)

	a.Tracker = shutdown.NewTracker(logger)
	a.Shutdown = shutdown.NewManager(shutdown.DefaultConfig(), a.Tracker, logger)

	a.Capabilities = backup.DetectCapabilities(cfg.DumpTools)
	for _, s := range a.Capabilities.Statuses() {
		ev := a.logger.Info()
		if !s.Available() {
			ev = a.logger.Warn()
		}
		ev.Str("tool", s.Tool).Str("path", s.Path).Str("error", s.Error).Msg("dump tool")
	}

	connector := dbconn.NewConnector(logger)
	a.Database = db.NewLazy(db.CandidateOpener(connector, env, db.DefaultConfig(), logger), logger)

	a.Settings = settings.NewStore(settings.Defaults{
		RetentionDays:  cfg.RetentionDays,
		Timezone:       cfg.Timezone,
		GDriveFolderID: cfg.GDrive.FolderID,
		DropboxFolder:  cfg.Dropbox.Folder,
	}, logger,
		settings.NewFileRepository(cfg.SettingsFile),
		db.NewSettingsRow(a.Database, db.BackupSettingsKey),
	)

	client, err := httpclient.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create outbound client: %w", err)
	}
	a.Registry = destinations.NewRegistry(
		destinations.NewGDrive(client, logger),
		destinations.NewDropbox(client, logger),
	)

	a.Engine = backup.NewEngine(backup.EngineConfig{
		TempDir:  cfg.TempDir,
		PreCheck: cfg.PreCheck,
		Env:      env,
	}, a.Capabilities, backup.NewSQLProber(connector), backup.NewCommandDumper(a.Capabilities, logger), logger)
	a.Engine.SetTracker(a.Tracker)
	a.Engine.SetMetrics(a.Metrics)

	a.Pipeline = backup.NewPipeline(a.Engine, a.Settings, a.Registry, backup.TargetDefaults{
		GDriveFolderID:      cfg.GDrive.FolderID,
		GDriveSharedDrive:   cfg.GDrive.SharedDrive,
		ServiceAccountEmail: cfg.GDrive.ServiceAccountEmail,
		PrivateKey:          cfg.GDrive.PrivateKey,
		DropboxFolder:       cfg.Dropbox.Folder,
		DropboxAccessToken:  cfg.Dropbox.AccessToken,
	}, logger)
	a.Pipeline.SetTracker(a.Tracker)
	a.Pipeline.SetMetrics(a.Metrics)

	a.Feed = events.NewFeed(events.DefaultConfig(), logger)

	a.Scheduler = backup.NewScheduler(a.Pipeline, a.Settings, a.Feed, logger)
	a.Scheduler.SetMetrics(a.Metrics)

	return a, nil
}

// Reconcile syncs the settings file and database row.
func (a *App) Reconcile(ctx context.Context) settings.ReconcileResult {
	return a.Settings.Reconcile(ctx)
}

// Close removes leftover temp files and closes the database.
func (a *App) Close() {
	if n := a.Tracker.RemoveAll(); n > 0 {
		a.logger.Info().Int("files", n).Msg("removed leftover backup files")
	}
	a.Database.Close()
}
