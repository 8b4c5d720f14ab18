package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/odontoclinic/clinicbackup/internal/api/middleware"
	"github.com/odontoclinic/clinicbackup/internal/backup"
	"github.com/odontoclinic/clinicbackup/internal/backup/destinations"
	"github.com/odontoclinic/clinicbackup/internal/settings"
)

// BackupRunner runs the backup pipeline.
type BackupRunner interface {
	Run(ctx context.Context) (*backup.Artifact, error)
	RunAndUpload(ctx context.Context, req backup.UploadRequest) (*backup.UploadSummary, error)
	TargetFor(ctx context.Context, name string) destinations.Target
}

// SettingsStore reads and writes the backup settings.
type SettingsStore interface {
	Read(ctx context.Context) settings.BackupSettings
	Write(ctx context.Context, patch settings.Patch) (settings.BackupSettings, error)
}

// ScheduleReloader re-registers the schedule after a settings change.
type ScheduleReloader interface {
	Reload(ctx context.Context) error
}

// JobGate reports whether new runs may start.
type JobGate interface {
	IsAcceptingJobs() bool
}

// BackupHandler handles the backup endpoints.
type BackupHandler struct {
	runner    BackupRunner
	settings  SettingsStore
	scheduler ScheduleReloader
	registry  *destinations.Registry
	gate      JobGate
	logger    zerolog.Logger
}

// NewBackupHandler creates a new BackupHandler. scheduler and gate may be nil.
func NewBackupHandler(runner BackupRunner, store SettingsStore, scheduler ScheduleReloader, registry *destinations.Registry, gate JobGate, logger zerolog.Logger) *BackupHandler {
	return &BackupHandler{
		runner:    runner,
		settings:  store,
		scheduler: scheduler,
		registry:  registry,
		gate:      gate,
		logger:    logger.With().Str("component", "backup_handler").Logger(),
	}
}

// RegisterPublicRoutes registers backup routes that don't require authentication.
func (h *BackupHandler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/ping", h.Ping)
}

// RegisterRoutes registers the authenticated backup routes. Routes that
// change state or export data also run privileged.
func (h *BackupHandler) RegisterRoutes(r *gin.RouterGroup, privileged gin.HandlerFunc) {
	r.POST("/manual", privileged, h.Manual)
	r.POST("/run", h.RunAndUpload)
	r.GET("/settings", h.GetSettings)
	r.PUT("/settings", privileged, h.UpdateSettings)
	r.POST("/destinations/:name/test", privileged, h.TestDestination)
}

// RunRequest is the request body for an upload run.
type RunRequest struct {
	Destinations   []string `json:"destinations"`
	GDriveFolderID string   `json:"gdriveFolderId"`
	DropboxFolder  string   `json:"dropboxFolder"`
	CleanupDays    *int     `json:"cleanupDays"`
}

// Ping reports that the service is up.
// GET /backup/ping
func (h *BackupHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "ts": time.Now().UTC()})
}

// Manual dumps and archives the database and streams the archive.
// POST /backup/manual
func (h *BackupHandler) Manual(c *gin.Context) {
	if !h.accepting(c) {
		return
	}

	art, err := h.runner.Run(c.Request.Context())
	if err != nil {
		h.writeRunError(c, err)
		return
	}
	defer func() {
		if err := art.Close(); err != nil {
			h.logger.Warn().Err(err).Msg("failed to remove manual backup files")
		}
	}()

	h.logger.Info().
		Str("file", art.Archive.RemoteName()).
		Bool("placeholder", art.Dump.IsPlaceholder).
		Str("candidate", art.Dump.UsedCandidate.String()).
		Msg("streaming manual backup")

	c.FileAttachment(art.Archive.ZipFilePath, art.Archive.RemoteName())
}

// RunAndUpload runs a backup and uploads it to the requested destinations.
// POST /backup/run
func (h *BackupHandler) RunAndUpload(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if middleware.IsBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large", "reason": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "reason": err.Error()})
		return
	}
	if req.CleanupDays != nil && *req.CleanupDays < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "reason": "cleanupDays must not be negative"})
		return
	}
	for _, name := range req.Destinations {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := h.registry.Get(name); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "reason": "unknown destination " + name})
			return
		}
	}
	if !h.accepting(c) {
		return
	}

	summary, err := h.runner.RunAndUpload(c.Request.Context(), backup.UploadRequest{
		Destinations:   req.Destinations,
		GDriveFolderID: req.GDriveFolderID,
		DropboxFolder:  req.DropboxFolder,
		CleanupDays:    req.CleanupDays,
		Trigger:        backup.TriggerAPI,
	})
	if err != nil {
		h.writeRunError(c, err)
		return
	}

	middleware.SetRun(c, middleware.RunFields{
		RunID:  summary.RunID.String(),
		OK:     summary.OK,
		Failed: summary.FailedDestinations(),
	})
	c.JSON(http.StatusOK, summary)
}

// GetSettings returns the backup settings with secrets masked.
// GET /backup/settings
func (h *BackupHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Read(c.Request.Context()).Masked())
}

// UpdateSettings applies a partial settings update and reloads the schedule.
// PUT /backup/settings
func (h *BackupHandler) UpdateSettings(c *gin.Context) {
	var patch settings.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		if middleware.IsBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large", "reason": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": map[string]string{"body": err.Error()}})
		return
	}

	ctx := c.Request.Context()
	saved, err := h.settings.Write(ctx, patch)
	if err != nil {
		var verr *settings.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings", "details": verr.Fields})
			return
		}
		h.logger.Error().Err(err).Msg("failed to save backup settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save settings", "reason": err.Error()})
		return
	}

	if h.scheduler != nil {
		if err := h.scheduler.Reload(ctx); err != nil {
			h.logger.Error().Err(err).Msg("failed to reload backup schedule")
		}
	}

	h.logger.Info().
		Int("retention_days", saved.RetentionDays).
		Strs("destinations", saved.EnabledDestinations()).
		Bool("schedule_enabled", saved.Schedule.Enabled).
		Msg("backup settings updated")

	c.JSON(http.StatusOK, saved.Masked())
}

// TestDestination checks credentials and folder access for a destination.
// POST /backup/destinations/:name/test
func (h *BackupHandler) TestDestination(c *gin.Context) {
	name := c.Param("name")
	dest, ok := h.registry.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown destination", "reason": name})
		return
	}

	ctx := c.Request.Context()
	target := h.runner.TargetFor(ctx, name)
	if err := dest.Validate(target); err != nil {
		c.JSON(http.StatusOK, destinations.ConnectionStatus{OK: false, Detail: err.Error()})
		return
	}

	status, err := dest.TestConnection(ctx, target)
	if err != nil {
		h.logger.Warn().Err(err).Str("destination", name).Msg("destination test failed")
		c.JSON(http.StatusOK, destinations.ConnectionStatus{OK: false, Detail: err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *BackupHandler) accepting(c *gin.Context) bool {
	if h.gate != nil && !h.gate.IsAcceptingJobs() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down", "reason": "new backup runs are not accepted"})
		return false
	}
	return true
}

// writeRunError maps pipeline errors to responses. Request problems are
// 400; everything else is a 500 with the reason.
func (h *BackupHandler) writeRunError(c *gin.Context, err error) {
	if backup.IsCallerError(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "reason": err.Error()})
		return
	}

	h.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("backup run failed")

	var (
		cfgErr *backup.ConfigurationError
		depErr *backup.DependencyMissingError
	)
	switch {
	case errors.As(err, &depErr):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dependency missing", "reason": err.Error()})
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "backup not configured", "reason": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "backup failed", "reason": err.Error()})
	}
}
