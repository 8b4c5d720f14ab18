package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/odontoclinic/clinicbackup/internal/backup"
	"github.com/odontoclinic/clinicbackup/internal/dbconn"
	"github.com/odontoclinic/clinicbackup/internal/shutdown"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status HealthStatus                  `json:"status"`
	Checks map[string]*HealthCheckResult `json:"checks,omitempty"`
	Error  string                        `json:"error,omitempty"`
}

// DatabaseHealthChecker defines the interface for database health checking.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// ToolChecker reports the resolved dump binaries.
type ToolChecker interface {
	Tool(dialect dbconn.Dialect) (string, error)
	Statuses() []backup.ToolStatus
}

// ShutdownStatus reports the shutdown state.
type ShutdownStatus interface {
	GetStatus() shutdown.Status
}

// HealthHandler handles health-related HTTP endpoints.
type HealthHandler struct {
	db       DatabaseHealthChecker
	tools    ToolChecker
	dialect  dbconn.Dialect
	shutdown ShutdownStatus
	logger   zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler. dialect selects the dump
// tool that must be present. db and shutdown may be nil.
func NewHealthHandler(db DatabaseHealthChecker, tools ToolChecker, dialect dbconn.Dialect, shutdown ShutdownStatus, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:       db,
		tools:    tools,
		dialect:  dialect,
		shutdown: shutdown,
		logger:   logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health check routes that don't require authentication.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	health := r.Group("/health")
	{
		health.GET("", h.Overall)
		health.GET("/db", h.Database)
	}
}

// Overall returns the overall server health status. The settings database
// is optional, so its failure only degrades the status. A missing dump tool
// or a shutdown in progress makes the server unhealthy.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := &HealthResponse{
		Status: HealthStatusHealthy,
		Checks: map[string]*HealthCheckResult{
			"database":   h.checkDatabase(ctx),
			"dump_tools": h.checkTools(),
			"shutdown":   h.checkShutdown(),
		},
	}

	for _, check := range response.Checks {
		switch check.Status {
		case HealthStatusUnhealthy:
			response.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if response.Status == HealthStatusHealthy {
				response.Status = HealthStatusDegraded
			}
		}
	}

	if response.Status == HealthStatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// Database returns the settings database health status.
// GET /health/db
func (h *HealthHandler) Database(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	result := h.checkDatabase(ctx)

	response := &HealthResponse{
		Status: result.Status,
		Checks: map[string]*HealthCheckResult{
			"database": result,
		},
	}

	if result.Status != HealthStatusHealthy {
		response.Error = result.Error
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Status: HealthStatusHealthy}

	if h.db == nil {
		result.Status = HealthStatusDegraded
		result.Error = "database not configured"
		result.Duration = time.Since(start).String()
		return result
	}

	err := h.db.Ping(ctx)
	result.Duration = time.Since(start).String()
	result.Details = h.db.Health()

	if err != nil {
		result.Status = HealthStatusDegraded
		result.Error = "database ping failed"
		h.logger.Warn().Err(err).Msg("database health check failed")
	}
	return result
}

func (h *HealthHandler) checkTools() *HealthCheckResult {
	result := &HealthCheckResult{Status: HealthStatusHealthy, Details: map[string]any{}}

	for _, s := range h.tools.Statuses() {
		if s.Available() {
			result.Details[s.Tool] = s.Path
		} else {
			result.Details[s.Tool] = "missing"
		}
	}

	if _, err := h.tools.Tool(h.dialect); err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = err.Error()
	}
	return result
}

func (h *HealthHandler) checkShutdown() *HealthCheckResult {
	result := &HealthCheckResult{Status: HealthStatusHealthy}
	if h.shutdown == nil {
		return result
	}

	status := h.shutdown.GetStatus()
	result.Details = map[string]any{
		"state":           status.State,
		"running_backups": status.RunningBackups,
	}
	if !status.AcceptingNewJobs {
		result.Status = HealthStatusUnhealthy
		result.Error = "shutting down"
	}
	return result
}
