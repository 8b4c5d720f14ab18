package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

const (
	// RequestIDContextKey holds the request ID for handlers.
	RequestIDContextKey ContextKey = "request_id"
	// RunContextKey holds the *RunFields of a backup run started by the request.
	RunContextKey ContextKey = "backup_run"
)

// Incoming IDs are echoed only when they are short and printable.
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// sensitiveParams lists query parameter names whose values are redacted from logs.
var sensitiveParams = map[string]bool{
	"token":         true,
	"access_token":  true,
	"dropbox_token": true,
	"secret":        true,
	"password":      true,
	"private_key":   true,
}

// RunFields describes a backup run for the access log.
type RunFields struct {
	RunID  string
	OK     bool
	Failed []string
}

// SetRun attaches run details to the request so the access log line
// carries them.
func SetRun(c *gin.Context, run RunFields) {
	c.Set(string(RunContextKey), run)
}

// RequestID returns the ID assigned to the request, if any.
func RequestID(c *gin.Context) string {
	return c.GetString(string(RequestIDContextKey))
}

// redactQueryString replaces values of known sensitive query parameters with [REDACTED].
func redactQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "[UNPARSEABLE]"
	}

	redacted := false
	for name, values := range params {
		if !sensitiveParams[strings.ToLower(name)] {
			continue
		}
		for i := range values {
			values[i] = "[REDACTED]"
		}
		redacted = true
	}
	if !redacted {
		return rawQuery
	}
	return params.Encode()
}

// RequestLogger assigns a request ID and writes one access log line per
// request. Backup runs add their run ID and failed destinations.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if !validRequestID.MatchString(requestID) {
			requestID = uuid.NewString()
		}
		c.Set(string(RequestIDContextKey), requestID)
		c.Header(RequestIDHeader, requestID)

		query := redactQueryString(c.Request.URL.RawQuery)

		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		case c.Request.Method == "GET" && (c.FullPath() == "/health" || c.FullPath() == "/metrics"):
			event = log.Debug()
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		event = event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path)
		if query != "" {
			event = event.Str("query", query)
		}
		if id := c.GetString(string(SubjectContextKey)); id != "" {
			event = event.Str("user_id", id)
		}
		if v, ok := c.Get(string(RunContextKey)); ok {
			if run, ok := v.(RunFields); ok {
				event = event.Str("run_id", run.RunID).Bool("run_ok", run.OK)
				if len(run.Failed) > 0 {
					event = event.Strs("failed_destinations", run.Failed)
				}
			}
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}

		event.
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("request")
	}
}
