package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/odontoclinic/clinicbackup/internal/api/middleware"
)

// EventStream upgrades a request to a websocket notification stream.
type EventStream interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string)
}

// EventsHandler serves backup lifecycle notifications.
type EventsHandler struct {
	stream EventStream
	logger zerolog.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(stream EventStream, logger zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		stream: stream,
		logger: logger.With().Str("component", "events_handler").Logger(),
	}
}

// RegisterRoutes registers the events route on an authenticated group.
func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.Stream)
}

// Stream upgrades to a websocket and forwards backup:started and
// backup:finished notifications.
// GET /backup/events
func (h *EventsHandler) Stream(c *gin.Context) {
	var userID string
	if claims := middleware.GetClaims(c); claims != nil {
		userID = claims.Subject
	}
	h.stream.HandleWebSocket(c.Writer, c.Request, userID)
}
