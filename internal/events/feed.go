// Package events fans backup lifecycle notifications out to in-process
// subscribers and WebSocket clients.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Lifecycle event types.
const (
	BackupStarted  = "backup:started"
	BackupFinished = "backup:finished"
)

// Event is a lifecycle notification.
type Event struct {
	Type  string    `json:"type"`
	TS    time.Time `json:"ts"`
	Error string    `json:"error,omitempty"`
}

// Publisher accepts lifecycle notifications.
type Publisher interface {
	Publish(event Event)
}

// Client is a feed subscriber. conn is nil for in-process subscribers.
type Client struct {
	id     uuid.UUID
	userID string
	conn   *websocket.Conn
	send   chan Event
	feed   *Feed
}

// Config holds configuration for the Feed.
type Config struct {
	// PingInterval is how often to send ping messages to clients.
	PingInterval time.Duration
	// WriteTimeout is the timeout for writing to a client.
	WriteTimeout time.Duration
	// ReadTimeout is the timeout for reading from a client.
	ReadTimeout time.Duration
	// MaxMessageSize is the maximum size of a message from a client.
	MaxMessageSize int64
	// SendBufferSize is the size of the send buffer per client.
	SendBufferSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 512,
		SendBufferSize: 64,
	}
}

// Feed broadcasts lifecycle events to connected clients.
type Feed struct {
	config   Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clients   map[uuid.UUID]*Client
	clientsMu sync.RWMutex

	broadcast  chan Event
	register   chan *Client
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFeed creates a new Feed with the given configuration.
func NewFeed(cfg Config, logger zerolog.Logger) *Feed {
	return &Feed{
		config: cfg,
		logger: logger.With().Str("component", "event_feed").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[uuid.UUID]*Client),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Start begins processing events and client management.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info().Msg("event feed started")
}

// Stop stops the feed and closes all client connections.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		f.wg.Wait()
		f.logger.Info().Msg("event feed stopped")
	})
}

func (f *Feed) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			f.closeAllClients()
			return

		case client := <-f.register:
			f.addClient(client)

		case client := <-f.unregister:
			f.removeClient(client)

		case event := <-f.broadcast:
			f.broadcastEvent(event)
		}
	}
}

func (f *Feed) addClient(client *Client) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()

	f.clients[client.id] = client

	f.logger.Debug().
		Str("client_id", client.id.String()).
		Str("user_id", client.userID).
		Bool("websocket", client.conn != nil).
		Msg("client connected")
}

func (f *Feed) removeClient(client *Client) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()

	if _, ok := f.clients[client.id]; !ok {
		return
	}
	delete(f.clients, client.id)
	close(client.send)

	f.logger.Debug().Str("client_id", client.id.String()).Msg("client disconnected")
}

func (f *Feed) closeAllClients() {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()

	for _, client := range f.clients {
		close(client.send)
	}
	f.clients = make(map[uuid.UUID]*Client)
}

func (f *Feed) broadcastEvent(event Event) {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()

	for _, client := range f.clients {
		select {
		case client.send <- event:
		default:
			f.logger.Warn().
				Str("client_id", client.id.String()).
				Msg("client send buffer full, dropping event")
		}
	}
}

// Publish queues an event for broadcast. It never blocks.
func (f *Feed) Publish(event Event) {
	if event.TS.IsZero() {
		event.TS = time.Now()
	}

	f.logger.Debug().Str("event", event.Type).Str("error", event.Error).Msg("publishing event")

	select {
	case f.broadcast <- event:
	default:
		f.logger.Warn().Str("event", event.Type).Msg("broadcast buffer full, dropping event")
	}
}

// Subscribe registers an in-process subscriber. The returned func
// unsubscribes and closes the channel.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	client := &Client{
		id:   uuid.New(),
		send: make(chan Event, f.config.SendBufferSize),
		feed: f,
	}
	select {
	case f.register <- client:
	case <-f.done:
		close(client.send)
		return client.send, func() {}
	}

	var once sync.Once
	return client.send, func() {
		once.Do(func() {
			select {
			case f.unregister <- client:
			case <-f.done:
			}
		})
	}
}

// HandleWebSocket upgrades the connection and streams events to it.
func (f *Feed) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	client := &Client{
		id:     uuid.New(),
		userID: userID,
		conn:   conn,
		send:   make(chan Event, f.config.SendBufferSize),
		feed:   f,
	}

	select {
	case f.register <- client:
	case <-f.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	return len(f.clients)
}

// readPump drains client messages so control frames are processed.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.feed.unregister <- c:
		case <-c.feed.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.feed.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.feed.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.feed.config.ReadTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.feed.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.feed.config.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.feed.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
