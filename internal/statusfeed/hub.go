// Package statusfeed streams workflow status reports to websocket clients.
package statusfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/workflow"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	clientBuffer   = 256
	DefaultBacklog = 100
)

// Event is one frame sent to clients.
type Event struct {
	Type   string                 `json:"type"`
	Report *workflow.StatusReport `json:"report,omitempty"`
	At     time.Time              `json:"at"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans status reports out to connected websocket clients. New clients
// first receive the most recent reports. It implements workflow.StatusSurface.
type Hub struct {
	logger   log.Logger
	upgrader websocket.Upgrader
	backlog  int

	mu      sync.Mutex
	clients map[string]*client
	recent  [][]byte
	closed  bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBacklog sets how many recent reports a new client is replayed.
func WithBacklog(n int) Option {
	return func(h *Hub) {
		if n >= 0 {
			h.backlog = n
		}
	}
}

// WithAllowedOrigins restricts browser origins. "*" or an empty list allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = checkOrigin(origins)
	}
}

// New creates a hub.
func New(logger log.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	h := &Hub{
		logger:  logger,
		backlog: DefaultBacklog,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(nil),
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Report implements workflow.StatusSurface. A client whose buffer is full
// misses the report rather than stalling the others.
func (h *Hub) Report(ctx context.Context, r workflow.StatusReport) {
	data, err := json.Marshal(Event{Type: "status", Report: &r, At: r.At})
	if err != nil {
		h.logger.Error(ctx, err, "marshal status event", "message_id", r.MessageID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.backlog > 0 {
		h.recent = append(h.recent, data)
		if over := len(h.recent) - h.backlog; over > 0 {
			h.recent = append([][]byte(nil), h.recent[over:]...)
		}
	}
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn(ctx, "status feed client lagging, dropping report", "client_id", c.id)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn(r.Context(), "websocket upgrade failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}

	c := &client{
		id:   ulid.Make().String(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	replay := h.recent
	if len(replay) > clientBuffer {
		replay = replay[len(replay)-clientBuffer:]
	}
	for _, data := range replay {
		c.send <- data
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info(r.Context(), "status feed client connected", "client_id", c.id)

	go h.writePump(c)
	h.readPump(c)
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// readPump discards client frames; it exists to process pongs and notice
// disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn(context.Background(), "status feed client error", "client_id", c.id, "err", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
