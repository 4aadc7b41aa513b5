// Package websocket pushes fleet and billing events to dashboard clients.
package websocket

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Message is the envelope written to every client
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans messages out to the connected clients
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	count      atomic.Int32

	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHub creates a hub accepting connections from allowedOrigins.
// "*" allows any origin.
func NewHub(allowedOrigins []string, logger zerolog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Message, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Run dispatches messages until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.count.Add(1)
		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("Dropping slow websocket client")
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Add(-1)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Broadcast queues msg for every client. It never blocks the caller; when
// the queue is full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn().Str("type", msg.Type).Msg("Websocket broadcast queue full, message dropped")
	}
}

// Publish broadcasts an event
func (h *Hub) Publish(eventType string, payload any) {
	h.Broadcast(Message{Type: eventType, Data: payload})
}

// ServeHTTP upgrades the request and streams messages to it
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Str("origin", r.Header.Get("Origin")).Msg("Failed to upgrade to WebSocket")
		return
	}

	c := &client{conn: conn, send: make(chan Message, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	h.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("WebSocket client connected")

	go h.writePump(c)
	h.readPump(c)
}

// readPump only drains control frames; clients do not send commands
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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
