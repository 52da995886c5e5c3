package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bongo/internal/pipeline"
	"bongo/internal/state"
)

// client is one monitor connection. Writes are serialized per connection.
type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

// RateHub manages WebSocket connections for real-time rate streaming. It
// observes the shared state and the controller.
type RateHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	logger  zerolog.Logger
}

var (
	_ state.Observer        = (*RateHub)(nil)
	_ pipeline.CycleHandler = (*RateHub)(nil)
)

// NewRateHub creates a new rate hub
func NewRateHub(logger zerolog.Logger) *RateHub {
	return &RateHub{
		clients: make(map[*client]bool),
		logger:  logger.With().Str("component", "monitor").Logger(),
	}
}

// Register adds a connection
func (h *RateHub) Register(conn *websocket.Conn) *client {
	c := &client{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Str("client", c.id).Int("total", total).Msg("client registered")
	return c
}

// Unregister removes a connection
func (h *RateHub) Unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		h.logger.Debug().Str("client", c.id).Msg("client unregistered")
	}
}

// ClientCount returns the number of connected clients
func (h *RateHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all clients, dropping the ones that fail
func (h *RateHub) Broadcast(message []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, message); err != nil {
			h.logger.Debug().Err(err).Str("client", c.id).Msg("error sending to client")
			h.Unregister(c)
			c.conn.Close()
		}
	}
}

// BroadcastJSON marshals v and broadcasts it if anyone listens
func (h *RateHub) BroadcastJSON(v any) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("error marshaling message")
		return
	}
	h.Broadcast(data)
}

func (h *RateHub) OnStateChange(c state.Change) {
	h.BroadcastJSON(NewRateMessage(c.Rate, c.Mode, c.Source))
}

func (h *RateHub) OnCycle(r *pipeline.CycleResult) {
	h.BroadcastJSON(NewCycleMessage(r))
}
