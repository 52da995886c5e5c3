package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bongo/internal/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The monitor binds to localhost by default
		return true
	},
}

// Handler handles WebSocket connections for real-time rate updates
type Handler struct {
	hub    *RateHub
	state  *state.State
	logger zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *RateHub, st *state.State, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, state: st, logger: logger}
}

// ServeHTTP upgrades the request and sends the current snapshot before
// registering the connection for broadcasts.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade error")
		return
	}

	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("new monitor connection")

	snap := h.state.Snapshot()
	data, err := json.Marshal(NewRateMessage(snap.Rate, snap.Mode, "snapshot"))
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		conn.Close()
		return
	}

	c := h.hub.Register(conn)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects client disconnection
func (h *Handler) readPump(c *client) {
	defer func() {
		h.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	done := make(chan struct{})
	defer func() {
		ticker.Stop()
		close(done)
	}()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("client", c.id).Msg("read error")
			}
			return
		}
	}
}
