package controlplane

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fentz26/lockwarden/internal/events"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub streams bus events to WebSocket clients. Each client gets its own bus
// subscription, optionally narrowed with ?topic=<prefix>.
type Hub struct {
	bus     *events.Bus
	logger  *slog.Logger
	clients atomic.Int64
}

// NewHub creates a hub over bus.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	return &Hub{bus: bus, logger: logger}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int64 {
	return h.clients.Load()
}

// ServeHTTP upgrades the connection and streams events until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so a client sees every event
	// published after its dial returns.
	sub := h.bus.Subscribe(strings.TrimSpace(r.URL.Query().Get("topic")))
	defer h.bus.Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.clients.Add(1)
	defer h.clients.Add(-1)

	done := make(chan struct{})
	go h.readLoop(conn, done)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client messages and closes done when the peer leaves.
func (h *Hub) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
