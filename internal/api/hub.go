package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spreadmon/internal/bus"
	"spreadmon/pkg/types"
)

const (
	clientWriteTimeout = 10 * time.Second
	clientPingPeriod   = 30 * time.Second
)

// Hub pushes bus updates to websocket clients. Every client gets its
// own bus subscription, so a slow client conflates independently and
// never holds anyone else back.
type Hub struct {
	bus      *bus.Bus
	snapshot func() []types.SpreadSummary
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// NewHub creates the push hub over the given bus. snapshot supplies the
// current spread summaries for the catch-up frame sent to each client
// on connect; nil skips the frame.
func NewHub(b *bus.Bus, snapshot func() []types.SpreadSummary, logger *slog.Logger) *Hub {
	return &Hub{
		bus:      b,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		logger:   logger.With("component", "api"),
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// ServeWS upgrades the request and streams updates until the client
// disconnects or the hub shuts down.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("push client connected", "remote", r.RemoteAddr)
	sub := h.bus.Subscribe(nil)

	if h.snapshot != nil {
		conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
		frame := snapshotFrame{Type: "snapshot", Spreads: h.snapshot()}
		if err := conn.WriteJSON(frame); err != nil {
			sub.Close()
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
			return
		}
	}

	// Reader: only there to observe the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	h.writePump(conn, sub)

	sub.Close()
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
	h.logger.Info("push client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) writePump(conn *websocket.Conn, sub *bus.Subscription) {
	ping := time.NewTicker(clientPingPeriod)
	defer ping.Stop()

	for {
		select {
		case u, ok := <-sub.Updates():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(clientWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected push clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		c.Close()
	}
}

// snapshotFrame wraps a catch-up message sent to a client right after
// connect, before live updates begin.
type snapshotFrame struct {
	Type    string                `json:"type"`
	Spreads []types.SpreadSummary `json:"spreads"`
}
