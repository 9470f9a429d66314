package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zicotrace/zico/internal/metrics"
)

const writeWait = 5 * time.Second

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// sendBuffer is how many messages a subscriber may fall behind before
// new ones are dropped for it.
const sendBuffer = 64

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHub fans stored chunks out to live feed subscribers. Broadcast
// only queues; each subscriber has its own writer goroutine, so a slow
// client never blocks the caller.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]*wsClient
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   *slog.Logger
	done     chan struct{}
	once     sync.Once
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub(logger *slog.Logger, allowAllOrigins bool, m *metrics.Metrics) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		clients:  make(map[*websocket.Conn]*wsClient),
		upgrader: newUpgrader(allowAllOrigins),
		metrics:  m,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run blocks until the hub is closed.
func (h *WebSocketHub) Run() {
	<-h.done
}

// Close shuts down the hub and all connections.
func (h *WebSocketHub) Close() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, c := range h.clients {
		delete(h.clients, conn)
		close(c.send)
		_ = conn.Close()
		h.metrics.WSConnected(-1)
	}
}

// HandleWebSocket upgrades an HTTP connection to WebSocket.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	h.clients[conn] = c
	h.mu.Unlock()
	h.metrics.WSConnected(1)

	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())

	go h.writePump(c)

	// Read pump: notices client disconnects.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// writePump is the only goroutine writing to c.conn.
func (h *WebSocketHub) writePump(c *wsClient) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("failed to write to websocket client", "error", err)
			h.remove(c.conn)
			break
		}
	}
	// drain until remove closes the channel
	for range c.send {
	}
}

func (h *WebSocketHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	c, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.metrics.WSConnected(-1)
		h.logger.Debug("websocket client disconnected", "remote", conn.RemoteAddr())
	}
	_ = conn.Close()
}

// Broadcast queues one event for every connected client. Clients whose
// queue is full miss the event.
func (h *WebSocketHub) Broadcast(typ string, data interface{}) {
	msg, err := json.Marshal(map[string]interface{}{
		"type": typ,
		"data": data,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.metrics.WSDroppedMessage()
			h.logger.Debug("websocket client lagging, message dropped", "remote", c.conn.RemoteAddr())
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
