package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"codeberg.org/mutker/loadguard/internal/logger"
	"codeberg.org/mutker/loadguard/internal/overload"
	"github.com/gorilla/websocket"
)

const (
	clientBuffer = 16
	writeWait    = 5 * time.Second
	readLimit    = 512
)

// Message is the envelope written to status stream clients.
type Message struct {
	Type   string           `json:"type"`
	Status *overload.Status `json:"status,omitempty"`
	Event  *overload.Event  `json:"event,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub streams the current status to each new websocket client, then one message per
// overload notification. Clients that fall behind are dropped.
type Hub struct {
	upgrader websocket.Upgrader
	status   func() overload.Status

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(status func() overload.Status) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		status:  status,
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	// queued before registration so Publish and Close cannot race the first message
	st := h.status()
	if data, err := json.Marshal(Message{Type: "status", Status: &st}); err == nil {
		c.send <- data
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writer(c)
	h.reader(c)
}

// Publish queues ev for every client. It never blocks.
func (h *Hub) Publish(ev overload.Event) {
	st := h.status()
	data, err := json.Marshal(Message{Type: string(ev.Kind), Status: &st, Event: &ev})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode status stream message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			logger.Debug().Msg("Status stream client too slow, dropping")
			delete(h.clients, c)
			c.close()
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// reader discards client input and returns once the connection is gone.
func (h *Hub) reader(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(readLimit)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("Status stream client closed unexpectedly")
			}
			return
		}
	}
}

func (*Hub) writer(c *client) {
	defer c.conn.Close()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// closing unblocks the reader, which unregisters the client and closes send
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeWait))
}
