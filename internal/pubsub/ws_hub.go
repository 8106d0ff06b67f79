package pubsub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/broq/broq/internal/common"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// JobEvent is a read-only observability record broadcast over the admin
// WebSocket feed by the HTTP add, take, reset and remove handlers (unstale
// sends none). It is a side channel —
// nothing about the job engine's contract depends on anyone observing it.
type JobEvent struct {
	Queue     string `json:"queue"`
	JobID     string `json:"job_id"`
	Type      string `json:"type"` // "queued", "started", "completed", "failed"
	Timestamp int64  `json:"timestamp"`
}

// wsClient is one connected WebSocket admin/debug subscriber.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub fans out JobEvents to every connected admin WebSocket client.
// Grounded on the register/unregister/broadcast channel pattern used for
// the broker's job-queue observability feed.
type WSHub struct {
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	logger     *common.Logger
}

// NewWSHub constructs a hub; call Run in its own goroutine to start it.
func NewWSHub(logger *common.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		logger:     logger,
	}
}

// Run processes register/unregister/broadcast events until stop is closed.
func (h *WSHub) Run(stop <-chan struct{}) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					go func(c *wsClient) { h.unregister <- c }(c)
				}
			}
			h.mu.RUnlock()
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*wsClient]bool)
			h.mu.Unlock()
			return
		}
	}
}

// BroadcastEvent serializes and broadcasts a JobEvent to every connected
// admin client. Silently drops if the hub's broadcast buffer is full.
func (h *WSHub) BroadcastEvent(evt JobEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Str("queue", evt.Queue).Msg("job event broadcast buffer full, dropping")
	}
}

// ServeClient upgrades conn into a registered hub client and runs its
// read/write pumps until the connection closes. Blocking; call from the
// HTTP handler's goroutine.
func (h *WSHub) ServeClient(conn *websocket.Conn) {
	c := &wsClient{conn: conn, send: make(chan []byte, 32)}
	h.register <- c

	done := make(chan struct{})
	go h.writePump(c, done)
	h.readPump(c, done)
}

func (h *WSHub) readPump(c *wsClient, done chan struct{}) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
		close(done)
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writePump(c *wsClient, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
