package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fluxflowhq/fluxflow/internal/logging"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod  = (pongWait * 9) / 10
	sendBufSize = 64
	// replayLimit bounds the events kept for clients that join mid-run. The
	// oldest events are evicted first.
	replayLimit = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the reverse proxy in front of serve mode.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is an event sink that streams run events to websocket clients. Clients
// that connect during a run first receive the most recent events of that run.
// The replay buffer is cleared once the run's terminal event is broadcast, so
// clients connecting between runs receive nothing stale.
type Hub struct {
	logger logrus.FieldLogger

	mu      sync.Mutex
	clients map[*client]struct{}
	runID   string
	recent  [][]byte
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Record broadcasts ev to every client. A client whose buffer is full is
// disconnected.
func (h *Hub) Record(ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.WithError(err).Warn("encode event failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.RunID != h.runID {
		h.runID = ev.RunID
		h.recent = h.recent[:0]
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}

	if ev.Terminal() {
		h.runID = ""
		h.recent = h.recent[:0]
		return
	}
	if len(h.recent) == replayLimit {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:replayLimit-1]
	}
	h.recent = append(h.recent, data)
}

// Run blocks until ctx is cancelled, then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize+replayLimit),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump()
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, data := range h.recent {
		c.send <- data
	}
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames and detects disconnects.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
