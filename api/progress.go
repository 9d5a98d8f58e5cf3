package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"voting-simulator/models"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// ProgressHub streams progress events to websocket subscribers. A slow
// subscriber loses events instead of slowing down the miner.
type ProgressHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*subscriber
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan models.Event
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*subscriber),
	}
}

func (h *ProgressHub) Notify(e models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.send <- e:
		default:
			slog.Debug("progress subscriber lagging, event dropped", "client", c.id, "kind", e.Kind)
		}
	}
}

func (h *ProgressHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *ProgressHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan models.Event, clientBuffer),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	slog.Info("progress subscriber connected", "client", c.id)

	go h.writeLoop(c)

	// Subscribers only listen; reading just detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if e := new(websocket.CloseError); !errors.As(err, &e) {
				slog.Debug("progress subscriber read failed", "client", c.id, "error", err)
			}
			break
		}
	}
	h.remove(c.id)
}

func (h *ProgressHub) writeLoop(c *subscriber) {
	defer c.conn.Close()

	for e := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(e); err != nil {
			slog.Debug("progress write failed", "client", c.id, "error", err)
			h.remove(c.id)
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *ProgressHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.send)
		slog.Info("progress subscriber disconnected", "client", id)
	}
}

// Close disconnects every subscriber with a normal closure.
func (h *ProgressHub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.remove(id)
	}
}
