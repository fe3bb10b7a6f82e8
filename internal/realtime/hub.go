package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/reconciler"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	writeWait  = 5 * time.Second
)

// SnapshotFunc returns the current state of every known device. It seeds
// new connections before live events start flowing.
type SnapshotFunc func() []reconciler.Event

// Hub streams reconciler events to websocket clients. Clients may narrow the
// stream with ?device=<id>.
type Hub struct {
	upgrader websocket.Upgrader
	snapshot SnapshotFunc

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	device string
	// seen is the newest event version delivered per device. Guarded by Hub.mu.
	seen map[string]uint64
}

func NewHub(snapshot SnapshotFunc) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Served behind api-gateway which enforces auth.
				return true
			},
		},
		snapshot: snapshot,
		clients:  map[*client]struct{}{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 32),
		device: model.NormalizeID(r.URL.Query().Get("device")),
		seen:   map[string]uint64{},
	}
	h.addClient(c)

	go h.writePump(c)
	h.readPump(c)
}

func (c *client) wants(ev reconciler.Event) bool {
	return c.device == "" || model.NormalizeID(ev.DeviceID) == c.device
}

// fresh reports whether ev is newer than what c already holds for its device
// and records it. Events without a version always pass.
func (c *client) fresh(ev reconciler.Event) bool {
	id := model.NormalizeID(ev.DeviceID)
	if ev.Type == reconciler.EventDeviceRemoved {
		delete(c.seen, id)
		return true
	}
	if ev.Seq == 0 {
		return true
	}
	if ev.Seq <= c.seen[id] {
		return false
	}
	c.seen[id] = ev.Seq
	return true
}

// Broadcast sends ev to every interested client. A client that cannot keep
// up is disconnected.
func (h *Hub) Broadcast(ev reconciler.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("websocket event encode failed", "device", ev.DeviceID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev) || !c.fresh(ev) {
			continue
		}
		select {
		case c.send <- b:
		default:
			delete(h.clients, c)
			close(c.send)
			_ = c.conn.Close()
		}
	}
}

// Run broadcasts events until the channel closes or ctx is done.
func (h *Hub) Run(ctx context.Context, events <-chan reconciler.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// addClient seeds c with the current state and registers it in one step, so
// a broadcast queued before the seed cannot overwrite it.
func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snapshot != nil {
		for _, ev := range h.snapshot() {
			if !c.wants(ev) || !c.fresh(ev) {
				continue
			}
			if b, err := json.Marshal(ev); err == nil {
				select {
				case c.send <- b:
				default:
				}
			}
		}
	}
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	_ = c.conn.Close()
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
