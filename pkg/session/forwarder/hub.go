package forwarder

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans outbound envelopes to local WebSocket observers, keyed by room
// name. Broadcast never blocks: a slow client's queue overflows and the
// client is dropped.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

const hubClientQueue = 64

func NewHub(logger *slog.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		rooms:    make(map[string]map[*hubClient]struct{}),
	}
}

// Serve upgrades the request and attaches the connection to room until the
// client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "room", room, "error", err)
		return
	}
	client := &hubClient{conn: conn, send: make(chan []byte, hubClientQueue)}

	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*hubClient]struct{})
	}
	h.rooms[room][client] = struct{}{}
	n := len(h.rooms[room])
	h.mu.Unlock()
	h.logger.Info("ws observer attached", "room", room, "observers", n)

	go h.writeLoop(client)
	h.readLoop(client)
	h.detach(room, client)
}

func (h *Hub) writeLoop(c *hubClient) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			// Closing the conn unblocks the read loop, which detaches the
			// client and closes the channel; drain until then.
			_ = c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}

// readLoop discards inbound frames; observers are read-only. Returns when
// the peer disconnects.
func (h *Hub) readLoop(c *hubClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) detach(room string, c *hubClient) {
	h.mu.Lock()
	if clients := h.rooms[room]; clients != nil {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Broadcast queues raw to every observer of room, dropping clients whose
// queue is full.
func (h *Hub) Broadcast(room string, raw []byte) {
	if h == nil {
		return
	}
	h.mu.Lock()
	var stale []*hubClient
	for c := range h.rooms[room] {
		select {
		case c.send <- raw:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(h.rooms[room], c)
	}
	h.mu.Unlock()
	for _, c := range stale {
		c.close()
	}
}

// Observers reports the attached client count for room.
func (h *Hub) Observers(room string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
