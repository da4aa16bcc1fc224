// Package events broadcasts committed settlement events to WebSocket clients.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

// Publisher accepts committed events.
type Publisher interface {
	Publish(evt model.Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(model.Event) {}

// client is one WebSocket subscriber. An empty release receives every event.
type client struct {
	conn    *websocket.Conn
	release model.ReleaseID
}

// Hub manages WebSocket connections and broadcasts events to the clients
// subscribed to them. It also keeps a short history for late readers.
type Hub struct {
	clients    map[*websocket.Conn]*client
	broadcast  chan model.Event
	register   chan *client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	pingEvery  time.Duration
	writeWait  time.Duration
	readWindow time.Duration

	histMu  sync.Mutex
	history []model.Event
	histCap int
	now     func() time.Time
}

// NewHub creates a new event hub retaining up to historySize recent events.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 256
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan model.Event, 256),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		pingEvery:  30 * time.Second,
		writeWait:  10 * time.Second,
		readWindow: 60 * time.Second,
		histCap:    historySize,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the hub's main event loop until ctx is done. Run is the only
// writer of data frames; pings go through WriteControl.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total, "release", c.release)

		case conn := <-h.unregister:
			h.drop(conn)

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn, c := range h.clients {
				if c.release != "" && c.release != evt.ReleaseID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(h.writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Publish records evt and queues it for broadcast. It never blocks.
func (h *Hub) Publish(evt model.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = h.now()
	}

	h.histMu.Lock()
	h.history = append(h.history, evt)
	if len(h.history) > h.histCap {
		h.history = h.history[len(h.history)-h.histCap:]
	}
	h.histMu.Unlock()

	select {
	case h.broadcast <- evt:
	default:
		// Drop if buffer full so settlement never waits on slow clients.
		slog.Warn("event dropped, broadcast buffer full", "type", evt.Type)
	}
}

// Recent returns up to n of the latest events, oldest first.
func (h *Hub) Recent(n int) []model.Event {
	h.histMu.Lock()
	defer h.histMu.Unlock()
	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	out := make([]model.Event, n)
	copy(out, h.history[len(h.history)-n:])
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
// The optional ?release= query narrows the subscription to one release.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &client{conn: conn, release: model.ReleaseID(r.URL.Query().Get("release"))}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	stop := make(chan struct{})
	go func() {
		defer func() {
			close(stop)
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(h.readWindow))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(h.readWindow))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(h.pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-stop:
				return
			case <-h.done:
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait)); err != nil {
				return
			}
		}
	}()
}
