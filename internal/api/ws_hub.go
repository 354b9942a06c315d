package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HackxAnkit/SurgePricing/internal/metrics"
	"github.com/HackxAnkit/SurgePricing/internal/surge"
)

// SurgeMessage is a JSON message sent to WebSocket clients.
type SurgeMessage struct {
	Type            string  `json:"type"`
	Resolution      int     `json:"resolution"`
	GeofenceID      string  `json:"geofenceId"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
	Demand          int64   `json:"demand"`
	Supply          int64   `json:"supply"`
	Reason          string  `json:"reason,omitempty"`
	Status          string  `json:"status"`
	UpdatedAt       int64   `json:"updatedAt"`
}

// SurgeHub manages WebSocket connections and pushes every committed
// multiplier change to all connected clients.
type SurgeHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewSurgeHub creates a new WebSocket hub.
func NewSurgeHub() *SurgeHub {
	return &SurgeHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *SurgeHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run is the hub's event loop. It closes every client when ctx ends.
func (h *SurgeHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// SurgeChanged broadcasts a committed change. It never blocks the caller.
func (h *SurgeHub) SurgeChanged(s surge.Snapshot) {
	h.Broadcast(SurgeMessage{
		Type:            "surge_changed",
		Resolution:      s.Cell.Resolution,
		GeofenceID:      s.Cell.CellID,
		SurgeMultiplier: s.Multiplier,
		Demand:          s.Demand,
		Supply:          s.Supply,
		Reason:          string(s.Reason),
		Status:          string(s.Status),
		UpdatedAt:       s.UpdatedAt.UnixMilli(),
	})
}

// Broadcast sends a message to all connected clients.
func (h *SurgeHub) Broadcast(msg SurgeMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full; recomputation must not wait on slow clients.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /ws/surge.
func (h *SurgeHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
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
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
