package dashboard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans snapshots out to connected WebSocket clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}
	logger     zerolog.Logger

	mu   sync.RWMutex
	last []byte
}

func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 16),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "dashboard_hub").Logger(),
	}
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			client.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			if last := h.Last(); last != nil {
				h.write(client, last)
			}
			h.logger.Debug().Int("clients", len(h.clients)).Msg("Dashboard client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.logger.Debug().Int("clients", len(h.clients)).Msg("Dashboard client disconnected")

		case message := <-h.broadcast:
			for client := range h.clients {
				h.write(client, message)
			}
		}
	}
}

func (h *Hub) write(client *websocket.Conn, message []byte) {
	_ = client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
		h.logger.Debug().Err(err).Msg("Dropping dashboard client")
		client.Close()
		delete(h.clients, client)
	}
}

// Broadcast queues a message for every client. It never blocks.
func (h *Hub) Broadcast(message []byte) {
	h.mu.Lock()
	h.last = message
	h.mu.Unlock()

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn().Msg("Broadcast channel is full, dropping message")
	}
}

// Last returns the most recent broadcast payload.
func (h *Hub) Last() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// ServeHTTP upgrades the request and keeps the connection until the peer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade to WebSocket")
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug().Err(err).Msg("WebSocket error")
				}
				return
			}
		}
	}()
}
