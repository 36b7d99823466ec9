package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"perp-trading-engine/internal/logging"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 50 * time.Second
	clientBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware on the REST
		// surface; the WS handshake is gated by the token instead.
		return true
	},
}

// wsClient is one connected status-stream subscriber
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans status frames out to connected WebSocket clients
type Hub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	stop       chan struct{}
	done       chan struct{}
	logger     *logging.Logger

	mu      sync.Mutex
	stopped bool
	dropped int
	sent    int
}

func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.WithComponent("ws"),
	}
}

// Run starts the hub loop
func (h *Hub) Run() {
	go h.loop()
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("ws client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.logger.Debug("ws client disconnected", "clients", len(h.clients))

		case frame := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- frame:
					h.mu.Lock()
					h.sent++
					h.mu.Unlock()
				default:
					// Slow consumer: drop it rather than stall the hub
					delete(h.clients, client)
					close(client.send)
					h.mu.Lock()
					h.dropped++
					h.mu.Unlock()
				}
			}

		case <-h.stop:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		}
	}
}

// Stop shuts the hub down and disconnects all clients
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()
	close(h.stop)
	<-h.done
}

// BroadcastJSON marshals v and queues it for every connected client
func (h *Hub) BroadcastJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("ws marshal broadcast", "error", err.Error())
		return
	}
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// GetStats returns hub counters
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]interface{}{
		"frames_sent":     h.sent,
		"clients_dropped": h.dropped,
	}
}

// handleWebSocket authenticates via the token query parameter and upgrades
// the connection.
func (s *Server) handleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" || s.validateToken(token) != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err.Error())
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, clientBufferSize)}
	s.hub.register <- client

	go s.writePump(client)
	go s.readPump(client)
}

// writePump streams frames and pings to a single client
func (s *Server) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and detects disconnects
func (s *Server) readPump(client *wsClient) {
	defer func() {
		s.hub.unregister <- client
		client.conn.Close()
	}()
	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
