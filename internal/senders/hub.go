package senders

import (
	"log"
	"net/http"
	"sync"

	"github.com/fleetalert/fleetalert/internal/database"
	"github.com/gorilla/websocket"
)

// hubClient is one connected UI client. The write mutex serializes pushes to
// the connection: Broadcast is reached concurrently from the evaluation sweep
// and the retry scheduler, and gorilla/websocket allows only one writer on a
// connection at a time.
type hubClient struct {
	conn   *websocket.Conn
	userID string // "" receives notifications for every user

	writeMu sync.Mutex
}

func (c *hubClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub pushes in-app notifications to connected UI clients over websockets.
// A client connects to /ws/notifications?user_id=<id> and receives every
// notification addressed to that user as a JSON message. Clients that fall
// behind or disconnect are dropped; the notification row in the database is
// the source of truth, the push is best effort.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

// NewHub creates a new notification hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS policy is enforced by the HTTP middleware
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// SetupRoutes configures websocket routes
func (h *Hub) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/notifications", h.HandleWebSocket)
}

// HandleWebSocket upgrades the connection and registers the client
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Hub: websocket upgrade failed: %v", err)
		return
	}

	client := &hubClient{conn: conn, userID: userID}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	log.Printf("Hub: client connected (user_id=%q, %d total)", userID, h.ClientCount())

	// Read pump: discard client messages, detect close.
	go func() {
		defer h.remove(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast pushes a notification to every client registered for its user
// (or for all users). Write failures drop the client.
func (h *Hub) Broadcast(n *database.InAppNotification) {
	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.clients))
	for client := range h.clients {
		if client.userID == "" || client.userID == n.UserID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.writeJSON(n); err != nil {
			log.Printf("Hub: write failed, dropping client: %v", err)
			h.remove(client)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// remove closes and unregisters a client
func (h *Hub) remove(client *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.conn.Close()
	}
	h.mu.Unlock()
}
