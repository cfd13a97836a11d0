package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/technosupport/guardian/internal/incidents"
	"github.com/technosupport/guardian/internal/tokens"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

// FeedHub pushes incident snapshots to connected dashboard clients. A slow
// client gets disconnected rather than applying backpressure to the incident
// flow.
type FeedHub struct {
	Tokens *tokens.Manager

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewFeedHub(tm *tokens.Manager) *FeedHub {
	return &FeedHub{
		Tokens:  tm,
		clients: make(map[*feedClient]struct{}),
	}
}

// Publish fans an incident snapshot out to every connected client. Called
// from the incident manager's feed hook; must never block.
func (h *FeedHub) Publish(inc incidents.Incident) {
	data, err := json.Marshal(inc)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop the connection, not the event flow.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ServeWS upgrades GET /api/v1/incidents/feed?token=...
func (h *FeedHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	// Auth via query param (standard for WS)
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.Tokens.ValidateToken(tokenStr)
	if err != nil || claims.TokenType != tokens.Access {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS Upgrade Failed: %v", err)
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	log.Printf("WS Connected: operator=%s", claims.OperatorID)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *FeedHub) writeLoop(c *feedClient) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	c.conn.Close()
}

// readLoop only exists to detect the close; the feed is one-directional.
func (h *FeedHub) readLoop(c *feedClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Close disconnects every client.
func (h *FeedHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}
