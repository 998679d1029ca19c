package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one fan-out payload pushed to dashboard clients.
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Publisher abstracts event fan-out so the pipeline and session manager can
// emit without a real socket layer underneath (unit tests inject a recorder).
type Publisher interface {
	// PublishToConversation delivers to clients joined to that conversation room.
	PublishToConversation(conversationID string, event Event)
	// PublishGlobal delivers to every connected client.
	PublishGlobal(event Event)
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Client is one connected dashboard socket.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Hub tracks connected dashboard clients and their conversation rooms.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Register wraps an upgraded websocket connection into a hub client and
// starts its read/write pumps. Blocks until the client disconnects.
func (h *Hub) Register(conn *websocket.Conn, userID string) {
	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		rooms:  make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	log.Printf("[Realtime] Dashboard connected: user=%s", userID)

	go client.writeLoop()
	client.readLoop()
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	log.Printf("[Realtime] Dashboard disconnected: user=%s", client.userID)
}

// PublishToConversation delivers an event to clients in a conversation room.
func (h *Hub) PublishToConversation(conversationID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Realtime] Failed to marshal event %s: %v", event.Name, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.inRoom(conversationID) {
			client.enqueue(data)
		}
	}
}

// PublishGlobal delivers an event to every connected client.
func (h *Hub) PublishGlobal(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Realtime] Failed to marshal event %s: %v", event.Name, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.enqueue(data)
	}
}

func (c *Client) inRoom(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[conversationID]
	return ok
}

// enqueue hands a frame to the write pump. A client whose buffer is full is
// considered stuck and skipped; the write pump will tear it down on the next
// failed write.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("[Realtime] Dropping event for slow client user=%s", c.userID)
	}
}

// clientCommand is what dashboards send upstream: room membership changes.
type clientCommand struct {
	Action         string `json:"action"` // join|leave
	ConversationID string `json:"conversationId"`
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	for {
		var cmd clientCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			return
		}

		switch cmd.Action {
		case "join":
			if cmd.ConversationID != "" {
				c.mu.Lock()
				c.rooms[cmd.ConversationID] = struct{}{}
				c.mu.Unlock()
			}
		case "leave":
			c.mu.Lock()
			delete(c.rooms, cmd.ConversationID)
			c.mu.Unlock()
		}
	}
}

func (c *Client) writeLoop() {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// Hub closed the channel: say goodbye properly.
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
