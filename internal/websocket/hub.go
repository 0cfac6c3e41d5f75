package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog/log"

	"github.com/opendxa/processing/internal/model"
)

// Client represents a WebSocket client joined to one or more team rooms
type Client struct {
	Rooms []string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub maintains active WebSocket connections grouped by room
type Hub struct {
	// Clients grouped by room name
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	stop       chan struct{}

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast to a room
type BroadcastMessage struct {
	Room    string
	Message []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		stop:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			return

		case client := <-h.register:
			h.mu.Lock()
			for _, room := range client.Rooms {
				if h.clients[room] == nil {
					h.clients[room] = make(map[*Client]bool)
				}
				h.clients[room][client] = true
			}
			h.mu.Unlock()
			log.Debug().Strs("rooms", client.Rooms).Msg("Socket client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			h.detachLocked(client)
			h.mu.Unlock()
			close(client.Send)
			log.Debug().Strs("rooms", client.Rooms).Msg("Socket client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.Room] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow consumer: stop delivering and let the reader
					// loop unregister it once the connection closes
					h.detachLocked(client)
					if client.Conn != nil {
						go client.Conn.Close()
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends the main loop
func (h *Hub) Stop() {
	close(h.stop)
}

// detachLocked drops client from every room
func (h *Hub) detachLocked(client *Client) {
	for _, room := range client.Rooms {
		clients, ok := h.clients[room]
		if !ok {
			continue
		}
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, room)
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client and closes its send channel. It must be
// called exactly once per registered client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// RoomSize returns the number of clients in room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[room])
}

// BroadcastToRoom sends an event to every client in room. Messages are
// dropped when the hub is backed up.
func (h *Hub) BroadcastToRoom(room, event string, data any) {
	payload, err := json.Marshal(model.SocketMessage{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal socket message")
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{Room: room, Message: payload}:
	default:
		log.Warn().Str("room", room).Str("event", event).Msg("Socket broadcast queue full, dropping message")
	}
}

// HandleConnection serves one WebSocket connection until it closes
func (h *Hub) HandleConnection(c *websocket.Conn, rooms []string) {
	client := &Client{
		Rooms: rooms,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}

		// Handle client messages (ping/pong)
		var msg model.SocketMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Event == model.SocketEventPing {
			data, _ := json.Marshal(model.SocketMessage{Event: model.SocketEventPong})
			select {
			case client.Send <- data:
			default:
			}
		}
	}
}
