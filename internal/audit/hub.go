package audit

import (
	"context"
	"errors"
	"sync"

	"etf_arb/internal/core"
)

// ErrFeedBacklogged is returned when the broadcast queue is full
var ErrFeedBacklogged = errors.New("audit feed backlogged, event dropped")

// Message is one websocket frame
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Message types
const (
	TypeEvent   = "audit_event"
	TypeHistory = "history"
)

// Client represents a websocket subscriber
type Client struct {
	id     string
	send   chan Message
	mu     sync.Mutex
	closed bool
}

// NewClient creates a new client
func NewClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan Message, 256),
	}
}

// Send queues a message without blocking; false means the client is slow or gone
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// GetSendChan returns the send channel for reading
func (c *Client) GetSendChan() <-chan Message {
	return c.send
}

// Close closes the client
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans audit events out to websocket clients and replays recent
// history to new subscribers
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan core.AuditEvent
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	history []core.AuditEvent
	keep    int

	logger core.ILogger
}

// NewHub creates a hub that keeps the last keep events for replay
func NewHub(keep int, logger core.ILogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan core.AuditEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		keep:       keep,
		logger:     logger.WithField("component", "audit_hub"),
	}
}

// Run is the hub's main loop; it closes every client when ctx ends
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			replay := append([]core.AuditEvent(nil), h.history...)
			total := len(h.clients)
			h.mu.Unlock()
			if len(replay) > 0 {
				client.Send(Message{Type: TypeHistory, Data: replay})
			}
			h.logger.Info("Client registered", "client_id", client.id, "total_clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client unregistered", "client_id", client.id, "total_clients", total)

		case ev := <-h.broadcast:
			h.mu.Lock()
			h.history = append(h.history, ev)
			if h.keep > 0 && len(h.history) > h.keep {
				h.history = h.history[len(h.history)-h.keep:]
			}
			clientList := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clientList = append(clientList, client)
			}
			h.mu.Unlock()

			msg := Message{Type: TypeEvent, Data: ev}
			for _, client := range clientList {
				if !client.Send(msg) {
					// slow client; drop it rather than stall the feed
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						client.Close()
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// Register registers a client; after the hub stopped the client is closed
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Write queues ev for broadcast; it implements Sink
func (h *Hub) Write(_ context.Context, ev core.AuditEvent) error {
	select {
	case h.broadcast <- ev:
		return nil
	default:
		return ErrFeedBacklogged
	}
}

// ClientCount returns the current number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
