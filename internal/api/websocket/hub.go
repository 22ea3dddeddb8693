// Package websocket streams runtime events to GUI clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"go.uber.org/zap"
)

type direct struct {
	client *Client
	msg    Message
}

// Hub maintains active WebSocket clients and broadcasts messages. Only the
// Run goroutine writes to or closes a client's send channel.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Replies to a single client
	replies chan direct

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	mu      sync.RWMutex
	dropped atomic.Uint64

	logger *zap.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		replies:    make(chan direct, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
}

// Run starts the hub's main event loop. It disconnects every client when
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.conn.RemoteAddr().String()),
				zap.Int("total_clients", total))
			h.deliver(client, NewMessage(MessageTypeHello))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.conn.RemoteAddr().String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case r := <-h.replies:
			h.mu.RLock()
			_, ok := h.clients[r.client]
			h.mu.RUnlock()
			if ok {
				h.deliver(r.client, r.msg)
			}

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}

			var slaveID uint8
			if message.Event != nil {
				slaveID = message.Event.SlaveID
			}

			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.wants(slaveID) {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range targets {
				h.send(client, data)
			}
		}
	}
}

func (h *Hub) deliver(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	h.send(client, data)
}

// send must only be called from Run.
func (h *Hub) send(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		// Client send channel full - unregister slow/dead client
		h.mu.Lock()
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
		h.mu.Unlock()
		h.logger.Warn("Client send buffer full, unregistering",
			zap.String("remote_addr", client.conn.RemoteAddr().String()))
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		h.logger.Debug("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// Consume makes the hub an event sink.
func (h *Hub) Consume(e events.Event) {
	h.Broadcast(NewEventMessage(e))
}

func (h *Hub) reply(client *Client, msg Message) {
	select {
	case h.replies <- direct{client: client, msg: msg}:
	case <-h.done:
	}
}

func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts broadcasts lost to a full queue.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
