package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Requests are authenticated before the upgrade.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu sync.RWMutex
	// nil means every device
	filter map[uint8]bool
}

// wants reports whether events of slaveID reach this client. Events not
// tied to a device always do.
func (c *Client) wants(slaveID uint8) bool {
	if slaveID == 0 {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter == nil || c.filter[slaveID]
}

func (c *Client) subscribe(ids []int) ([]int, error) {
	if len(ids) == 0 {
		c.mu.Lock()
		c.filter = nil
		c.mu.Unlock()
		return nil, nil
	}
	filter := make(map[uint8]bool, len(ids))
	for _, id := range ids {
		if !devices.ValidSlaveID(id) {
			return nil, fmt.Errorf("invalid slave id %d", id)
		}
		filter[uint8(id)] = true
	}
	out := make([]int, 0, len(filter))
	for id := range filter {
		out = append(out, int(id))
	}
	sort.Ints(out)

	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()
	return out, nil
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.hub.reply(c, NewErrorMessage("malformed message"))
		return
	}

	c.logger.Debug("Received client message",
		zap.String("remote_addr", c.conn.RemoteAddr().String()),
		zap.String("type", string(msg.Type)))

	switch msg.Type {
	case MessageTypeSubscribe:
		ids, err := c.subscribe(msg.SlaveIDs)
		if err != nil {
			c.hub.reply(c, NewErrorMessage(err.Error()))
			return
		}
		ack := NewMessage(MessageTypeSubscribed)
		ack.SlaveIDs = ids
		c.hub.reply(c, ack)
	case MessageTypeUnsubscribe:
		c.subscribe(nil)
		c.hub.reply(c, NewMessage(MessageTypeSubscribed))
	default:
		c.hub.reply(c, NewErrorMessage(fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued messages into current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	if !hub.join(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
