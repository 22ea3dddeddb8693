package websocket

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/events"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Server to client
	MessageTypeHello      MessageType = "hello"
	MessageTypeEvent      MessageType = "event"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"

	// Client to server
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
)

// Message is one server to client message. A single WebSocket frame may
// carry several messages separated by newlines.
type Message struct {
	Type      MessageType   `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Event     *events.Event `json:"event,omitempty"`
	SlaveIDs  []int         `json:"slave_ids,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ClientMessage is sent by clients. An empty SlaveIDs list in a subscribe
// message selects every device.
type ClientMessage struct {
	Type     MessageType `json:"type"`
	SlaveIDs []int       `json:"slave_ids,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
	}
}

func NewEventMessage(e events.Event) Message {
	msg := NewMessage(MessageTypeEvent)
	msg.Event = &e
	return msg
}

func NewErrorMessage(reason string) Message {
	msg := NewMessage(MessageTypeError)
	msg.Error = reason
	return msg
}

// DecodeMessages splits a frame into its messages.
func DecodeMessages(frame []byte) ([]Message, error) {
	var out []Message
	for _, line := range bytes.Split(frame, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}
