package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/gorilla/websocket"
)

// Stream is the client side of the live feed.
type Stream struct {
	conn   *websocket.Conn
	events chan events.Event

	mu   sync.Mutex
	err  error
	once sync.Once
}

// Dial connects to a live feed at url (ws:// or wss://) and subscribes to
// slaveIDs, or to every device when slaveIDs is empty.
func Dial(ctx context.Context, url string, header http.Header, slaveIDs []int) (*Stream, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s", url, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	s := &Stream{conn: conn, events: make(chan events.Event, 256)}
	if len(slaveIDs) > 0 {
		if err := s.subscribe(ctx, slaveIDs); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	go s.readLoop()
	return s, nil
}

// subscribe waits for the acknowledgement. Events that arrive before it
// predate the filter and are dropped.
func (s *Stream) subscribe(ctx context.Context, slaveIDs []int) error {
	if err := s.conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, SlaveIDs: slaveIDs}); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(pongWait)
	}
	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		msgs, err := DecodeMessages(data)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			switch msg.Type {
			case MessageTypeSubscribed:
				return nil
			case MessageTypeError:
				return errors.New(msg.Error)
			}
		}
	}
}

func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		msgs, err := DecodeMessages(data)
		if err != nil {
			s.setErr(err)
			return
		}
		for _, msg := range msgs {
			switch msg.Type {
			case MessageTypeEvent:
				if msg.Event != nil {
					s.events <- *msg.Event
				}
			case MessageTypeError:
				s.setErr(fmt.Errorf("server: %s", msg.Error))
			}
		}
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Events is closed when the connection ends.
func (s *Stream) Events() <-chan events.Event { return s.events }

// Err reports why the stream ended, or the first error the server sent.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}
