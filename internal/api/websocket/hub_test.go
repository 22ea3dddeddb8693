package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startHub(t *testing.T) (*Hub, string, context.CancelFunc) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

type wsReader struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []Message
}

func connect(t *testing.T, url string) *wsReader {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	r := &wsReader{t: t, conn: conn}
	hello := r.next()
	require.Equal(t, MessageTypeHello, hello.Type)
	return r
}

func (r *wsReader) next() Message {
	r.t.Helper()
	for len(r.pending) == 0 {
		r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := r.conn.ReadMessage()
		require.NoError(r.t, err)
		msgs, err := DecodeMessages(data)
		require.NoError(r.t, err)
		r.pending = append(r.pending, msgs...)
	}
	msg := r.pending[0]
	r.pending = r.pending[1:]
	return msg
}

func (r *wsReader) send(msg ClientMessage) {
	r.t.Helper()
	require.NoError(r.t, r.conn.WriteJSON(msg))
}

func changed(slaveID uint8, address uint16) events.Event {
	e := events.New(events.TypeRegisterChanged)
	e.SlaveID = slaveID
	e.Address = address
	e.Values = []uint16{1}
	return e
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub, url, _ := startHub(t)
	c := connect(t, url)
	require.Equal(t, 1, hub.GetClientCount())

	hub.Consume(changed(3, 40001))

	msg := c.next()
	assert.Equal(t, MessageTypeEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, uint8(3), msg.Event.SlaveID)
	assert.Equal(t, uint16(40001), msg.Event.Address)
	assert.Equal(t, events.TypeRegisterChanged, msg.Event.Type)
}

func TestHubSubscribeFilter(t *testing.T) {
	hub, url, _ := startHub(t)
	c := connect(t, url)

	c.send(ClientMessage{Type: MessageTypeSubscribe, SlaveIDs: []int{2, 2, 5}})
	ack := c.next()
	require.Equal(t, MessageTypeSubscribed, ack.Type)
	assert.Equal(t, []int{2, 5}, ack.SlaveIDs)

	hub.Consume(changed(1, 1))
	hub.Consume(changed(2, 2))

	msg := c.next()
	require.NotNil(t, msg.Event)
	assert.Equal(t, uint8(2), msg.Event.SlaveID)

	// events without a device pass every filter
	hub.Consume(events.New(events.TypeScenarioApplied))
	msg = c.next()
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.TypeScenarioApplied, msg.Event.Type)

	c.send(ClientMessage{Type: MessageTypeUnsubscribe})
	require.Equal(t, MessageTypeSubscribed, c.next().Type)

	hub.Consume(changed(1, 7))
	msg = c.next()
	require.NotNil(t, msg.Event)
	assert.Equal(t, uint8(1), msg.Event.SlaveID)
}

func TestHubRejectsBadMessages(t *testing.T) {
	_, url, _ := startHub(t)
	c := connect(t, url)

	c.send(ClientMessage{Type: MessageTypeSubscribe, SlaveIDs: []int{0}})
	msg := c.next()
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Contains(t, msg.Error, "invalid slave id")

	c.send(ClientMessage{Type: "dance"})
	msg = c.next()
	assert.Equal(t, MessageTypeError, msg.Type)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, MessageTypeError, c.next().Type)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, url, cancel := startHub(t)
	c := connect(t, url)

	cancel()

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.GetClientCount())

	// new connections are refused once the hub is gone
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestDecodeMessages(t *testing.T) {
	msgs, err := DecodeMessages([]byte(`{"type":"hello"}` + "\n" + `{"type":"error","error":"x"}` + "\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageTypeHello, msgs[0].Type)
	assert.Equal(t, "x", msgs[1].Error)

	_, err = DecodeMessages([]byte("nope"))
	assert.Error(t, err)
}

func TestStreamReceivesFilteredEvents(t *testing.T) {
	hub, url, _ := startHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := Dial(ctx, url, nil, []int{4})
	require.NoError(t, err)
	defer stream.Close()

	hub.Consume(changed(1, 10))
	hub.Consume(changed(4, 40001))

	select {
	case e := <-stream.Events():
		assert.Equal(t, uint8(4), e.SlaveID)
		assert.Equal(t, uint16(40001), e.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestStreamRejectedSubscription(t *testing.T) {
	_, url, _ := startHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, url, nil, []int{300})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid slave id")
}

func TestStreamEndsWithHub(t *testing.T) {
	_, url, cancel := startHub(t)

	stream, err := Dial(context.Background(), url, nil, nil)
	require.NoError(t, err)
	defer stream.Close()

	cancel()

	select {
	case _, ok := <-stream.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
	assert.Error(t, stream.Err())
}
