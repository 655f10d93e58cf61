package wsadapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic-ai/kbot/internal/channel"
	"github.com/kynetic-ai/kbot/internal/common/logger"
)

var upgrader = websocket.Upgrader{}

type wsServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func newAdapterUnderTest(t *testing.T, url string) *Adapter {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(url, log)
}

func TestAdapterDispatchesInbound(t *testing.T) {
	srv := newWSServer(t)
	a := newAdapterUnderTest(t, srv.wsURL())

	inbound := make(chan channel.InboundMessage, 1)
	a.OnMessage(func(msg channel.InboundMessage) {
		inbound <- msg
	})

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	peer := srv.conn(t)
	require.NoError(t, peer.WriteJSON(map[string]string{
		"channel": "general",
		"kind":    "group",
		"sender":  "alice",
		"text":    "hello bot",
	}))

	select {
	case msg := <-inbound:
		assert.Equal(t, "websocket", msg.Platform)
		assert.Equal(t, "general", msg.Channel)
		assert.Equal(t, "group", msg.Kind)
		assert.Equal(t, "alice", msg.Sender)
		assert.Equal(t, "hello bot", msg.Text)
	case <-time.After(time.Second):
		t.Fatal("inbound message not dispatched")
	}
}

func TestAdapterDefaultsKindToDM(t *testing.T) {
	srv := newWSServer(t)
	a := newAdapterUnderTest(t, srv.wsURL())

	inbound := make(chan channel.InboundMessage, 1)
	a.OnMessage(func(msg channel.InboundMessage) { inbound <- msg })

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	peer := srv.conn(t)
	require.NoError(t, peer.WriteJSON(map[string]string{
		"channel": "u1", "sender": "alice", "text": "hi",
	}))

	select {
	case msg := <-inbound:
		assert.Equal(t, "dm", msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("inbound message not dispatched")
	}
}

func TestAdapterSendMessage(t *testing.T) {
	srv := newWSServer(t)
	a := newAdapterUnderTest(t, srv.wsURL())

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	peer := srv.conn(t)
	require.NoError(t, a.SendMessage(context.Background(), "general", "response text"))

	var frame map[string]interface{}
	require.NoError(t, peer.ReadJSON(&frame))
	assert.Equal(t, "general", frame["channel"])
	assert.Equal(t, "response text", frame["text"])
}

func TestAdapterSendTyping(t *testing.T) {
	srv := newWSServer(t)
	a := newAdapterUnderTest(t, srv.wsURL())

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	peer := srv.conn(t)
	require.NoError(t, a.SendTyping(context.Background(), "general"))

	var frame map[string]interface{}
	require.NoError(t, peer.ReadJSON(&frame))
	assert.Equal(t, "typing", frame["type"])
	assert.Equal(t, "general", frame["channel"])
}

func TestAdapterSendTracked(t *testing.T) {
	srv := newWSServer(t)
	a := newAdapterUnderTest(t, srv.wsURL())

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	peer := srv.conn(t)
	require.NoError(t, a.SendTracked(context.Background(), "general", "msg-1", "partial text"))

	var frame map[string]interface{}
	require.NoError(t, peer.ReadJSON(&frame))
	assert.Equal(t, "general", frame["channel"])
	assert.Equal(t, "msg-1", frame["message_id"])
	assert.Equal(t, "partial text", frame["text"])
}

func TestAdapterEditMessage(t *testing.T) {
	srv := newWSServer(t)
	a := newAdapterUnderTest(t, srv.wsURL())

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	peer := srv.conn(t)
	require.NoError(t, a.EditMessage(context.Background(), "general", "msg-1", "longer partial text"))

	var frame map[string]interface{}
	require.NoError(t, peer.ReadJSON(&frame))
	assert.Equal(t, "edit", frame["type"])
	assert.Equal(t, "msg-1", frame["message_id"])
	assert.Equal(t, "longer partial text", frame["text"])
}

func TestAdapterSendWithoutStart(t *testing.T) {
	a := newAdapterUnderTest(t, "ws://127.0.0.1:1/ws")
	err := a.SendMessage(context.Background(), "general", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func TestAdapterStartFailsOnBadEndpoint(t *testing.T) {
	a := newAdapterUnderTest(t, "ws://127.0.0.1:1/ws")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, a.Start(ctx))
}

func TestAdapterStopIdempotent(t *testing.T) {
	srv := newWSServer(t)
	a := newAdapterUnderTest(t, srv.wsURL())

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()))
}

func TestAdapterWriteFailureIsTransient(t *testing.T) {
	srv := newWSServer(t)
	a := newAdapterUnderTest(t, srv.wsURL())

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	peer := srv.conn(t)
	_ = peer.Close()

	// The first write may still land in the OS buffer; keep writing
	// until the broken pipe surfaces.
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = a.SendMessage(context.Background(), "general", "text")
		time.Sleep(10 * time.Millisecond)
	}
	require.Error(t, err)
	assert.True(t, channel.IsTransient(err))
}
