// Package wsadapter is the reference channel adapter: a single websocket
// connection carrying line messages in both directions. It doubles as the
// integration surface for local development against a fake platform.
package wsadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/channel"
	"github.com/kynetic-ai/kbot/internal/common/logger"
)

const platformName = "websocket"

// inboundFrame is one message from the platform side.
type inboundFrame struct {
	Channel   string `json:"channel"`
	Kind      string `json:"kind,omitempty"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}

// outboundFrame is one message to the platform side.
type outboundFrame struct {
	Type      string `json:"type,omitempty"` // empty for text, "typing", "edit"
	Channel   string `json:"channel"`
	Text      string `json:"text,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Adapter connects to a websocket endpoint and exchanges JSON frames.
type Adapter struct {
	url    string
	logger *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler channel.MessageHandler
	done    chan struct{}
	wg      sync.WaitGroup

	writeMu sync.Mutex
}

// New creates an adapter for the given websocket URL.
func New(url string, log *logger.Logger) *Adapter {
	return &Adapter{
		url:    url,
		logger: log.WithFields(zap.String("component", "ws-adapter")),
	}
}

// Platform implements channel.Adapter.
func (a *Adapter) Platform() string { return platformName }

// OnMessage implements channel.Adapter.
func (a *Adapter) OnMessage(handler channel.MessageHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

// Start dials the endpoint and begins reading frames.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return fmt.Errorf("adapter already started")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", a.url, err)
	}

	a.conn = conn
	a.done = make(chan struct{})
	a.wg.Add(1)
	go a.readLoop(conn, a.done)

	a.logger.Info("websocket connected", zap.String("url", a.url))
	return nil
}

// Stop closes the connection and waits for the read loop.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	done := a.done
	a.conn = nil
	a.mu.Unlock()

	if conn == nil {
		return nil
	}

	close(done)
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
	a.wg.Wait()

	a.logger.Info("websocket disconnected")
	return nil
}

// SendMessage writes a text frame. Writes are serialized because gorilla
// connections allow one concurrent writer.
func (a *Adapter) SendMessage(ctx context.Context, ch, text string) error {
	// Connection write failures usually mean the socket dropped; worth a
	// retry after reconnect, so writeFrame marks them transient.
	return a.writeFrame(ctx, outboundFrame{Channel: ch, Text: text})
}

// SendTracked implements channel.TrackedSender: a text frame carrying a
// caller-chosen message id so later edit frames can reference it.
func (a *Adapter) SendTracked(ctx context.Context, ch, messageID, text string) error {
	return a.writeFrame(ctx, outboundFrame{Channel: ch, Text: text, MessageID: messageID})
}

// EditMessage implements channel.MessageEditor.
func (a *Adapter) EditMessage(ctx context.Context, ch, messageID, text string) error {
	return a.writeFrame(ctx, outboundFrame{Type: "edit", Channel: ch, Text: text, MessageID: messageID})
}

func (a *Adapter) writeFrame(ctx context.Context, frame outboundFrame) error {
	conn := a.current()
	if conn == nil {
		return fmt.Errorf("adapter not started")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return channel.Transient(err)
	}
	return nil
}

// SendTyping implements channel.TypingSender.
func (a *Adapter) SendTyping(ctx context.Context, ch string) error {
	conn := a.current()
	if conn == nil {
		return fmt.Errorf("adapter not started")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(outboundFrame{Type: "typing", Channel: ch})
}

// Healthy implements channel.HealthChecker with a websocket ping.
func (a *Adapter) Healthy(ctx context.Context) error {
	conn := a.current()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (a *Adapter) current() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *Adapter) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer a.wg.Done()

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-done:
			default:
				a.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if frame.Text == "" || frame.Channel == "" {
			a.logger.Debug("ignoring incomplete frame",
				zap.String("channel", frame.Channel),
				zap.String("sender", frame.Sender))
			continue
		}

		kind := frame.Kind
		if kind == "" {
			kind = "dm"
		}

		a.mu.Lock()
		handler := a.handler
		a.mu.Unlock()
		if handler != nil {
			handler(channel.InboundMessage{
				Platform:  platformName,
				Channel:   frame.Channel,
				Kind:      kind,
				Sender:    frame.Sender,
				Text:      frame.Text,
				MessageID: frame.MessageID,
			})
		}
	}
}
