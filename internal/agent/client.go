package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/pkg/acp/jsonrpc"
	"github.com/kynetic-ai/kbot/pkg/acp/protocol"
)

// UpdateHandler receives session/update notifications from the agent.
type UpdateHandler func(n protocol.SessionNotification)

// Client is the typed protocol client over a JSON-RPC connection.
type Client struct {
	conn   *jsonrpc.Conn
	logger *logger.Logger
}

// NewClient wraps a connection and installs the notification dispatch.
// The update handler runs on the connection's dispatch goroutines;
// handlers must not block.
func NewClient(conn *jsonrpc.Conn, log *logger.Logger, onUpdate UpdateHandler) *Client {
	c := &Client{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "acp-client")),
	}

	conn.OnNotification(func(method string, params json.RawMessage) {
		if method != protocol.MethodSessionUpdate {
			c.logger.Debug("ignoring notification", zap.String("method", method))
			return
		}
		var n protocol.SessionNotification
		if err := json.Unmarshal(params, &n); err != nil {
			c.logger.Warn("malformed session update", zap.Error(err))
			return
		}
		if onUpdate != nil {
			onUpdate(n)
		}
	})
	return c
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResponse, error) {
	result, err := c.conn.Call(ctx, protocol.MethodInitialize, protocol.InitializeRequest{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    protocol.ClientCapabilities{Streaming: true},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	var resp protocol.InitializeResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("malformed initialize response: %w", err)
	}
	return &resp, nil
}

// NewSession asks the agent for a fresh session id.
func (c *Client) NewSession(ctx context.Context, cwd string) (string, error) {
	result, err := c.conn.Call(ctx, protocol.MethodSessionNew, protocol.NewSessionRequest{Cwd: cwd})
	if err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}
	var resp protocol.NewSessionResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("malformed session/new response: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("agent returned empty session id")
	}
	return resp.SessionID, nil
}

// Prompt submits a user turn and blocks until the agent finishes it.
// Streaming output arrives through the update handler while this call
// is in flight.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (*protocol.PromptResponse, error) {
	result, err := c.conn.Call(ctx, protocol.MethodSessionPrompt, protocol.PromptRequest{
		SessionID: sessionID,
		Prompt:    []protocol.ContentBlock{protocol.TextBlock(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("session/prompt failed: %w", err)
	}
	var resp protocol.PromptResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("malformed session/prompt response: %w", err)
	}
	return &resp, nil
}

// Cancel aborts the in-flight prompt of a session. Fire and forget.
func (c *Client) Cancel(sessionID string) error {
	return c.conn.Notify(protocol.MethodSessionCancel, protocol.CancelNotification{SessionID: sessionID})
}
