// Package protocol defines the agent protocol surface spoken over the
// jsonrpc connection: method names, request/response payloads and the
// session/update notification union.
package protocol

// Method names. Requests flow runtime -> agent; session/update is a
// notification flowing agent -> runtime.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
	MethodSessionUpdate = "session/update"
)

// ProtocolVersion is the protocol revision this runtime speaks.
const ProtocolVersion = 1

// InitializeRequest is sent once after the agent process starts.
type InitializeRequest struct {
	ProtocolVersion int                `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"clientCapabilities,omitempty"`
}

// ClientCapabilities advertises what the runtime can handle.
type ClientCapabilities struct {
	Streaming bool `json:"streaming,omitempty"`
}

// InitializeResponse reports the agent's protocol version and features.
type InitializeResponse struct {
	ProtocolVersion int               `json:"protocolVersion"`
	Capabilities    AgentCapabilities `json:"agentCapabilities,omitempty"`
}

// AgentCapabilities advertises what the agent can do.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

// NewSessionRequest asks the agent to open a fresh session.
type NewSessionRequest struct {
	Cwd string `json:"cwd,omitempty"`
}

// NewSessionResponse carries the agent-assigned session id.
type NewSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// PromptRequest submits a user turn to an open session.
type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// Stop reasons returned by session/prompt.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonMaxTokens = "max_tokens"
	StopReasonRefusal   = "refusal"
)

// PromptResponse reports why the turn ended.
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

// CancelNotification aborts the in-flight prompt of a session.
type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is a piece of prompt or message content. Only text blocks
// are produced by this runtime; unknown types pass through untouched.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// SessionNotification is the params payload of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}
