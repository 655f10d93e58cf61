// Package session persists agent sessions: YAML metadata next to an
// append-only JSONL event log, one directory per session.
package session

// Session statuses. A session starts active and moves exactly once to
// completed or abandoned.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// Event types appearing in a session's event log.
const (
	EventPromptSent    = "prompt.sent"
	EventMessageChunk  = "message.chunk"
	EventSessionUpdate = "session.update"
	EventToolCall      = "tool.call"
	EventToolResult    = "tool.result"
	EventSessionStart  = "session.start"
	EventSessionEnd    = "session.end"
)

// Session is the metadata stored in session.yaml.
type Session struct {
	ID             string `yaml:"id"`
	AgentType      string `yaml:"agent_type"`
	ConversationID string `yaml:"conversation_id,omitempty"`
	SessionKey     string `yaml:"session_key,omitempty"`
	Status         string `yaml:"status"`
	StartedAt      int64  `yaml:"started_at"`          // ms since epoch
	EndedAt        int64  `yaml:"ended_at,omitempty"`  // ms since epoch, set on completion
}

// Event is one line of events.jsonl.
type Event struct {
	TS        int64                  `json:"ts"`
	Seq       int                    `json:"seq"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// CreateInput describes a session to create. ID is assigned when empty.
type CreateInput struct {
	ID             string
	AgentType      string
	ConversationID string
	SessionKey     string
}

// AppendEventInput describes an event to append. TS defaults to now;
// Seq is always assigned by the store.
type AppendEventInput struct {
	SessionID string
	Type      string
	TraceID   string
	TS        int64
	Data      map[string]interface{}
}

// Filter narrows ListSessions. Zero values match everything.
type Filter struct {
	Status     string
	AgentType  string
	SessionKey string
}

func (f Filter) matches(s *Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.AgentType != "" && s.AgentType != f.AgentType {
		return false
	}
	if f.SessionKey != "" && s.SessionKey != f.SessionKey {
		return false
	}
	return true
}

// ReadStats counts lines a tolerant read had to skip.
type ReadStats struct {
	ParseFailures  int
	SchemaFailures int
}

func (r ReadStats) total() int { return r.ParseFailures + r.SchemaFailures }

func validEventType(t string) bool {
	switch t {
	case EventPromptSent, EventMessageChunk, EventSessionUpdate,
		EventToolCall, EventToolResult, EventSessionStart, EventSessionEnd:
		return true
	}
	return false
}

func validStatus(s string) bool {
	switch s {
	case StatusActive, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}
