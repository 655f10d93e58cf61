// Package conversation persists conversations: YAML metadata, an
// append-only JSONL turn log and the indexes that make session-key lookup
// and message-id idempotency O(1).
package conversation

// Conversation statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is the metadata stored in conversation.yaml.
type Conversation struct {
	ID         string `yaml:"id"`
	SessionKey string `yaml:"session_key"`
	Status     string `yaml:"status"`
	CreatedAt  int64  `yaml:"created_at"` // ms since epoch
	UpdatedAt  int64  `yaml:"updated_at"` // ms since epoch, non-decreasing
	TurnCount  int    `yaml:"turn_count"`
}

// EventRange points at an inclusive span of session events.
type EventRange struct {
	StartSeq int `json:"start_seq"`
	EndSeq   int `json:"end_seq"`
}

// Turn is one line of turns.jsonl. Turns carry no content: the text is
// reconstructed from the referenced session's events.
type Turn struct {
	TS         int64                  `json:"ts"`
	Seq        int                    `json:"seq"`
	Role       string                 `json:"role"`
	SessionID  string                 `json:"session_id"`
	EventRange EventRange             `json:"event_range"`
	MessageID  string                 `json:"message_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// AppendTurnInput describes a turn to append.
type AppendTurnInput struct {
	Role       string
	SessionID  string
	EventRange EventRange
	MessageID  string
	Metadata   map[string]interface{}
	TS         int64
}

// AppendResult reports the stored turn and whether the append was a
// duplicate resolved through the message-id index.
type AppendResult struct {
	Turn         *Turn
	WasDuplicate bool
}

// SessionChecker is the slice of the session store the conversation store
// needs for foreign-key checks. Nil disables the check.
type SessionChecker interface {
	SessionExists(id string) bool
}

func validRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
