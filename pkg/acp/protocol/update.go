package protocol

import (
	"encoding/json"
	"fmt"
)

// Session update discriminator values carried in the "sessionUpdate" field.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// SessionUpdate is a tagged union: exactly one member is non-nil. Updates
// with an unknown discriminator decode with all members nil and the raw
// type preserved in Kind, so callers can skip them without failing the
// whole notification.
type SessionUpdate struct {
	Kind string

	AgentMessageChunk *AgentMessageChunk
	AgentThoughtChunk *AgentThoughtChunk
	ToolCall          *ToolCall
	ToolCallUpdate    *ToolCallUpdate
	Plan              *Plan
}

// AgentMessageChunk streams a piece of the agent's reply.
type AgentMessageChunk struct {
	Content ContentBlock `json:"content"`
}

// AgentThoughtChunk streams a piece of the agent's reasoning.
type AgentThoughtChunk struct {
	Content ContentBlock `json:"content"`
}

// Tool call status values.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "in_progress"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
)

// ToolCall announces a tool invocation.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// ToolCallUpdate reports progress or completion of an announced tool call.
type ToolCallUpdate struct {
	ToolCallID string          `json:"toolCallId"`
	Status     string          `json:"status,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
}

// Plan reports the agent's current plan entries.
type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

// PlanEntry is a single step of an agent plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	switch {
	case u.AgentMessageChunk != nil:
		return marshalUpdate(UpdateAgentMessageChunk, u.AgentMessageChunk)
	case u.AgentThoughtChunk != nil:
		return marshalUpdate(UpdateAgentThoughtChunk, u.AgentThoughtChunk)
	case u.ToolCall != nil:
		return marshalUpdate(UpdateToolCall, u.ToolCall)
	case u.ToolCallUpdate != nil:
		return marshalUpdate(UpdateToolCallUpdate, u.ToolCallUpdate)
	case u.Plan != nil:
		return marshalUpdate(UpdatePlan, u.Plan)
	default:
		return nil, fmt.Errorf("session update has no member set")
	}
}

func marshalUpdate(kind string, member interface{}) ([]byte, error) {
	body, err := json.Marshal(member)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	m["sessionUpdate"] = json.RawMessage(`"` + kind + `"`)
	return json.Marshal(m)
}

func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var tag struct {
		Kind string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}

	*u = SessionUpdate{Kind: tag.Kind}
	switch tag.Kind {
	case UpdateAgentMessageChunk:
		u.AgentMessageChunk = &AgentMessageChunk{}
		return json.Unmarshal(data, u.AgentMessageChunk)
	case UpdateAgentThoughtChunk:
		u.AgentThoughtChunk = &AgentThoughtChunk{}
		return json.Unmarshal(data, u.AgentThoughtChunk)
	case UpdateToolCall:
		u.ToolCall = &ToolCall{}
		return json.Unmarshal(data, u.ToolCall)
	case UpdateToolCallUpdate:
		u.ToolCallUpdate = &ToolCallUpdate{}
		return json.Unmarshal(data, u.ToolCallUpdate)
	case UpdatePlan:
		u.Plan = &Plan{}
		return json.Unmarshal(data, u.Plan)
	default:
		// Unknown update types are skipped by callers, not errors.
		return nil
	}
}

// MessageChunkUpdate builds an agent_message_chunk update.
func MessageChunkUpdate(text string) SessionUpdate {
	return SessionUpdate{
		Kind:              UpdateAgentMessageChunk,
		AgentMessageChunk: &AgentMessageChunk{Content: TextBlock(text)},
	}
}
