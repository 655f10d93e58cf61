package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionUpdateUnmarshalDispatch(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, u SessionUpdate)
	}{
		{
			name:  "message chunk",
			input: `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello"}}`,
			check: func(t *testing.T, u SessionUpdate) {
				require.NotNil(t, u.AgentMessageChunk)
				assert.Equal(t, "hello", u.AgentMessageChunk.Content.Text)
			},
		},
		{
			name:  "tool call",
			input: `{"sessionUpdate":"tool_call","toolCallId":"tc_1","kind":"read","status":"pending","rawInput":{"path":"/tmp/a.txt"}}`,
			check: func(t *testing.T, u SessionUpdate) {
				require.NotNil(t, u.ToolCall)
				assert.Equal(t, "tc_1", u.ToolCall.ToolCallID)
				assert.Equal(t, "read", u.ToolCall.Kind)
			},
		},
		{
			name:  "tool call update",
			input: `{"sessionUpdate":"tool_call_update","toolCallId":"tc_1","status":"completed"}`,
			check: func(t *testing.T, u SessionUpdate) {
				require.NotNil(t, u.ToolCallUpdate)
				assert.Equal(t, ToolStatusCompleted, u.ToolCallUpdate.Status)
			},
		},
		{
			name:  "unknown kind keeps tag without failing",
			input: `{"sessionUpdate":"available_commands_update","commands":[]}`,
			check: func(t *testing.T, u SessionUpdate) {
				assert.Equal(t, "available_commands_update", u.Kind)
				assert.Nil(t, u.AgentMessageChunk)
				assert.Nil(t, u.ToolCall)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u SessionUpdate
			require.NoError(t, json.Unmarshal([]byte(tt.input), &u))
			tt.check(t, u)
		})
	}
}

func TestSessionUpdateMarshalCarriesDiscriminator(t *testing.T) {
	u := MessageChunkUpdate("hi")
	data, err := json.Marshal(u)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	assert.JSONEq(t, `"agent_message_chunk"`, string(m["sessionUpdate"]))

	var back SessionUpdate
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.AgentMessageChunk)
	assert.Equal(t, "hi", back.AgentMessageChunk.Content.Text)
}

func TestSessionUpdateMarshalRejectsEmpty(t *testing.T) {
	_, err := json.Marshal(SessionUpdate{})
	assert.Error(t, err)
}
