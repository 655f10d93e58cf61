package reconstruct

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kynetic-ai/kbot/internal/common/errors"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/store/conversation"
	"github.com/kynetic-ai/kbot/internal/store/session"
)

// fakeReader serves canned events honoring the requested range.
type fakeReader struct {
	events []session.Event
}

func (f *fakeReader) ReadEventsSince(ctx context.Context, id string, since, until int) ([]session.Event, error) {
	var out []session.Event
	for _, e := range f.events {
		if e.Seq < since {
			continue
		}
		if until >= 0 && e.Seq > until {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func chunk(seq int, text string) session.Event {
	return session.Event{
		Seq:       seq,
		Type:      session.EventMessageChunk,
		SessionID: "sess_1",
		Data:      map[string]interface{}{"content": text},
	}
}

func updateChunk(seq int, text string) session.Event {
	return session.Event{
		Seq:       seq,
		Type:      session.EventSessionUpdate,
		SessionID: "sess_1",
		Data: map[string]interface{}{
			"payload": map[string]interface{}{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]interface{}{"type": "text", "text": text},
			},
		},
	}
}

func newTestReconstructor(t *testing.T, events []session.Event, opts ...Option) *Reconstructor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(&fakeReader{events: events}, log, opts...)
}

func TestReconstructConcatenatesChunks(t *testing.T) {
	r := newTestReconstructor(t, []session.Event{
		{Seq: 0, Type: session.EventPromptSent, SessionID: "sess_1", Data: map[string]interface{}{"content": "What is Go? "}},
		chunk(1, "Go is "),
		updateChunk(2, "a programming "),
		updateChunk(3, "language."),
	})

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 3})
	require.NoError(t, err)
	assert.Equal(t, "What is Go? Go is a programming language.", res.Content)
	assert.False(t, res.HasGaps)
	assert.Equal(t, 4, res.EventsRead)
	assert.Zero(t, res.EventsMissing)
}

func TestReconstructValidation(t *testing.T) {
	r := newTestReconstructor(t, nil)
	ctx := context.Background()

	_, err := r.ReconstructContent(ctx, "", conversation.EventRange{StartSeq: 0, EndSeq: 1})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "session_id", appErr.Field)

	_, err = r.ReconstructContent(ctx, "sess_1", conversation.EventRange{StartSeq: 5, EndSeq: 2})
	require.Error(t, err)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "event_range", appErr.Field)
}

func TestReconstructGapMarkers(t *testing.T) {
	r := newTestReconstructor(t, []session.Event{
		chunk(0, "start"),
		// 1 and 2 missing
		chunk(3, " end"),
	})

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 3})
	require.NoError(t, err)
	assert.True(t, res.HasGaps)
	assert.Equal(t, 2, res.EventsMissing)
	assert.Contains(t, res.Content, "[gap: events 1-2 missing]")
	assert.True(t, strings.HasPrefix(res.Content, "start"))
	assert.True(t, strings.HasSuffix(res.Content, " end"))
}

func TestReconstructTrailingGap(t *testing.T) {
	r := newTestReconstructor(t, []session.Event{chunk(0, "only")})

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 2})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "[gap: events 1-2 missing]")
}

func TestReconstructAllMissing(t *testing.T) {
	r := newTestReconstructor(t, nil)

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 10, EndSeq: 12})
	require.NoError(t, err)
	assert.Equal(t, "[gap: all events missing]", res.Content)
	assert.True(t, res.HasGaps)
	assert.Equal(t, 3, res.EventsMissing)
	assert.Zero(t, res.EventsRead)
}

func TestReconstructToolCallPairing(t *testing.T) {
	r := newTestReconstructor(t, []session.Event{
		chunk(0, "Reading the file."),
		{
			Seq: 1, Type: session.EventSessionUpdate, SessionID: "sess_1",
			Data: map[string]interface{}{
				"payload": map[string]interface{}{
					"sessionUpdate": "tool_call",
					"toolCallId":    "tc_1",
					"kind":          "read",
					"rawInput":      map[string]interface{}{"path": "/src/main.go"},
				},
			},
		},
		{
			Seq: 2, Type: session.EventSessionUpdate, SessionID: "sess_1",
			Data: map[string]interface{}{
				"payload": map[string]interface{}{
					"sessionUpdate": "tool_call_update",
					"toolCallId":    "tc_1",
					"status":        "completed",
				},
			},
		},
	})

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 2})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "[tool: read | /src/main.go | success]")
}

func TestReconstructToolFailureDetail(t *testing.T) {
	r := newTestReconstructor(t, []session.Event{
		{
			Seq: 0, Type: session.EventToolCall, SessionID: "sess_1",
			Data: map[string]interface{}{
				"call_id": "c1",
				"tool":    "bash",
				"input":   map[string]interface{}{"command": "make test"},
			},
		},
		{
			Seq: 1, Type: session.EventToolResult, SessionID: "sess_1",
			Data: map[string]interface{}{
				"call_id": "c1",
				"status":  "failed",
				"output":  "exit status 2",
			},
		},
	})

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 1})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "[tool: bash | make test | failure | exit status 2]")
}

func TestReconstructToolPairingFallsBackToTraceID(t *testing.T) {
	r := newTestReconstructor(t, []session.Event{
		{
			Seq: 0, Type: session.EventToolCall, SessionID: "sess_1", TraceID: "tr_9",
			Data: map[string]interface{}{"tool": "fetch", "input": "https://example.com"},
		},
		{
			Seq: 1, Type: session.EventToolResult, SessionID: "sess_1", TraceID: "tr_9",
			Data: map[string]interface{}{"status": "completed"},
		},
	})

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 1})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "[tool: fetch | https://example.com | success]")
}

func TestReconstructPendingTool(t *testing.T) {
	r := newTestReconstructor(t, []session.Event{
		{
			Seq: 0, Type: session.EventToolCall, SessionID: "sess_1",
			Data: map[string]interface{}{"call_id": "c1", "tool": "bash", "input": "sleep 60"},
		},
	})

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 0})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "[tool: bash | sleep 60 | pending]")
}

func TestReconstructToolSummariesDisabled(t *testing.T) {
	r := newTestReconstructor(t, []session.Event{
		chunk(0, "text"),
		{
			Seq: 1, Type: session.EventToolCall, SessionID: "sess_1",
			Data: map[string]interface{}{"call_id": "c1", "tool": "bash", "input": "ls"},
		},
	}, WithoutToolSummaries())

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 1})
	require.NoError(t, err)
	assert.Equal(t, "text", res.Content)
}

func TestTruncationPreservesFilename(t *testing.T) {
	longPath := "/very/long/prefix/" + strings.Repeat("nested/", 20) + "target.go"
	r := newTestReconstructor(t, []session.Event{
		{
			Seq: 0, Type: session.EventToolCall, SessionID: "sess_1",
			Data: map[string]interface{}{"call_id": "c1", "tool": "read", "input": map[string]interface{}{"path": longPath}},
		},
	}, WithTruncateBudget(24))

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 0})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "target.go")
	assert.Contains(t, res.Content, "[tool: read | ...")
}

func TestTruncationKeepsCommandHead(t *testing.T) {
	longCmd := "make test " + strings.Repeat("-v ", 40)
	r := newTestReconstructor(t, []session.Event{
		{
			Seq: 0, Type: session.EventToolCall, SessionID: "sess_1",
			Data: map[string]interface{}{"call_id": "c1", "tool": "bash", "input": map[string]interface{}{"command": longCmd}},
		},
	}, WithTruncateBudget(16))

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 0})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "make test")
	assert.NotContains(t, res.Content, longCmd)
}

func TestReconstructIgnoresUnknownUpdateKinds(t *testing.T) {
	r := newTestReconstructor(t, []session.Event{
		chunk(0, "visible"),
		{
			Seq: 1, Type: session.EventSessionUpdate, SessionID: "sess_1",
			Data: map[string]interface{}{
				"payload": map[string]interface{}{"sessionUpdate": "plan", "entries": []interface{}{}},
			},
		},
		{Seq: 2, Type: session.EventSessionStart, SessionID: "sess_1"},
	})

	res, err := r.ReconstructContent(context.Background(), "sess_1", conversation.EventRange{StartSeq: 0, EndSeq: 2})
	require.NoError(t, err)
	assert.Equal(t, "visible", res.Content)
	assert.Equal(t, 3, res.EventsRead)
}
