// Package reconstruct materializes turn content from session event ranges.
// Turns store only pointers; the text a user saw is rebuilt here from the
// chunks and tool activity recorded in the session's event log.
package reconstruct

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/kynetic-ai/kbot/internal/common/errors"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/events/bus"
	"github.com/kynetic-ai/kbot/internal/store/conversation"
	"github.com/kynetic-ai/kbot/internal/store/session"
)

const defaultTruncateBudget = 80

// EventReader is the slice of the session store the reconstructor reads.
type EventReader interface {
	ReadEventsSince(ctx context.Context, id string, since, until int) ([]session.Event, error)
}

// Result is the reconstructed content plus read statistics.
type Result struct {
	Content       string
	HasGaps       bool
	EventsRead    int
	EventsMissing int
}

// Reconstructor rebuilds turn content from session events.
type Reconstructor struct {
	events bus.EventBus
	reader EventReader
	logger *logger.Logger

	summarizeTools bool
	truncateBudget int
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithoutToolSummaries drops tool activity from reconstructed content.
func WithoutToolSummaries() Option {
	return func(r *Reconstructor) { r.summarizeTools = false }
}

// WithTruncateBudget sets the character budget for tool inputs and outputs.
func WithTruncateBudget(n int) Option {
	return func(r *Reconstructor) { r.truncateBudget = n }
}

// WithEventBus publishes reconstruction stats after every call.
func WithEventBus(eventBus bus.EventBus) Option {
	return func(r *Reconstructor) { r.events = eventBus }
}

// New creates a Reconstructor over the given event reader.
func New(reader EventReader, log *logger.Logger, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		reader:         reader,
		logger:         log.WithFields(zap.String("component", "reconstructor")),
		summarizeTools: true,
		truncateBudget: defaultTruncateBudget,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconstructContent rebuilds the content for an inclusive seq range of a
// session's event log. Missing seqs become gap markers in position.
func (r *Reconstructor) ReconstructContent(ctx context.Context, sessionID string, rng conversation.EventRange) (*Result, error) {
	if sessionID == "" {
		return nil, apperrors.Validation("session_id", "session_id is required")
	}
	if rng.EndSeq < rng.StartSeq {
		return nil, apperrors.Validation("event_range",
			fmt.Sprintf("invalid event range [%d,%d]", rng.StartSeq, rng.EndSeq))
	}

	events, err := r.reader.ReadEventsSince(ctx, sessionID, rng.StartSeq, rng.EndSeq)
	if err != nil {
		return nil, err
	}

	bySeq := make(map[int]*session.Event, len(events))
	for i := range events {
		bySeq[events[i].Seq] = &events[i]
	}

	expected := rng.EndSeq - rng.StartSeq + 1
	result := &Result{
		EventsRead:    len(bySeq),
		EventsMissing: expected - len(bySeq),
		HasGaps:       expected > len(bySeq),
	}

	if len(bySeq) == 0 {
		result.Content = "[gap: all events missing]"
		r.report(ctx, sessionID, rng, result)
		return result, nil
	}

	tools := collectToolOutcomes(events)

	var b contentBuilder
	gapStart := -1
	for seq := rng.StartSeq; seq <= rng.EndSeq; seq++ {
		event, ok := bySeq[seq]
		if !ok {
			if gapStart < 0 {
				gapStart = seq
			}
			continue
		}
		if gapStart >= 0 {
			b.marker(gapMarker(gapStart, seq-1))
			gapStart = -1
		}
		r.renderEvent(&b, event, tools)
	}
	if gapStart >= 0 {
		b.marker(gapMarker(gapStart, rng.EndSeq))
	}

	result.Content = b.String()
	r.report(ctx, sessionID, rng, result)
	return result, nil
}

func (r *Reconstructor) renderEvent(b *contentBuilder, event *session.Event, tools map[string]toolOutcome) {
	switch event.Type {
	case session.EventPromptSent, session.EventMessageChunk:
		if text, ok := event.Data["content"].(string); ok {
			b.text(text)
		}

	case session.EventSessionUpdate:
		payload, ok := event.Data["payload"].(map[string]interface{})
		if !ok {
			return
		}
		switch payload["sessionUpdate"] {
		case "agent_message_chunk":
			if content, ok := payload["content"].(map[string]interface{}); ok {
				if text, ok := content["text"].(string); ok {
					b.text(text)
				}
			}
		case "tool_call":
			if !r.summarizeTools {
				return
			}
			id, _ := payload["toolCallId"].(string)
			b.marker(r.renderTool(payloadToolKind(payload), payload, tools[toolKey(id, event.TraceID)]))
		}
		// other update kinds carry no user-visible content

	case session.EventToolCall:
		if !r.summarizeTools {
			return
		}
		id, _ := event.Data["call_id"].(string)
		b.marker(r.renderTool(dataToolKind(event.Data), event.Data, tools[toolKey(id, event.TraceID)]))
	}
	// tool.result and remaining types render nothing on their own
}

// renderTool renders "[tool: <kind> | <input> | <status> [| <detail>]]".
func (r *Reconstructor) renderTool(kind string, source map[string]interface{}, outcome toolOutcome) string {
	input := r.truncateInput(toolInput(source))

	status := "pending"
	switch outcome.status {
	case "completed", "success":
		status = "success"
	case "failed", "error", "failure":
		status = "failure"
	}

	parts := []string{kind, input, status}
	if outcome.detail != "" {
		parts = append(parts, truncateTail(outcome.detail, r.truncateBudget))
	}
	return "[tool: " + strings.Join(parts, " | ") + "]"
}

// truncateInput keeps the filename for path-like inputs and the head for
// everything else.
func (r *Reconstructor) truncateInput(input string) string {
	if len(input) <= r.truncateBudget {
		return input
	}
	if strings.Contains(input, "/") && !strings.ContainsAny(input, " \t") {
		return truncateHead(input, r.truncateBudget)
	}
	return truncateTail(input, r.truncateBudget)
}

func (r *Reconstructor) report(ctx context.Context, sessionID string, rng conversation.EventRange, result *Result) {
	if result.HasGaps {
		r.logger.Warn("reconstruction found gaps",
			zap.String("session_id", sessionID),
			zap.Int("start_seq", rng.StartSeq),
			zap.Int("end_seq", rng.EndSeq),
			zap.Int("events_missing", result.EventsMissing))
	}
	if r.events == nil {
		return
	}
	event := bus.NewEvent(bus.SubjectReconstructionCompleted, "reconstructor", map[string]interface{}{
		"session_id":     sessionID,
		"start_seq":      rng.StartSeq,
		"end_seq":        rng.EndSeq,
		"events_read":    result.EventsRead,
		"events_missing": result.EventsMissing,
		"has_gaps":       result.HasGaps,
	})
	if err := r.events.Publish(ctx, bus.SubjectReconstructionCompleted, event); err != nil {
		r.logger.Debug("failed to publish reconstruction stats", zap.Error(err))
	}
}

// toolOutcome is the terminal state of a tool call gathered from later
// events in the range.
type toolOutcome struct {
	status string
	detail string
}

// collectToolOutcomes pairs tool completions with their calls by id, with
// trace_id as the fallback key.
func collectToolOutcomes(events []session.Event) map[string]toolOutcome {
	outcomes := make(map[string]toolOutcome)

	record := func(id, traceID, status, detail string) {
		key := toolKey(id, traceID)
		if key == "" {
			return
		}
		prev := outcomes[key]
		if status == "" {
			status = prev.status
		}
		if detail == "" {
			detail = prev.detail
		}
		outcomes[key] = toolOutcome{status: status, detail: detail}
	}

	for i := range events {
		event := &events[i]
		switch event.Type {
		case session.EventSessionUpdate:
			payload, ok := event.Data["payload"].(map[string]interface{})
			if !ok || payload["sessionUpdate"] != "tool_call_update" {
				continue
			}
			id, _ := payload["toolCallId"].(string)
			status, _ := payload["status"].(string)
			record(id, event.TraceID, status, rawDetail(payload["rawOutput"]))

		case session.EventToolResult:
			id, _ := event.Data["call_id"].(string)
			status, _ := event.Data["status"].(string)
			if status == "" {
				status = "completed"
			}
			record(id, event.TraceID, status, rawDetail(event.Data["output"]))
		}
	}
	return outcomes
}

// toolKey prefers the explicit call id and falls back to the trace id.
func toolKey(id, traceID string) string {
	if id != "" {
		return id
	}
	return traceID
}

func payloadToolKind(payload map[string]interface{}) string {
	if kind, ok := payload["kind"].(string); ok && kind != "" {
		return kind
	}
	if title, ok := payload["title"].(string); ok && title != "" {
		return title
	}
	return "unknown"
}

func dataToolKind(data map[string]interface{}) string {
	if kind, ok := data["tool"].(string); ok && kind != "" {
		return kind
	}
	if kind, ok := data["kind"].(string); ok && kind != "" {
		return kind
	}
	return "unknown"
}

// toolInput extracts a printable input from a tool call payload.
func toolInput(source map[string]interface{}) string {
	raw, ok := source["rawInput"]
	if !ok {
		raw = source["input"]
	}
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]interface{}:
		if path, ok := v["path"].(string); ok && path != "" {
			return path
		}
		if cmd, ok := v["command"].(string); ok && cmd != "" {
			return cmd
		}
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func rawDetail(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]interface{}:
		if text, ok := v["text"].(string); ok {
			return text
		}
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func gapMarker(from, to int) string {
	return fmt.Sprintf("[gap: events %d-%d missing]", from, to)
}

// truncateHead keeps the tail of the string, preserving filenames.
func truncateHead(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	return "..." + s[len(s)-budget:]
}

// truncateTail keeps the head of the string.
func truncateTail(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	return s[:budget] + "..."
}

// contentBuilder joins chunk text verbatim and separates markers with
// newlines.
type contentBuilder struct {
	b strings.Builder
}

func (c *contentBuilder) text(s string) {
	c.b.WriteString(s)
}

func (c *contentBuilder) marker(s string) {
	if c.b.Len() > 0 && !strings.HasSuffix(c.b.String(), "\n") {
		c.b.WriteString("\n")
	}
	c.b.WriteString(s)
	c.b.WriteString("\n")
}

func (c *contentBuilder) String() string {
	return strings.TrimSuffix(c.b.String(), "\n")
}
