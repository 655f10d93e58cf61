// Package bot wires the runtime together: inbound channel messages are
// routed to per-key agent sessions, streamed output is coalesced back to
// the channel, and every exchange is persisted as events plus turns.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kynetic-ai/kbot/internal/agent"
	"github.com/kynetic-ai/kbot/internal/channel"
	"github.com/kynetic-ai/kbot/internal/channel/wsadapter"
	"github.com/kynetic-ai/kbot/internal/checkpoint"
	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/ident"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/common/tracing"
	"github.com/kynetic-ai/kbot/internal/events/bus"
	"github.com/kynetic-ai/kbot/internal/restart"
	"github.com/kynetic-ai/kbot/internal/session"
	"github.com/kynetic-ai/kbot/internal/store/conversation"
	"github.com/kynetic-ai/kbot/internal/store/reconstruct"
	sessionstore "github.com/kynetic-ai/kbot/internal/store/session"
	"github.com/kynetic-ai/kbot/internal/streaming"
	"github.com/kynetic-ai/kbot/internal/usage"
	"github.com/kynetic-ai/kbot/pkg/acp/protocol"
)

// Runtime owns the long-lived pieces of the bot process.
type Runtime struct {
	cfg    *config.Config
	logger *logger.Logger
	bus    bus.EventBus

	sessions  *sessionstore.Store
	convs     *conversation.Store
	recon     *reconstruct.Reconstructor
	agentProc *agent.Process
	client    *agent.Client
	lifecycle *session.Lifecycle
	tracker   *usage.Tracker
	registry  *channel.Registry
	channels  map[string]*channel.Lifecycle
	batcher   *streaming.UpdateBatcher
	restarter *restart.Client

	restartCh chan struct{}

	runsMu sync.Mutex
	runs   map[string]*streaming.Coalescer // acp session id -> active stream
}

// NewRuntime builds the runtime from config. Nothing is started yet.
func NewRuntime(cfg *config.Config, eventBus bus.EventBus, log *logger.Logger) (*Runtime, error) {
	sessions, err := sessionstore.NewStore(
		cfg.Storage.BaseDir, cfg.Storage.LockTimeoutDuration(), log, eventBus)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	convs, err := conversation.NewStore(
		cfg.Storage.BaseDir, cfg.Storage.LockTimeoutDuration(), log, eventBus,
		conversation.WithSessionStore(sessions))
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}

	r := &Runtime{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "bot-runtime")),
		bus:       eventBus,
		sessions:  sessions,
		convs:     convs,
		recon:     reconstruct.New(sessions, log, reconstruct.WithEventBus(eventBus)),
		agentProc: agent.NewProcess(cfg.Agent, log),
		registry:  channel.NewRegistry(),
		channels:  make(map[string]*channel.Lifecycle),
		restarter: restart.NewClient(log),
		restartCh: make(chan struct{}, 1),
		runs:      make(map[string]*streaming.Coalescer),
	}
	r.batcher = streaming.NewUpdateBatcher(cfg.Streaming, r.applyEdit, log)

	if cfg.Channel.WebsocketURL != "" {
		ws := wsadapter.New(cfg.Channel.WebsocketURL, log)
		if err := r.registry.Register(ws); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterAdapter adds a channel adapter before Start.
func (r *Runtime) RegisterAdapter(adapter channel.Adapter) error {
	return r.registry.Register(adapter)
}

// Start brings the agent and all channels up, sweeps orphaned sessions
// and, when a checkpoint path is given, restores from it.
func (r *Runtime) Start(ctx context.Context, checkpointPath string) error {
	if err := r.agentProc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	r.client = agent.NewClient(r.agentProc.Conn(), r.logger, r.onUpdate)
	if _, err := r.client.Initialize(ctx); err != nil {
		return fmt.Errorf("agent handshake failed: %w", err)
	}

	r.lifecycle = session.NewLifecycle(
		r.cfg.Session, r.cfg.Agent.Name, r.cfg.Agent.WorkDir,
		r.client, r.convs, r.sessions, r.bus, r.logger)
	r.tracker = usage.NewTracker(r.cfg.Usage, r.client, r.agentProc.Stderr(), r.bus, r.logger)

	recovered, err := r.sessions.RecoverOrphanedSessions(ctx)
	if err != nil {
		r.logger.Warn("orphan sweep failed", zap.Error(err))
	} else if recovered > 0 {
		r.logger.Info("abandoned orphaned sessions", zap.Int("count", recovered))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, platform := range r.registry.Platforms() {
		platform := platform
		adapter, err := r.registry.Get(platform)
		if err != nil {
			return err
		}
		adapter.OnMessage(r.dispatch)
		lc := channel.NewLifecycle(adapter, r.cfg.Channel, r.bus, r.logger)
		r.channels[platform] = lc
		g.Go(func() error {
			if err := lc.Start(gctx); err != nil {
				return fmt.Errorf("failed to start channel %q: %w", platform, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.batcher.Start()

	if checkpointPath != "" {
		if err := r.restoreCheckpoint(ctx, checkpointPath); err != nil {
			r.logger.Warn("checkpoint restore failed", zap.Error(err))
		}
	}

	r.logger.Info("runtime started",
		zap.Strings("platforms", r.registry.Platforms()),
		zap.String("agent", r.cfg.Agent.Name))
	return nil
}

// Stop tears everything down in reverse order.
func (r *Runtime) Stop(ctx context.Context) error {
	for platform, lc := range r.channels {
		if err := lc.Stop(ctx); err != nil {
			r.logger.Warn("channel stop failed", zap.String("platform", platform), zap.Error(err))
		}
	}
	r.batcher.Stop()
	if err := r.agentProc.Stop(ctx); err != nil {
		r.logger.Warn("agent stop failed", zap.Error(err))
	}
	r.logger.Info("runtime stopped")
	return nil
}

// ChannelStates reports the lifecycle state per platform.
func (r *Runtime) ChannelStates() map[string]string {
	states := make(map[string]string, len(r.channels))
	for platform, lc := range r.channels {
		states[platform] = string(lc.State())
	}
	return states
}

// SessionKeys returns the keys with a live session.
func (r *Runtime) SessionKeys() []string {
	if r.lifecycle == nil {
		return nil
	}
	return r.lifecycle.Keys()
}

// ActiveSessionCount counts persisted sessions still marked active.
func (r *Runtime) ActiveSessionCount() int {
	list, err := r.sessions.ListSessions(sessionstore.Filter{Status: sessionstore.StatusActive})
	if err != nil {
		return 0
	}
	return len(list)
}

// TurnView is one conversation turn with its content rebuilt from the
// referenced session's events.
type TurnView struct {
	Seq       int    `json:"seq"`
	TS        int64  `json:"ts"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	HasGaps   bool   `json:"has_gaps,omitempty"`
}

// ConversationTurns reads a conversation's turn log and reconstructs
// each turn's content. Turns whose events cannot be read come back with
// an error marker instead of failing the whole read.
func (r *Runtime) ConversationTurns(ctx context.Context, conversationID string) ([]TurnView, error) {
	turns, err := r.convs.ReadTurns(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	views := make([]TurnView, 0, len(turns))
	for _, turn := range turns {
		view := TurnView{
			Seq:       turn.Seq,
			TS:        turn.TS,
			Role:      turn.Role,
			SessionID: turn.SessionID,
		}
		res, rerr := r.recon.ReconstructContent(ctx, turn.SessionID, turn.EventRange)
		if rerr != nil {
			r.logger.Warn("turn reconstruction failed",
				zap.String("conversation_id", conversationID),
				zap.Int("turn_seq", turn.Seq),
				zap.Error(rerr))
			view.Content = "[unavailable]"
		} else {
			view.Content = res.Content
			view.HasGaps = res.HasGaps
		}
		views = append(views, view)
	}
	return views, nil
}

// dispatch is the adapter inbound handler. Handling runs off the
// adapter's read loop so a slow prompt never stalls the connection.
func (r *Runtime) dispatch(msg channel.InboundMessage) {
	go r.HandleMessage(context.Background(), msg)
}

// RestartRequested fires once when a /restart command has been acked by
// the supervisor. The caller is expected to stop the runtime and exit.
func (r *Runtime) RestartRequested() <-chan struct{} {
	return r.restartCh
}

// HandleMessage routes one inbound message through its key's FIFO chain.
func (r *Runtime) HandleMessage(ctx context.Context, msg channel.InboundMessage) {
	key := SessionKey(r.cfg.Agent.Name, msg)
	err := r.lifecycle.Do(ctx, key, func() error {
		if strings.TrimSpace(msg.Text) == "/restart" {
			return r.handleRestartCommand(ctx, key, msg)
		}
		return r.processMessage(ctx, key, msg)
	})
	if err != nil {
		r.logger.Error("message handling failed",
			zap.String("session_key", key),
			zap.String("platform", msg.Platform),
			zap.Error(err))
	}
}

func (r *Runtime) processMessage(ctx context.Context, key string, msg channel.InboundMessage) error {
	conv, err := r.convs.GetOrCreateConversation(ctx, key)
	if err != nil {
		return err
	}

	res, err := r.lifecycle.Resolve(ctx, key)
	if err != nil {
		return err
	}
	st := res.State

	// A session created before its conversation existed has no record
	// yet; persist it now that the conversation id is known.
	if st.ConversationID == "" {
		st.ConversationID = conv.ID
		if _, err := r.sessions.CreateSession(ctx, sessionstore.CreateInput{
			ID:             st.ACPSessionID,
			AgentType:      r.cfg.Agent.Name,
			ConversationID: conv.ID,
			SessionKey:     key,
		}); err != nil {
			return err
		}
	}

	promptEvt, err := r.sessions.AppendEvent(ctx, sessionstore.AppendEventInput{
		SessionID: st.ACPSessionID,
		Type:      sessionstore.EventPromptSent,
		Data: map[string]interface{}{
			"content": msg.Text,
			"sender":  msg.Sender,
			"channel": msg.Channel,
		},
	})
	if err != nil {
		return err
	}
	startSeq := promptEvt.Seq

	lc := r.channels[msg.Platform]
	if lc != nil {
		lc.SendTyping(ctx, msg.Channel)
	}

	co := streaming.NewCoalescer(r.cfg.Streaming, streaming.Callbacks{
		OnChunk: r.chunkSink(ctx, msg),
	}, r.logger)

	r.runsMu.Lock()
	r.runs[st.ACPSessionID] = co
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.runs, st.ACPSessionID)
		r.runsMu.Unlock()
	}()

	pctx, span := tracing.Tracer("bot").Start(ctx, "session.prompt",
		trace.WithAttributes(
			attribute.String("session.key", key),
			attribute.String("channel.platform", msg.Platform),
		))
	resp, err := r.client.Prompt(pctx, st.ACPSessionID, msg.Text)
	if err != nil {
		span.RecordError(err)
		span.End()
		co.Abort()
		return fmt.Errorf("prompt failed: %w", err)
	}
	span.End()
	co.Complete()

	endSeq := startSeq
	if last, lastErr := r.sessions.GetLastEvent(ctx, st.ACPSessionID); lastErr == nil && last != nil {
		endSeq = last.Seq
	}

	if _, err := r.convs.AppendTurn(ctx, conv.ID, conversation.AppendTurnInput{
		Role:       conversation.RoleUser,
		SessionID:  st.ACPSessionID,
		EventRange: conversation.EventRange{StartSeq: startSeq, EndSeq: startSeq},
		MessageID:  msg.MessageID,
	}); err != nil {
		return err
	}
	if endSeq > startSeq {
		if _, err := r.convs.AppendTurn(ctx, conv.ID, conversation.AppendTurnInput{
			Role:       conversation.RoleAssistant,
			SessionID:  st.ACPSessionID,
			EventRange: conversation.EventRange{StartSeq: startSeq + 1, EndSeq: endSeq},
			Metadata:   map[string]interface{}{"stop_reason": resp.StopReason},
		}); err != nil {
			return err
		}
	}

	// Feed rotation decisions. Failures here only mean the next prompt
	// reuses the session.
	if u, uerr := r.tracker.Check(ctx, st.ACPSessionID); uerr == nil && u != nil {
		r.lifecycle.UpdateUsage(st.ACPSessionID, u.Percentage)
	}
	return nil
}

// handleRestartCommand writes a checkpoint for the key's session, asks
// the supervisor for a planned restart and, once acked, signals the
// process to wind down.
func (r *Runtime) handleRestartCommand(ctx context.Context, key string, msg channel.InboundMessage) error {
	reply := func(text string) {
		if lc := r.channels[msg.Platform]; lc != nil {
			if err := lc.Send(ctx, msg.Channel, text); err != nil {
				r.logger.Warn("restart reply failed", zap.Error(err))
			}
		}
	}

	if !r.restarter.IsSupervised() {
		reply("Restart is only available when running under the supervisor.")
		return nil
	}

	var sessionID string
	if st := r.lifecycle.GetState(key); st != nil {
		sessionID = st.ACPSessionID
	}

	path := filepath.Join(r.cfg.Storage.BaseDir, "checkpoint.yaml")
	ck := checkpoint.New(sessionID, "user_requested", checkpoint.WakeContext{
		Prompt: "You were restarted at the user's request. Pick up where you left off.",
	})
	if err := checkpoint.Write(path, ck); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	if err := r.restarter.RequestRestart(ctx, restart.Options{CheckpointPath: path}); err != nil {
		reply("Restart failed, staying up.")
		return err
	}

	reply("Restarting, back in a moment.")
	select {
	case r.restartCh <- struct{}{}:
	default:
	}
	return nil
}

// onUpdate receives session/update notifications from the agent. Events
// are persisted in arrival order; message chunks also feed the active
// coalescer for the session.
func (r *Runtime) onUpdate(n protocol.SessionNotification) {
	payload := updatePayload(n.Update)
	if _, err := r.sessions.AppendEvent(context.Background(), sessionstore.AppendEventInput{
		SessionID: n.SessionID,
		Type:      sessionstore.EventSessionUpdate,
		Data:      map[string]interface{}{"payload": payload},
	}); err != nil {
		r.logger.Warn("failed to persist session update",
			zap.String("session_id", n.SessionID), zap.Error(err))
	}

	if n.Update.AgentMessageChunk == nil {
		return
	}
	r.runsMu.Lock()
	co := r.runs[n.SessionID]
	r.runsMu.Unlock()
	if co != nil {
		co.Push(n.Update.AgentMessageChunk.Content.Text)
	}
}

func updatePayload(u protocol.SessionUpdate) map[string]interface{} {
	data, err := json.Marshal(u)
	if err != nil {
		return map[string]interface{}{"sessionUpdate": u.Kind}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]interface{}{"sessionUpdate": u.Kind}
	}
	return m
}

// chunkSink builds the coalescer's flush callback for one prompt. On
// platforms that support message edits the reply is one tracked message
// grown in place through the update batcher; elsewhere each flush is a
// separate message through the channel's send queue.
func (r *Runtime) chunkSink(ctx context.Context, msg channel.InboundMessage) func(string) error {
	lc := r.channels[msg.Platform]
	if lc == nil {
		return func(string) error { return nil }
	}

	adapter, err := r.registry.Get(msg.Platform)
	if err != nil {
		return func(string) error { return err }
	}
	tracked, canEdit := adapter.(channel.TrackedSender)
	if !canEdit {
		return func(chunk string) error {
			return lc.Send(ctx, msg.Channel, chunk)
		}
	}

	var (
		messageID string
		full      strings.Builder
	)
	return func(chunk string) error {
		full.WriteString(chunk)
		if messageID == "" {
			messageID = ident.New()
			return tracked.SendTracked(ctx, msg.Channel, messageID, full.String())
		}
		return r.batcher.QueueUpdate(messageID, msg.Platform, map[string]interface{}{
			"channel": msg.Channel,
			"text":    full.String(),
		})
	}
}

// applyEdit is the batcher sink: it edits a sent message in place.
func (r *Runtime) applyEdit(ctx context.Context, edit streaming.Edit) error {
	adapter, err := r.registry.Get(edit.ChannelID)
	if err != nil {
		return err
	}
	editor, ok := adapter.(channel.MessageEditor)
	if !ok {
		return fmt.Errorf("platform %q does not support message edits", edit.ChannelID)
	}
	text, _ := edit.Payload["text"].(string)
	ch, _ := edit.Payload["channel"].(string)
	return editor.EditMessage(ctx, ch, edit.MessageID, text)
}

// restoreCheckpoint replays the wake context of a checkpoint left by the
// previous process generation, then removes the file.
func (r *Runtime) restoreCheckpoint(ctx context.Context, path string) error {
	ck, err := checkpoint.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	r.logger.Info("restoring from checkpoint",
		zap.String("path", path),
		zap.String("restart_reason", ck.RestartReason),
		zap.String("session_id", ck.SessionID))

	prompt := wakePrompt(ck)
	if prompt != "" && ck.SessionID != "" {
		if prev, gerr := r.sessions.GetSession(ck.SessionID); gerr == nil && prev.SessionKey != "" {
			key := prev.SessionKey
			if err := r.lifecycle.Do(ctx, key, func() error {
				return r.replayWake(ctx, key, prompt)
			}); err != nil {
				r.logger.Warn("wake replay failed", zap.String("session_key", key), zap.Error(err))
			}
		} else {
			r.logger.Warn("checkpoint references unknown session, skipping wake replay",
				zap.String("session_id", ck.SessionID))
		}
	}

	return checkpoint.Delete(path)
}

func (r *Runtime) replayWake(ctx context.Context, key, prompt string) error {
	res, err := r.lifecycle.Resolve(ctx, key)
	if err != nil {
		return err
	}
	if _, err := r.sessions.AppendEvent(ctx, sessionstore.AppendEventInput{
		SessionID: res.State.ACPSessionID,
		Type:      sessionstore.EventPromptSent,
		Data:      map[string]interface{}{"content": prompt, "sender": "checkpoint"},
	}); err != nil {
		return err
	}
	_, err = r.client.Prompt(ctx, res.State.ACPSessionID, prompt)
	return err
}

// wakePrompt folds the checkpoint's wake context into one prompt.
func wakePrompt(ck *checkpoint.Checkpoint) string {
	var b strings.Builder
	if ck.WakeContext.Prompt != "" {
		b.WriteString(ck.WakeContext.Prompt)
	}
	if len(ck.WakeContext.PendingWork) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Pending work:")
		for _, item := range ck.WakeContext.PendingWork {
			b.WriteString("\n- ")
			b.WriteString(item)
		}
	}
	return b.String()
}
