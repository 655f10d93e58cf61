// Package session maps session keys to live agent sessions and decides,
// per prompt, whether to reuse, rotate or recover a session. All work for
// one key is serialized through a keyed executor.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/errors"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/events/bus"
	"github.com/kynetic-ai/kbot/internal/store/conversation"
	"github.com/kynetic-ai/kbot/internal/store/session"
)

// AgentSessions is the slice of the agent client the lifecycle needs.
type AgentSessions interface {
	NewSession(ctx context.Context, cwd string) (string, error)
}

// ConversationLookup resolves a session key to its active conversation.
type ConversationLookup interface {
	GetConversationBySessionKey(sessionKey string) (*conversation.Conversation, error)
}

// SessionRecords is the slice of the session store the lifecycle needs.
type SessionRecords interface {
	CreateSession(ctx context.Context, input session.CreateInput) (*session.Session, error)
	CompleteSession(ctx context.Context, id string) (*session.Session, error)
}

// State is the in-memory record for one session key.
type State struct {
	ACPSessionID   string
	SessionKey     string
	ConversationID string
	CreatedAt      time.Time

	// UsagePercentage is the last known context usage, nil until the
	// first usage probe reports for this session.
	UsagePercentage *float64
}

// Result reports the session chosen for a key and how it was obtained.
type Result struct {
	State        *State
	IsNew        bool
	WasRotated   bool
	WasRecovered bool
}

// Lifecycle owns the key to session mapping.
type Lifecycle struct {
	cfg    config.SessionConfig
	agent  AgentSessions
	convs  ConversationLookup
	store  SessionRecords
	bus    bus.EventBus
	logger *logger.Logger

	agentType string
	workDir   string

	exec   *KeyedExecutor
	mu     sync.RWMutex
	states map[string]*State
}

// NewLifecycle creates a lifecycle manager. agentType names the agent in
// persisted sessions; workDir is the cwd handed to the agent on
// session creation.
func NewLifecycle(
	cfg config.SessionConfig,
	agentType, workDir string,
	agent AgentSessions,
	convs ConversationLookup,
	store SessionRecords,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Lifecycle {
	return &Lifecycle{
		cfg:       cfg,
		agent:     agent,
		convs:     convs,
		store:     store,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "session-lifecycle")),
		agentType: agentType,
		workDir:   workDir,
		exec:      NewKeyedExecutor(),
		states:    make(map[string]*State),
	}
}

// Do serializes arbitrary work on a key's chain. Prompt handling runs
// through this so session decisions and prompts cannot interleave.
func (l *Lifecycle) Do(ctx context.Context, key string, fn func() error) error {
	return l.exec.Do(ctx, key, fn)
}

// GetOrCreateSession returns the session to use for key, creating,
// rotating or recovering one as needed.
func (l *Lifecycle) GetOrCreateSession(ctx context.Context, key string) (*Result, error) {
	var result *Result
	err := l.exec.Do(ctx, key, func() error {
		r, err := l.getOrCreate(ctx, key)
		result = r
		return err
	})
	return result, err
}

// Resolve runs the get-or-create decision without taking the key's
// chain. For callers composing a larger operation inside Do; everyone
// else wants GetOrCreateSession.
func (l *Lifecycle) Resolve(ctx context.Context, key string) (*Result, error) {
	return l.getOrCreate(ctx, key)
}

func (l *Lifecycle) getOrCreate(ctx context.Context, key string) (*Result, error) {
	l.mu.RLock()
	st := l.states[key]
	l.mu.RUnlock()

	if st != nil {
		if !l.rotationDue(st) {
			return &Result{State: st}, nil
		}
		return l.rotate(ctx, key, st)
	}

	// Cold start for this key: recover the conversation when it was
	// active recently, otherwise treat the session as brand new.
	conversationID, recovered, err := l.lookupConversation(key)
	if err != nil {
		return nil, err
	}

	st, err = l.createState(ctx, key, conversationID)
	if err != nil {
		return nil, err
	}

	subject := bus.SubjectSessionCreated
	if recovered {
		subject = bus.SubjectSessionRecovered
	}
	l.publish(ctx, subject, st)
	l.logger.Info("session established",
		zap.String("session_key", key),
		zap.String("acp_session_id", st.ACPSessionID),
		zap.Bool("recovered", recovered))

	return &Result{State: st, IsNew: true, WasRecovered: recovered}, nil
}

// RotateSession forces a rotation for key regardless of usage. Returns a
// NOT_FOUND error when the key has no live session.
func (l *Lifecycle) RotateSession(ctx context.Context, key string) (*Result, error) {
	var result *Result
	err := l.exec.Do(ctx, key, func() error {
		l.mu.RLock()
		st := l.states[key]
		l.mu.RUnlock()
		if st == nil {
			return errors.NotFound("session for key", key)
		}
		r, err := l.rotate(ctx, key, st)
		result = r
		return err
	})
	return result, err
}

func (l *Lifecycle) rotate(ctx context.Context, key string, old *State) (*Result, error) {
	st, err := l.createState(ctx, key, old.ConversationID)
	if err != nil {
		return nil, err
	}

	// Ending the old session is best effort: the new session is already
	// installed and a failed status write must not fail the prompt.
	if _, err := l.store.CompleteSession(ctx, old.ACPSessionID); err != nil {
		l.logger.Warn("failed to complete rotated session",
			zap.String("acp_session_id", old.ACPSessionID),
			zap.Error(err))
	}

	l.publish(ctx, bus.SubjectSessionRotated, st)
	l.logger.Info("session rotated",
		zap.String("session_key", key),
		zap.String("old_session_id", old.ACPSessionID),
		zap.String("new_session_id", st.ACPSessionID))

	return &Result{State: st, IsNew: true, WasRotated: true}, nil
}

// EndSession drops the in-memory state for key. The persisted session is
// left to the orphan sweep unless the caller completes it explicitly.
func (l *Lifecycle) EndSession(ctx context.Context, key string) error {
	return l.exec.Do(ctx, key, func() error {
		l.mu.Lock()
		st := l.states[key]
		delete(l.states, key)
		l.mu.Unlock()

		if st == nil {
			return nil
		}
		l.publish(ctx, bus.SubjectSessionEnded, st)
		l.logger.Info("session ended", zap.String("session_key", key))
		return nil
	})
}

// UpdateUsage records the latest usage percentage for an agent session.
// Updates for sessions no longer tracked are ignored.
func (l *Lifecycle) UpdateUsage(acpSessionID string, percentage float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, st := range l.states {
		if st.ACPSessionID == acpSessionID {
			p := percentage
			st.UsagePercentage = &p
			return
		}
	}
}

// GetState returns the in-memory state for key, nil when absent.
func (l *Lifecycle) GetState(key string) *State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.states[key]
}

// Keys returns the session keys currently tracked in memory.
func (l *Lifecycle) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]string, 0, len(l.states))
	for k := range l.states {
		keys = append(keys, k)
	}
	return keys
}

func (l *Lifecycle) rotationDue(st *State) bool {
	// No usage data means reuse: rotating on a guess would throw away
	// live agent context for nothing.
	return st.UsagePercentage != nil && *st.UsagePercentage >= l.cfg.RotationThreshold
}

func (l *Lifecycle) lookupConversation(key string) (string, bool, error) {
	conv, err := l.convs.GetConversationBySessionKey(key)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return "", false, nil
		}
		return "", false, err
	}

	recentCutoff := time.Now().Add(-l.cfg.RecentWindowDuration()).UnixMilli()
	return conv.ID, conv.UpdatedAt >= recentCutoff, nil
}

func (l *Lifecycle) createState(ctx context.Context, key, conversationID string) (*State, error) {
	acpID, err := l.agent.NewSession(ctx, l.workDir)
	if err != nil {
		return nil, errors.Internal("failed to create agent session", err)
	}

	if conversationID != "" {
		_, err = l.store.CreateSession(ctx, session.CreateInput{
			ID:             acpID,
			AgentType:      l.agentType,
			ConversationID: conversationID,
			SessionKey:     key,
		})
		if err != nil {
			return nil, err
		}
	}

	st := &State{
		ACPSessionID:   acpID,
		SessionKey:     key,
		ConversationID: conversationID,
		CreatedAt:      time.Now(),
	}

	l.mu.Lock()
	l.states[key] = st
	l.mu.Unlock()
	return st, nil
}

func (l *Lifecycle) publish(ctx context.Context, subject string, st *State) {
	if l.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "session-lifecycle", map[string]interface{}{
		"session_key":     st.SessionKey,
		"acp_session_id":  st.ACPSessionID,
		"conversation_id": st.ConversationID,
	})
	if err := l.bus.Publish(ctx, subject, event); err != nil {
		l.logger.Warn("failed to publish session event",
			zap.String("subject", subject), zap.Error(err))
	}
}
