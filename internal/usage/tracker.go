package usage

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/agent"
	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/errors"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/events/bus"
	"github.com/kynetic-ai/kbot/pkg/acp/protocol"
)

// Prompter is the slice of the agent client the tracker needs.
type Prompter interface {
	Prompt(ctx context.Context, sessionID, text string) (*protocol.PromptResponse, error)
}

// StderrSource provides live agent stderr lines.
type StderrSource interface {
	Subscribe() agent.Subscriber
	Unsubscribe(sub agent.Subscriber)
}

// Tracker probes the agent for context usage, debouncing checks per
// session and falling back to the last known value on failure.
type Tracker struct {
	cfg    config.UsageConfig
	client Prompter
	stderr StderrSource
	bus    bus.EventBus
	logger *logger.Logger

	mu        sync.Mutex
	cache     map[string]*Usage
	lastCheck map[string]time.Time
}

// NewTracker creates a tracker over the given agent client and stderr
// stream.
func NewTracker(cfg config.UsageConfig, client Prompter, stderr StderrSource, eventBus bus.EventBus, log *logger.Logger) *Tracker {
	return &Tracker{
		cfg:       cfg,
		client:    client,
		stderr:    stderr,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "usage-tracker")),
		cache:     make(map[string]*Usage),
		lastCheck: make(map[string]time.Time),
	}
}

// Cached returns the last known usage for a session without probing.
func (t *Tracker) Cached(sessionID string) *Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache[sessionID]
}

// Check returns the usage for a session, probing the agent unless a
// probe ran within the debounce interval. On probe failure the last
// cached value is returned; with no cache the error is surfaced.
func (t *Tracker) Check(ctx context.Context, sessionID string) (*Usage, error) {
	t.mu.Lock()
	if last, ok := t.lastCheck[sessionID]; ok && time.Since(last) < t.cfg.DebounceDuration() {
		cached := t.cache[sessionID]
		t.mu.Unlock()
		return cached, nil
	}
	t.mu.Unlock()

	u, err := t.probe(ctx, sessionID)
	if err != nil {
		if stale := t.Cached(sessionID); stale != nil {
			t.logger.Warn("usage probe failed, serving stale value",
				zap.String("session_id", sessionID), zap.Error(err))
			return stale, nil
		}
		return nil, err
	}

	t.mu.Lock()
	t.cache[sessionID] = u
	t.lastCheck[sessionID] = time.Now()
	t.mu.Unlock()

	t.publish(ctx, bus.SubjectUsageUpdate, sessionID, map[string]interface{}{
		"current":    u.Current,
		"max":        u.Max,
		"percentage": u.Percentage,
		"model":      u.Model,
	})
	return u, nil
}

// probe subscribes to stderr, sends the /usage prompt and waits for the
// delimited block to appear. The subscription is released on every path.
func (t *Tracker) probe(ctx context.Context, sessionID string) (*Usage, error) {
	sub := t.stderr.Subscribe()
	defer t.stderr.Unsubscribe(sub)

	pctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeoutDuration())
	defer cancel()

	// The block typically arrives on stderr before the prompt call
	// returns, so the prompt runs concurrently with the line scan.
	promptErr := make(chan error, 1)
	go func() {
		_, err := t.client.Prompt(pctx, sessionID, "/usage")
		promptErr <- err
	}()

	var inBlock bool
	var lines []string
	for {
		select {
		case line, ok := <-sub:
			if !ok {
				t.publish(ctx, bus.SubjectUsageError, sessionID, map[string]interface{}{
					"error": "stderr stream closed",
				})
				return nil, errors.Coded(errors.ErrCodeInternalError, "agent stderr stream closed during usage probe")
			}
			if !inBlock {
				if strings.Contains(line.Content, BlockStart) {
					inBlock = true
				}
				continue
			}
			if strings.Contains(line.Content, BlockEnd) {
				u, err := ParseBlock(lines)
				if err != nil {
					t.publish(ctx, bus.SubjectUsageError, sessionID, map[string]interface{}{
						"error": err.Error(),
					})
					return nil, errors.Internal("failed to parse usage block", err)
				}
				return u, nil
			}
			lines = append(lines, line.Content)

		case err := <-promptErr:
			if err != nil {
				t.publish(ctx, bus.SubjectUsageError, sessionID, map[string]interface{}{
					"error": err.Error(),
				})
				return nil, errors.Internal("usage prompt failed", err)
			}
			// Prompt finished cleanly; keep scanning until the block
			// shows up or the timeout fires.
			promptErr = nil

		case <-pctx.Done():
			t.publish(ctx, bus.SubjectUsageTimeout, sessionID, nil)
			return nil, errors.Coded(errors.ErrCodeTimeout, "usage probe timed out")
		}
	}
}

func (t *Tracker) publish(ctx context.Context, subject, sessionID string, data map[string]interface{}) {
	if t.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["session_id"] = sessionID
	event := bus.NewEvent(subject, "usage-tracker", data)
	if err := t.bus.Publish(ctx, subject, event); err != nil {
		t.logger.Warn("failed to publish usage event",
			zap.String("subject", subject), zap.Error(err))
	}
}
