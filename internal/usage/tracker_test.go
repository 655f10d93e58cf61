package usage

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic-ai/kbot/internal/agent"
	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/errors"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/pkg/acp/protocol"
)

// fakePrompter prints the given stderr lines into the buffer when the
// /usage prompt arrives, imitating the agent.
type fakePrompter struct {
	buffer  *agent.StderrBuffer
	lines   []string
	err     error
	prompts atomic.Int32
}

func (f *fakePrompter) Prompt(ctx context.Context, sessionID, text string) (*protocol.PromptResponse, error) {
	f.prompts.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	for _, line := range f.lines {
		f.buffer.Add(agent.Line{Timestamp: time.Now(), Content: line})
	}
	return &protocol.PromptResponse{StopReason: protocol.StopReasonEndTurn}, nil
}

func usageBlock() []string {
	return []string{
		"some unrelated log line",
		BlockStart,
		"Model: opus-4",
		"Tokens: 106k/200k (53%)",
		"  Messages          88k",
		BlockEnd,
		"trailing noise",
	}
}

func newTrackerFixture(t *testing.T, prompter *fakePrompter) *Tracker {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := config.UsageConfig{DebounceInterval: 30, ProbeTimeout: 1}
	return NewTracker(cfg, prompter, prompter.buffer, nil, log)
}

func TestCheckParsesProbe(t *testing.T) {
	prompter := &fakePrompter{buffer: agent.NewStderrBuffer(100), lines: usageBlock()}
	tracker := newTrackerFixture(t, prompter)

	u, err := tracker.Check(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(106000), u.Current)
	assert.InDelta(t, 0.53, u.Percentage, 0.001)
	assert.Equal(t, "opus-4", u.Model)
	assert.EqualValues(t, 1, prompter.prompts.Load())
}

func TestCheckDebouncesWithinInterval(t *testing.T) {
	prompter := &fakePrompter{buffer: agent.NewStderrBuffer(100), lines: usageBlock()}
	tracker := newTrackerFixture(t, prompter)

	first, err := tracker.Check(context.Background(), "sess-1")
	require.NoError(t, err)

	second, err := tracker.Check(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, prompter.prompts.Load(), "debounced check must not probe again")
}

func TestCheckTimesOutWithoutBlock(t *testing.T) {
	prompter := &fakePrompter{buffer: agent.NewStderrBuffer(100), lines: []string{"no block here"}}
	tracker := newTrackerFixture(t, prompter)

	_, err := tracker.Check(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTimeout))
}

func TestCheckServesStaleOnFailure(t *testing.T) {
	prompter := &fakePrompter{buffer: agent.NewStderrBuffer(100), lines: usageBlock()}
	tracker := newTrackerFixture(t, prompter)

	first, err := tracker.Check(context.Background(), "sess-1")
	require.NoError(t, err)

	// Force a re-probe past the debounce and make it fail.
	tracker.mu.Lock()
	tracker.lastCheck["sess-1"] = time.Now().Add(-time.Hour)
	tracker.mu.Unlock()
	prompter.err = fmt.Errorf("agent is gone")

	stale, err := tracker.Check(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Same(t, first, stale)
}

func TestCheckPromptErrorWithoutCache(t *testing.T) {
	prompter := &fakePrompter{buffer: agent.NewStderrBuffer(100), err: fmt.Errorf("agent is gone")}
	tracker := newTrackerFixture(t, prompter)

	_, err := tracker.Check(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Nil(t, tracker.Cached("sess-1"))
}

func TestProbeReleasesSubscription(t *testing.T) {
	buffer := agent.NewStderrBuffer(100)
	prompter := &fakePrompter{buffer: buffer, lines: usageBlock()}
	tracker := newTrackerFixture(t, prompter)

	_, err := tracker.Check(context.Background(), "sess-1")
	require.NoError(t, err)

	prompter.err = fmt.Errorf("boom")
	tracker.mu.Lock()
	tracker.lastCheck = make(map[string]time.Time)
	tracker.cache = make(map[string]*Usage)
	tracker.mu.Unlock()
	_, err = tracker.Check(context.Background(), "sess-1")
	require.Error(t, err)

	// With every probe unsubscribed, a flood of Adds must not leak into
	// closed channels or panic.
	for i := 0; i < 200; i++ {
		buffer.Add(agent.Line{Content: "noise"})
	}
}
