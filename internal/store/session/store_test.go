package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kynetic-ai/kbot/internal/common/errors"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/events/bus"
)

func newTestStore(t *testing.T) (*Store, bus.EventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	store, err := NewStore(t.TempDir(), time.Second, log, eventBus)
	require.NoError(t, err)
	return store, eventBus
}

func TestCreateSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateInput{
		AgentType:  "main",
		SessionKey: "agent:main:discord:dm:user123",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StatusActive, sess.Status)
	assert.NotZero(t, sess.StartedAt)
	assert.Zero(t, sess.EndedAt)

	// Metadata and an empty event log exist on disk.
	assert.FileExists(t, filepath.Join(store.baseDir, sess.ID, "session.yaml"))
	assert.FileExists(t, filepath.Join(store.baseDir, sess.ID, "events.jsonl"))

	loaded, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionKey, loaded.SessionKey)
}

func TestCreateSessionKeepsExplicitID(t *testing.T) {
	store, _ := newTestStore(t)

	sess, err := store.CreateSession(context.Background(), CreateInput{ID: "sess_explicit", AgentType: "main"})
	require.NoError(t, err)
	assert.Equal(t, "sess_explicit", sess.ID)
	assert.True(t, store.SessionExists("sess_explicit"))
}

func TestCreateSessionValidation(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.CreateSession(context.Background(), CreateInput{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "agent_type", appErr.Field)
}

func TestGetSessionNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetSession("missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionNotFound))
	assert.False(t, store.SessionExists("missing"))
}

func TestUpdateSessionStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)

	ended, err := store.UpdateSessionStatus(ctx, sess.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ended.Status)
	assert.NotZero(t, ended.EndedAt)

	// Ended sessions cannot change status again.
	_, err = store.UpdateSessionStatus(ctx, sess.ID, StatusAbandoned)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))
}

func TestUpdateSessionStatusRejectsUnknown(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)

	_, err = store.UpdateSessionStatus(ctx, sess.ID, "paused")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))
}

func TestListSessionsFilter(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a, err := store.CreateSession(ctx, CreateInput{AgentType: "main", SessionKey: "agent:main:discord:dm:a"})
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, CreateInput{AgentType: "research", SessionKey: "agent:research:slack:dm:b"})
	require.NoError(t, err)
	_, err = store.CompleteSession(ctx, a.ID)
	require.NoError(t, err)

	all, err := store.ListSessions(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := store.ListSessions(Filter{Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "research", active[0].AgentType)

	byKey, err := store.ListSessions(Filter{SessionKey: "agent:main:discord:dm:a"})
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, a.ID, byKey[0].ID)
}

func TestAppendEventAssignsDenseSeq(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		event, err := store.AppendEvent(ctx, AppendEventInput{
			SessionID: sess.ID,
			Type:      EventMessageChunk,
			Data:      map[string]interface{}{"content": fmt.Sprintf("chunk %d", i)},
		})
		require.NoError(t, err)
		assert.Equal(t, i, event.Seq)
		assert.NotZero(t, event.TS)
	}

	events, err := store.ReadEvents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, i, e.Seq)
	}
}

func TestAppendEventValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, AppendEventInput{Type: EventMessageChunk})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))

	_, err = store.AppendEvent(ctx, AppendEventInput{SessionID: sess.ID, Type: "bogus"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))

	_, err = store.AppendEvent(ctx, AppendEventInput{SessionID: "missing", Type: EventMessageChunk})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionNotFound))
}

func TestAppendEventConcurrentSeqStaysDense(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendEvent(ctx, AppendEventInput{
				SessionID: sess.ID,
				Type:      EventMessageChunk,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := store.ReadEvents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		assert.Equal(t, i, e.Seq)
	}
}

func TestReadEventsTolerant(t *testing.T) {
	store, eventBus := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, AppendEventInput{SessionID: sess.ID, Type: EventPromptSent})
	require.NoError(t, err)

	// Corrupt the log: one unparseable line, one schema failure.
	path := filepath.Join(store.baseDir, sess.ID, "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{broken\n" + `{"ts":1,"seq":1,"type":"nope","session_id":"` + sess.ID + `"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = store.AppendEvent(ctx, AppendEventInput{SessionID: sess.ID, Type: EventSessionEnd})
	require.NoError(t, err)

	summaries := make(chan *bus.Event, 4)
	sub, err := eventBus.Subscribe(bus.SubjectReadErrors, func(ctx context.Context, e *bus.Event) error {
		summaries <- e
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	events, err := store.ReadEvents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventPromptSent, events[0].Type)
	assert.Equal(t, EventSessionEnd, events[1].Type)

	// Exactly one summary event for the whole read.
	select {
	case e := <-summaries:
		assert.EqualValues(t, 1, e.Data["parse_failures"])
		assert.EqualValues(t, 1, e.Data["schema_failures"])
	case <-time.After(time.Second):
		t.Fatal("no read error summary published")
	}
	select {
	case <-summaries:
		t.Fatal("expected a single summary event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReadEventsSince(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := store.AppendEvent(ctx, AppendEventInput{SessionID: sess.ID, Type: EventMessageChunk})
		require.NoError(t, err)
	}

	events, err := store.ReadEventsSince(ctx, sess.ID, 2, 4)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 2, events[0].Seq)
	assert.Equal(t, 4, events[2].Seq)

	tail, err := store.ReadEventsSince(ctx, sess.ID, 4, -1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
}

func TestGetLastEventAndCount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)

	last, err := store.GetLastEvent(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = store.AppendEvent(ctx, AppendEventInput{SessionID: sess.ID, Type: EventSessionStart})
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, AppendEventInput{SessionID: sess.ID, Type: EventSessionEnd})
	require.NoError(t, err)

	last, err = store.GetLastEvent(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, EventSessionEnd, last.Type)

	count, err := store.GetEventCount(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecoverOrphanedSessions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)
	b, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)
	c, err := store.CreateSession(ctx, CreateInput{AgentType: "main"})
	require.NoError(t, err)
	_, err = store.CompleteSession(ctx, c.ID)
	require.NoError(t, err)

	count, err := store.RecoverOrphanedSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{a.ID, b.ID} {
		sess, err := store.GetSession(id)
		require.NoError(t, err)
		assert.Equal(t, StatusAbandoned, sess.Status)
		assert.NotZero(t, sess.EndedAt)
	}
	sess, err := store.GetSession(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
}
