package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kynetic-ai/kbot/internal/common/errors"
	"github.com/kynetic-ai/kbot/internal/common/ident"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/events/bus"
	"github.com/kynetic-ai/kbot/internal/store/lockfile"
)

const (
	metadataFile = "session.yaml"
	eventsFile   = "events.jsonl"
	lockFile     = ".lock"
)

// Store persists sessions under <baseDir>/sessions/<id>/.
type Store struct {
	baseDir     string
	lockTimeout time.Duration
	logger      *logger.Logger
	bus         bus.EventBus
}

// NewStore creates the store and its base directory.
func NewStore(baseDir string, lockTimeout time.Duration, log *logger.Logger, eventBus bus.EventBus) (*Store, error) {
	dir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	return &Store{
		baseDir:     dir,
		lockTimeout: lockTimeout,
		logger:      log.WithFields(zap.String("component", "session_store")),
		bus:         eventBus,
	}, nil
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// CreateSession validates the input, assigns an id when absent, and writes
// the metadata file plus an empty event log.
func (s *Store) CreateSession(ctx context.Context, input CreateInput) (*Session, error) {
	if input.AgentType == "" {
		return nil, apperrors.Validation("agent_type", "agent_type is required")
	}

	id := input.ID
	if id == "" {
		id = ident.New()
	}

	sess := &Session{
		ID:             id,
		AgentType:      input.AgentType,
		ConversationID: input.ConversationID,
		SessionKey:     input.SessionKey,
		Status:         StatusActive,
		StartedAt:      time.Now().UnixMilli(),
	}

	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := s.writeMetadata(sess); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	s.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("agent_type", sess.AgentType),
		zap.String("session_key", sess.SessionKey))
	s.publish(ctx, bus.SubjectSessionCreated, map[string]interface{}{
		"session_id":  id,
		"session_key": sess.SessionKey,
	})
	return sess, nil
}

// GetSession loads a session's metadata.
func (s *Store) GetSession(id string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.SessionNotFound(id)
		}
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	var sess Session
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	return &sess, nil
}

// SessionExists reports whether a session directory with metadata exists.
func (s *Store) SessionExists(id string) bool {
	_, err := os.Stat(filepath.Join(s.sessionDir(id), metadataFile))
	return err == nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *Store) ListSessions(filter Filter) ([]*Session, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.GetSession(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable session",
				zap.String("session_id", entry.Name()),
				zap.Error(err))
			continue
		}
		if filter.matches(sess) {
			sessions = append(sessions, sess)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt > sessions[j].StartedAt
	})
	return sessions, nil
}

// UpdateSessionStatus moves a session to a new status. Transitions into
// completed or abandoned stamp ended_at; a session that has already ended
// cannot change status again.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) (*Session, error) {
	if !validStatus(status) {
		return nil, apperrors.Validation("status", fmt.Sprintf("unknown status %q", status))
	}

	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive && sess.Status != status {
		return nil, apperrors.Validation("status",
			fmt.Sprintf("session %s already ended with status %q", id, sess.Status))
	}

	sess.Status = status
	ended := status == StatusCompleted || status == StatusAbandoned
	if ended && sess.EndedAt == 0 {
		sess.EndedAt = time.Now().UnixMilli()
	}
	if err := s.writeMetadata(sess); err != nil {
		return nil, err
	}

	subject := bus.SubjectSessionUpdated
	if ended {
		subject = bus.SubjectSessionEnded
	}
	s.publish(ctx, subject, map[string]interface{}{
		"session_id": id,
		"status":     status,
	})
	return sess, nil
}

// CompleteSession marks a session completed.
func (s *Store) CompleteSession(ctx context.Context, id string) (*Session, error) {
	return s.UpdateSessionStatus(ctx, id, StatusCompleted)
}

// AppendEvent appends one event to the session's log under its file lock.
// Seq is assigned from the current line count so the log stays dense even
// across processes.
func (s *Store) AppendEvent(ctx context.Context, input AppendEventInput) (*Event, error) {
	if input.SessionID == "" {
		return nil, apperrors.Validation("session_id", "session_id is required")
	}
	if !validEventType(input.Type) {
		return nil, apperrors.Validation("type", fmt.Sprintf("unknown event type %q", input.Type))
	}
	if !s.SessionExists(input.SessionID) {
		return nil, apperrors.SessionNotFound(input.SessionID)
	}

	dir := s.sessionDir(input.SessionID)
	lock, err := lockfile.Acquire(filepath.Join(dir, lockFile), s.lockTimeout)
	if err != nil {
		return nil, apperrors.LockFailed(dir, err)
	}
	defer lock.Release()

	path := filepath.Join(dir, eventsFile)
	seq, err := countLines(path)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	ts := input.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	event := &Event{
		TS:        ts,
		Seq:       seq,
		Type:      input.Type,
		SessionID: input.SessionID,
		TraceID:   input.TraceID,
		Data:      input.Data,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := appendLine(path, line); err != nil {
		return nil, err
	}

	s.publish(ctx, bus.SubjectEventAppended, map[string]interface{}{
		"session_id": input.SessionID,
		"seq":        seq,
		"type":       input.Type,
	})
	return event, nil
}

// ReadEvents returns all events of a session sorted by seq. Lines that
// fail to parse or validate are skipped and reported once per read.
func (s *Store) ReadEvents(ctx context.Context, id string) ([]Event, error) {
	events, stats, err := s.readEventLog(id)
	if err != nil {
		return nil, err
	}
	s.reportReadErrors(ctx, id, stats)
	return events, nil
}

// ReadEventsSince returns events with since <= seq, and seq <= until when
// until is non-negative.
func (s *Store) ReadEventsSince(ctx context.Context, id string, since, until int) ([]Event, error) {
	events, err := s.ReadEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	out := events[:0:0]
	for _, e := range events {
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

// GetLastEvent returns the highest-seq event, or nil for an empty log.
func (s *Store) GetLastEvent(ctx context.Context, id string) (*Event, error) {
	events, err := s.ReadEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	last := events[len(events)-1]
	return &last, nil
}

// GetEventCount returns the number of valid events in the log.
func (s *Store) GetEventCount(ctx context.Context, id string) (int, error) {
	events, err := s.ReadEvents(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// RecoverOrphanedSessions marks every active session abandoned. Run on
// startup before accepting traffic, since a previous process may have died
// without ending its sessions.
func (s *Store) RecoverOrphanedSessions(ctx context.Context) (int, error) {
	active, err := s.ListSessions(Filter{Status: StatusActive})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, sess := range active {
		if _, err := s.UpdateSessionStatus(ctx, sess.ID, StatusAbandoned); err != nil {
			s.logger.Warn("failed to abandon orphaned session",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered orphaned sessions", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (s *Store) writeMetadata(sess *Session) error {
	data, err := yaml.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	path := filepath.Join(s.sessionDir(sess.ID), metadataFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	return nil
}

func (s *Store) readEventLog(id string) ([]Event, ReadStats, error) {
	var stats ReadStats

	f, err := os.Open(filepath.Join(s.sessionDir(id), eventsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stats, apperrors.SessionNotFound(id)
		}
		return nil, stats, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			stats.ParseFailures++
			continue
		}
		if event.SessionID == "" || !validEventType(event.Type) || event.Seq < 0 {
			stats.SchemaFailures++
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("failed to read event log: %w", err)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, stats, nil
}

func (s *Store) reportReadErrors(ctx context.Context, id string, stats ReadStats) {
	if stats.total() == 0 {
		return
	}
	s.logger.Warn("skipped malformed event lines",
		zap.String("session_id", id),
		zap.Int("parse_failures", stats.ParseFailures),
		zap.Int("schema_failures", stats.SchemaFailures))
	s.publish(ctx, bus.SubjectReadErrors, map[string]interface{}{
		"session_id":      id,
		"parse_failures":  stats.ParseFailures,
		"schema_failures": stats.SchemaFailures,
	})
}

func (s *Store) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "session_store", data)); err != nil {
		s.logger.Debug("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append line: %w", err)
	}
	return nil
}
