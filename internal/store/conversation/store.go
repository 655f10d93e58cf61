package conversation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
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
	metadataFile     = "conversation.yaml"
	turnsFile        = "turns.jsonl"
	lockFile         = ".lock"
	messageIndexFile = "message-id-index.json"

	sessionKeyIndexFile = "session-key-index.json"
	sessionKeyIndexLock = ".session-key-index.lock"
)

// Store persists conversations under <baseDir>/conversations/<id>/.
type Store struct {
	baseDir     string
	lockTimeout time.Duration
	logger      *logger.Logger
	bus         bus.EventBus
	sessions    SessionChecker

	// message-id index cache, conversation id -> message id -> turn seq
	indexMu    sync.Mutex
	indexCache map[string]map[string]int
}

// Option configures a Store.
type Option func(*Store)

// WithSessionStore enables foreign-key checks on appended turns.
func WithSessionStore(checker SessionChecker) Option {
	return func(s *Store) { s.sessions = checker }
}

// NewStore creates the store and its base directory.
func NewStore(baseDir string, lockTimeout time.Duration, log *logger.Logger, eventBus bus.EventBus, opts ...Option) (*Store, error) {
	dir := filepath.Join(baseDir, "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversations dir: %w", err)
	}
	s := &Store{
		baseDir:     dir,
		lockTimeout: lockTimeout,
		logger:      log.WithFields(zap.String("component", "conversation_store")),
		bus:         eventBus,
		indexCache:  make(map[string]map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) conversationDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// CreateConversation creates an active conversation for the key. The
// session-key index is updated under its own lock so two concurrent
// creates for one key cannot both succeed.
func (s *Store) CreateConversation(ctx context.Context, sessionKey string) (*Conversation, error) {
	if sessionKey == "" {
		return nil, apperrors.Validation("session_key", "session_key is required")
	}

	indexLock, err := lockfile.Acquire(filepath.Join(s.baseDir, sessionKeyIndexLock), s.lockTimeout)
	if err != nil {
		return nil, apperrors.IndexLockFailed(s.baseDir, err)
	}
	defer indexLock.Release()

	index, err := s.loadSessionKeyIndex()
	if err != nil {
		return nil, err
	}
	if existing, ok := index[sessionKey]; ok {
		return nil, apperrors.Validation("session_key",
			fmt.Sprintf("active conversation %s already exists for key %q", existing, sessionKey))
	}

	now := time.Now().UnixMilli()
	conv := &Conversation{
		ID:         ident.New(),
		SessionKey: sessionKey,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	dir := s.conversationDir(conv.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversation dir: %w", err)
	}
	if err := s.writeMetadata(conv); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, turnsFile), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to create turn log: %w", err)
	}

	index[sessionKey] = conv.ID
	if err := s.saveSessionKeyIndex(index); err != nil {
		return nil, err
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("session_key", sessionKey))
	s.publish(ctx, bus.SubjectConversationCreated, map[string]interface{}{
		"conversation_id": conv.ID,
		"session_key":     sessionKey,
	})
	return conv, nil
}

// GetOrCreateConversation returns the active conversation for the key,
// creating one if none exists.
func (s *Store) GetOrCreateConversation(ctx context.Context, sessionKey string) (*Conversation, error) {
	if sessionKey == "" {
		return nil, apperrors.Validation("session_key", "session_key is required")
	}

	if conv, err := s.GetConversationBySessionKey(sessionKey); err == nil {
		return conv, nil
	} else if !apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
		return nil, err
	}

	conv, err := s.CreateConversation(ctx, sessionKey)
	if err != nil && apperrors.IsCode(err, apperrors.ErrCodeValidationError) {
		// A concurrent create for the same key won the index lock.
		return s.GetConversationBySessionKey(sessionKey)
	}
	return conv, err
}

// GetConversation loads a conversation's metadata.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	data, err := os.ReadFile(filepath.Join(s.conversationDir(id), metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("conversation", id)
		}
		return nil, fmt.Errorf("failed to read conversation %s: %w", id, err)
	}
	var conv Conversation
	if err := yaml.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to parse conversation %s: %w", id, err)
	}
	return &conv, nil
}

// GetConversationBySessionKey resolves the active conversation through the
// session-key index.
func (s *Store) GetConversationBySessionKey(sessionKey string) (*Conversation, error) {
	index, err := s.loadSessionKeyIndex()
	if err != nil {
		return nil, err
	}
	id, ok := index[sessionKey]
	if !ok {
		return nil, apperrors.NotFound("conversation for session key", sessionKey)
	}
	return s.GetConversation(id)
}

// ArchiveConversation marks a conversation archived and drops it from the
// session-key index, freeing the key for a fresh conversation.
func (s *Store) ArchiveConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.GetConversation(id)
	if err != nil {
		return nil, err
	}
	if conv.Status == StatusArchived {
		return conv, nil
	}

	indexLock, err := lockfile.Acquire(filepath.Join(s.baseDir, sessionKeyIndexLock), s.lockTimeout)
	if err != nil {
		return nil, apperrors.IndexLockFailed(s.baseDir, err)
	}
	defer indexLock.Release()

	conv.Status = StatusArchived
	conv.UpdatedAt = maxInt64(conv.UpdatedAt, time.Now().UnixMilli())
	if err := s.writeMetadata(conv); err != nil {
		return nil, err
	}

	index, err := s.loadSessionKeyIndex()
	if err != nil {
		return nil, err
	}
	if index[conv.SessionKey] == id {
		delete(index, conv.SessionKey)
		if err := s.saveSessionKeyIndex(index); err != nil {
			return nil, err
		}
	}

	s.publish(ctx, bus.SubjectConversationArchived, map[string]interface{}{
		"conversation_id": id,
		"session_key":     conv.SessionKey,
	})
	return conv, nil
}

// AppendTurn appends a pointer-bearing turn under the conversation's lock.
// Appends carrying a message id already present in the index are no-ops
// returning the prior turn.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, input AppendTurnInput) (*AppendResult, error) {
	if !validRole(input.Role) {
		return nil, apperrors.Validation("role", fmt.Sprintf("unknown role %q", input.Role))
	}
	if input.SessionID == "" {
		return nil, apperrors.Validation("session_id", "session_id is required")
	}
	if input.EventRange.StartSeq < 0 || input.EventRange.EndSeq < input.EventRange.StartSeq {
		return nil, apperrors.Validation("event_range",
			fmt.Sprintf("invalid event range [%d,%d]", input.EventRange.StartSeq, input.EventRange.EndSeq))
	}
	if s.sessions != nil && !s.sessions.SessionExists(input.SessionID) {
		return nil, apperrors.InvalidSessionRef(input.SessionID)
	}

	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}

	dir := s.conversationDir(conversationID)
	lock, err := lockfile.Acquire(filepath.Join(dir, lockFile), s.lockTimeout)
	if err != nil {
		return nil, apperrors.LockFailed(dir, err)
	}
	defer lock.Release()

	if input.MessageID != "" {
		index, err := s.messageIndex(conversationID)
		if err != nil {
			return nil, err
		}
		if seq, ok := index[input.MessageID]; ok {
			prior, err := s.turnBySeq(conversationID, seq)
			if err != nil {
				return nil, err
			}
			s.logger.Debug("duplicate turn append",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", input.MessageID),
				zap.Int("seq", seq))
			return &AppendResult{Turn: prior, WasDuplicate: true}, nil
		}
	}

	// seq advances with every physical line, torn or not, so it never
	// collides with a seq already on disk. turn_count only counts lines
	// that parse and validate.
	path := filepath.Join(dir, turnsFile)
	seq, err := countLines(path)
	if err != nil {
		return nil, fmt.Errorf("failed to count turns: %w", err)
	}
	valid, _, _, err := s.readTurnLog(conversationID)
	if err != nil {
		return nil, err
	}

	ts := input.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	turn := &Turn{
		TS:         ts,
		Seq:        seq,
		Role:       input.Role,
		SessionID:  input.SessionID,
		EventRange: input.EventRange,
		MessageID:  input.MessageID,
		Metadata:   input.Metadata,
	}

	line, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turn: %w", err)
	}
	if err := appendLine(path, line); err != nil {
		return nil, err
	}

	if input.MessageID != "" {
		if err := s.updateMessageIndex(conversationID, input.MessageID, seq); err != nil {
			return nil, err
		}
	}

	conv.TurnCount = len(valid) + 1
	conv.UpdatedAt = maxInt64(conv.UpdatedAt, ts)
	if err := s.writeMetadata(conv); err != nil {
		return nil, err
	}

	s.publish(ctx, bus.SubjectTurnAppended, map[string]interface{}{
		"conversation_id": conversationID,
		"seq":             seq,
		"role":            input.Role,
	})
	return &AppendResult{Turn: turn}, nil
}

// ReadTurns returns all valid turns sorted by seq. When the message-id
// index file is missing but turns exist, the index is rebuilt from the log.
func (s *Store) ReadTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	if _, err := s.GetConversation(conversationID); err != nil {
		return nil, err
	}

	turns, parseFailures, schemaFailures, err := s.readTurnLog(conversationID)
	if err != nil {
		return nil, err
	}

	if parseFailures+schemaFailures > 0 {
		s.logger.Warn("skipped malformed turn lines",
			zap.String("conversation_id", conversationID),
			zap.Int("parse_failures", parseFailures),
			zap.Int("schema_failures", schemaFailures))
		s.publish(ctx, bus.SubjectReadErrors, map[string]interface{}{
			"conversation_id": conversationID,
			"parse_failures":  parseFailures,
			"schema_failures": schemaFailures,
		})
	}

	indexPath := filepath.Join(s.conversationDir(conversationID), messageIndexFile)
	if _, err := os.Stat(indexPath); os.IsNotExist(err) && len(turns) > 0 {
		if err := s.rebuildMessageIndex(conversationID, turns); err != nil {
			s.logger.Warn("failed to rebuild message-id index",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
		}
	}
	return turns, nil
}

func (s *Store) turnBySeq(conversationID string, seq int) (*Turn, error) {
	turns, _, _, err := s.readTurnLog(conversationID)
	if err != nil {
		return nil, err
	}
	for i := range turns {
		if turns[i].Seq == seq {
			return &turns[i], nil
		}
	}
	return nil, apperrors.Internal(
		fmt.Sprintf("message-id index points at missing turn seq %d in %s", seq, conversationID), nil)
}

func (s *Store) readTurnLog(conversationID string) ([]Turn, int, int, error) {
	f, err := os.Open(filepath.Join(s.conversationDir(conversationID), turnsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, 0, nil
		}
		return nil, 0, 0, fmt.Errorf("failed to open turn log: %w", err)
	}
	defer f.Close()

	var turns []Turn
	parseFailures, schemaFailures := 0, 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var turn Turn
		if err := json.Unmarshal(line, &turn); err != nil {
			parseFailures++
			continue
		}
		if !validRole(turn.Role) || turn.SessionID == "" ||
			turn.EventRange.EndSeq < turn.EventRange.StartSeq || turn.Seq < 0 {
			schemaFailures++
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read turn log: %w", err)
	}

	sort.Slice(turns, func(i, j int) bool { return turns[i].Seq < turns[j].Seq })
	return turns, parseFailures, schemaFailures, nil
}

// messageIndex returns the message-id index for a conversation, loading it
// from disk on first use.
func (s *Store) messageIndex(conversationID string) (map[string]int, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if index, ok := s.indexCache[conversationID]; ok {
		return index, nil
	}

	index := make(map[string]int)
	data, err := os.ReadFile(filepath.Join(s.conversationDir(conversationID), messageIndexFile))
	if err == nil {
		if err := json.Unmarshal(data, &index); err != nil {
			// A corrupt index is rebuilt from the turn log.
			s.logger.Warn("corrupt message-id index, starting empty",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
			index = make(map[string]int)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read message-id index: %w", err)
	}

	s.indexCache[conversationID] = index
	return index, nil
}

func (s *Store) updateMessageIndex(conversationID, messageID string, seq int) error {
	index, err := s.messageIndex(conversationID)
	if err != nil {
		return err
	}

	s.indexMu.Lock()
	index[messageID] = seq
	s.indexMu.Unlock()

	return s.saveMessageIndex(conversationID, index)
}

func (s *Store) rebuildMessageIndex(conversationID string, turns []Turn) error {
	index := make(map[string]int)
	for _, turn := range turns {
		if turn.MessageID != "" {
			index[turn.MessageID] = turn.Seq
		}
	}

	s.indexMu.Lock()
	s.indexCache[conversationID] = index
	s.indexMu.Unlock()

	if len(index) == 0 {
		return nil
	}
	s.logger.Info("rebuilt message-id index",
		zap.String("conversation_id", conversationID),
		zap.Int("entries", len(index)))
	return s.saveMessageIndex(conversationID, index)
}

func (s *Store) saveMessageIndex(conversationID string, index map[string]int) error {
	s.indexMu.Lock()
	data, err := json.Marshal(index)
	s.indexMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal message-id index: %w", err)
	}
	path := filepath.Join(s.conversationDir(conversationID), messageIndexFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write message-id index: %w", err)
	}
	return nil
}

func (s *Store) loadSessionKeyIndex() (map[string]string, error) {
	index := make(map[string]string)
	data, err := os.ReadFile(filepath.Join(s.baseDir, sessionKeyIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("failed to read session-key index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse session-key index: %w", err)
	}
	return index, nil
}

func (s *Store) saveSessionKeyIndex(index map[string]string) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal session-key index: %w", err)
	}
	path := filepath.Join(s.baseDir, sessionKeyIndexFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session-key index: %w", err)
	}
	return nil
}

func (s *Store) writeMetadata(conv *Conversation) error {
	data, err := yaml.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	path := filepath.Join(s.conversationDir(conv.ID), metadataFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write conversation metadata: %w", err)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "conversation_store", data)); err != nil {
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

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
