package streaming

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/logger"
)

// ErrQueueFull is returned when a new message's update is dropped because
// the batcher queue is at capacity. Updates to already-queued messages
// never hit this.
var ErrQueueFull = errors.New("update queue full")

// Edit is one pending message edit.
type Edit struct {
	MessageID string
	ChannelID string
	Payload   map[string]interface{}
}

// EditFunc applies an edit to the platform.
type EditFunc func(ctx context.Context, edit Edit) error

// UpdateBatcher coalesces rich-widget edits per message id and applies
// them through a token bucket, so a chatty agent cannot burn a platform's
// edit rate limit. Consecutive updates to the same message collapse into
// the newest payload; a debounce window delays the first flush so rapid
// successions arrive as one edit.
type UpdateBatcher struct {
	editFn   EditFunc
	logger   *logger.Logger
	debounce time.Duration
	queueCap int
	limiter  *rate.Limiter

	mu      sync.Mutex
	pending map[string]*Edit
	order   []string

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewUpdateBatcher creates a batcher that applies edits through editFn.
func NewUpdateBatcher(cfg config.StreamingConfig, editFn EditFunc, log *logger.Logger) *UpdateBatcher {
	return &UpdateBatcher{
		editFn:   editFn,
		logger:   log.WithFields(zap.String("component", "update-batcher")),
		debounce: cfg.BatchDebounceDuration(),
		queueCap: cfg.BatchQueueCap,
		limiter:  rate.NewLimiter(rate.Limit(cfg.EditRefillPerSec), cfg.EditBucketSize),
		pending:  make(map[string]*Edit),
		notify:   make(chan struct{}, 1),
	}
}

// Start begins the flush goroutine.
func (b *UpdateBatcher) Start() {
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.flushLoop()
}

// Stop drains pending edits with a bounded grace period and stops the
// flush goroutine.
func (b *UpdateBatcher) Stop() {
	close(b.done)
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.process(ctx)
}

// QueueUpdate enqueues an edit for message id, replacing any pending edit
// for the same id. New entries beyond the queue cap are dropped with
// ErrQueueFull.
func (b *UpdateBatcher) QueueUpdate(messageID, channelID string, payload map[string]interface{}) error {
	b.mu.Lock()
	if existing, ok := b.pending[messageID]; ok {
		existing.ChannelID = channelID
		existing.Payload = payload
		b.mu.Unlock()
		return nil
	}
	if len(b.pending) >= b.queueCap {
		b.mu.Unlock()
		b.logger.Warn("dropping update, queue at capacity",
			zap.String("message_id", messageID), zap.Int("cap", b.queueCap))
		return ErrQueueFull
	}
	b.pending[messageID] = &Edit{MessageID: messageID, ChannelID: channelID, Payload: payload}
	b.order = append(b.order, messageID)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// PendingCount returns the number of queued edits.
func (b *UpdateBatcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *UpdateBatcher) flushLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case <-b.notify:
		}

		// Debounce: give rapid successive updates a chance to coalesce
		// before the first edit goes out.
		timer := time.NewTimer(b.debounce)
		select {
		case <-timer.C:
		case <-b.done:
			timer.Stop()
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-b.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		b.process(ctx)
		cancel()
	}
}

// process applies pending edits FIFO until the queue is empty. Edits
// queued or replaced while waiting for tokens are picked up with their
// latest payload.
func (b *UpdateBatcher) process(ctx context.Context) {
	for {
		if b.PendingCount() == 0 {
			return
		}
		// Wait for a token before popping so updates arriving during the
		// wait still coalesce into the entry about to be sent.
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}

		edit, ok := b.pop()
		if !ok {
			return
		}
		if err := b.editFn(ctx, *edit); err != nil {
			b.logger.Warn("message edit failed",
				zap.String("message_id", edit.MessageID),
				zap.String("channel_id", edit.ChannelID),
				zap.Error(err))
		}
	}
}

func (b *UpdateBatcher) pop() (*Edit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.order) > 0 {
		id := b.order[0]
		b.order = b.order[1:]
		if edit, ok := b.pending[id]; ok {
			delete(b.pending, id)
			return edit, true
		}
	}
	return nil, false
}
