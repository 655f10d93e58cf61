// Package streaming smooths agent output into channel-sized messages: the
// Coalescer batches text chunks before they hit a chat platform, and the
// UpdateBatcher rate-limits edits to already-sent messages.
package streaming

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/logger"
)

// Callbacks receive coalesced output. OnChunk is invoked serially, in
// push order; the next chunk is not delivered until the previous call
// returns. OnComplete receives the full accumulated text exactly once.
type Callbacks struct {
	OnChunk    func(chunk string) error
	OnComplete func(fullText string)
	OnError    func(err error)
}

type coalescerState int

const (
	stateActive coalescerState = iota
	stateCompleted
	stateAborted
)

// Coalescer accumulates streamed text and emits it in chunks of at least
// minChars, or earlier when the stream goes idle. In buffered mode no
// chunks are emitted at all and the whole text is delivered on Complete.
type Coalescer struct {
	minChars int
	idle     time.Duration
	cb       Callbacks
	buffered bool
	logger   *logger.Logger

	mu        sync.Mutex
	buf       strings.Builder
	full      strings.Builder
	idleTimer *time.Timer
	state     coalescerState

	out chan string
	wg  sync.WaitGroup
}

// CoalescerOption customizes a Coalescer.
type CoalescerOption func(*Coalescer)

// WithBufferedDelivery disables chunking: nothing is sent until Complete,
// which delivers the entire response through OnComplete.
func WithBufferedDelivery() CoalescerOption {
	return func(c *Coalescer) { c.buffered = true }
}

// NewCoalescer creates a coalescer. One coalescer serves one response
// stream; create a fresh one per prompt.
func NewCoalescer(cfg config.StreamingConfig, cb Callbacks, log *logger.Logger, opts ...CoalescerOption) *Coalescer {
	c := &Coalescer{
		minChars: cfg.MinChars,
		idle:     cfg.IdleFlushDuration(),
		cb:       cb,
		logger:   log.WithFields(zap.String("component", "stream-coalescer")),
		out:      make(chan string, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.buffered {
		c.wg.Add(1)
		go c.deliver()
	}
	return c
}

// Push appends streamed text. Pushes after Complete or Abort are dropped.
func (c *Coalescer) Push(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateActive || text == "" {
		return
	}
	c.full.WriteString(text)
	if c.buffered {
		return
	}
	c.buf.WriteString(text)

	if c.buf.Len() >= c.minChars {
		c.flushLocked()
		return
	}
	c.resetIdleTimerLocked()
}

// Flush forces out whatever is buffered.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateActive {
		return
	}
	c.flushLocked()
}

// Complete flushes the remainder, waits for all chunks to be delivered
// and invokes OnComplete with the full text.
func (c *Coalescer) Complete() {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return
	}
	c.state = stateCompleted
	c.stopIdleTimerLocked()
	if !c.buffered {
		c.flushLocked()
		close(c.out)
	}
	full := c.full.String()
	c.mu.Unlock()

	c.wg.Wait()

	if c.cb.OnComplete != nil {
		c.cb.OnComplete(full)
	}
}

// Abort drops buffered text and cancels timers. OnComplete is not called.
func (c *Coalescer) Abort() {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return
	}
	c.state = stateAborted
	c.stopIdleTimerLocked()
	c.buf.Reset()
	if !c.buffered {
		close(c.out)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// flushLocked moves the buffer into the delivery queue. Callers hold mu.
func (c *Coalescer) flushLocked() {
	if c.buffered || c.buf.Len() == 0 {
		return
	}
	chunk := c.buf.String()
	c.buf.Reset()
	c.stopIdleTimerLocked()
	c.out <- chunk
}

func (c *Coalescer) resetIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.idle, c.idleFlush)
}

func (c *Coalescer) stopIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Coalescer) idleFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateActive {
		return
	}
	c.flushLocked()
}

// deliver drains the chunk queue serially so callbacks never overlap and
// order matches push order.
func (c *Coalescer) deliver() {
	defer c.wg.Done()
	for chunk := range c.out {
		c.mu.Lock()
		aborted := c.state == stateAborted
		c.mu.Unlock()
		if aborted {
			continue
		}
		if c.cb.OnChunk == nil {
			continue
		}
		if err := c.cb.OnChunk(chunk); err != nil {
			c.logger.Warn("chunk delivery failed", zap.Int("chunk_len", len(chunk)), zap.Error(err))
			if c.cb.OnError != nil {
				c.cb.OnError(err)
			}
		}
	}
}
