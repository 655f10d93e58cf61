package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/events/bus"
)

// State of a managed adapter.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateStopping  State = "stopping"
)

const (
	sendQueueCap     = 256
	sendRetryBackoff = 250 * time.Millisecond
)

type outbound struct {
	channel string
	text    string
	result  chan error
}

// Lifecycle manages one adapter: start/stop, periodic health checks with
// bounded reconnects, and a strictly FIFO send queue that retries
// transient failures with exponential backoff.
type Lifecycle struct {
	adapter Adapter
	cfg     config.ChannelConfig
	bus     bus.EventBus
	logger  *logger.Logger

	mu       sync.Mutex
	state    State
	failures int

	queue    chan *outbound
	pending  sync.WaitGroup
	draining atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewLifecycle wraps an adapter.
func NewLifecycle(adapter Adapter, cfg config.ChannelConfig, eventBus bus.EventBus, log *logger.Logger) *Lifecycle {
	return &Lifecycle{
		adapter: adapter,
		cfg:     cfg,
		bus:     eventBus,
		logger: log.WithFields(
			zap.String("component", "channel-lifecycle"),
			zap.String("platform", adapter.Platform())),
		state: StateIdle,
		queue: make(chan *outbound, sendQueueCap),
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start brings the adapter up. Only valid from idle.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateIdle {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("cannot start channel from state %q", state)
	}
	l.state = StateStarting
	l.mu.Unlock()

	if err := l.adapter.Start(ctx); err != nil {
		l.mu.Lock()
		l.state = StateIdle
		l.mu.Unlock()
		return fmt.Errorf("adapter start failed: %w", err)
	}

	l.mu.Lock()
	l.state = StateHealthy
	l.failures = 0
	l.mu.Unlock()

	l.draining.Store(false)
	l.done = make(chan struct{})
	l.wg.Add(2)
	go l.sendLoop()
	go l.healthLoop()

	l.publish(ctx, bus.SubjectChannelStarted, nil)
	l.logger.Info("channel started")
	return nil
}

// Stop drains the send queue with a bounded grace period and stops the
// adapter. Idempotent; errors during adapter stop are logged, the state
// still returns to idle.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateIdle || l.state == StateStopping {
		l.mu.Unlock()
		return nil
	}
	l.state = StateStopping
	l.mu.Unlock()

	l.draining.Store(true)

	drained := make(chan struct{})
	go func() {
		l.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Duration(l.cfg.DrainTimeout) * time.Second):
		l.logger.Warn("send queue drain timed out, rejecting remaining messages")
	}

	close(l.done)
	l.wg.Wait()

	if err := l.adapter.Stop(ctx); err != nil {
		l.logger.Warn("adapter stop failed", zap.Error(err))
	}

	l.mu.Lock()
	l.state = StateIdle
	l.mu.Unlock()

	l.publish(ctx, bus.SubjectChannelStopped, nil)
	l.logger.Info("channel stopped")
	return nil
}

// Send enqueues a message. The call blocks until the message has been
// delivered or rejected, so callers observe the platform's pace.
func (l *Lifecycle) Send(ctx context.Context, channel, text string) error {
	if l.draining.Load() {
		return fmt.Errorf("channel is draining, message rejected")
	}

	out := &outbound{channel: channel, text: text, result: make(chan error, 1)}
	l.pending.Add(1)

	select {
	case l.queue <- out:
	default:
		l.pending.Done()
		return fmt.Errorf("send queue full")
	}

	select {
	case err := <-out.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTyping emits a typing indicator when the adapter supports it and
// the channel is healthy. Errors are swallowed.
func (l *Lifecycle) SendTyping(ctx context.Context, channel string) {
	typer, ok := l.adapter.(TypingSender)
	if !ok || l.State() != StateHealthy {
		return
	}
	if err := typer.SendTyping(ctx, channel); err != nil {
		l.logger.Debug("typing indicator failed", zap.Error(err))
	}
}

// sendLoop delivers queued messages one at a time, in order.
func (l *Lifecycle) sendLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done:
			l.rejectRemaining()
			return
		case out := <-l.queue:
			out.result <- l.deliver(out)
			l.pending.Done()
		}
	}
}

func (l *Lifecycle) rejectRemaining() {
	for {
		select {
		case out := <-l.queue:
			out.result <- fmt.Errorf("channel stopped before message was sent")
			l.pending.Done()
		default:
			return
		}
	}
}

// deliver retries transient failures with exponential backoff and pauses
// while the channel is unhealthy.
func (l *Lifecycle) deliver(out *outbound) error {
	backoff := sendRetryBackoff
	var lastErr error

	for attempt := 1; attempt <= l.cfg.SendMaxAttempts; attempt++ {
		if !l.waitHealthy() {
			return fmt.Errorf("channel stopped while waiting to send")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := l.adapter.SendMessage(ctx, out.channel, out.text)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}

		l.logger.Warn("transient send failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-l.done:
			return fmt.Errorf("channel stopped while retrying send: %w", err)
		}
		backoff *= 2
	}
	return fmt.Errorf("send failed after %d attempts: %w", l.cfg.SendMaxAttempts, lastErr)
}

// waitHealthy blocks while the channel is unhealthy. Returns false when
// the lifecycle shuts down first.
func (l *Lifecycle) waitHealthy() bool {
	for {
		switch l.State() {
		case StateHealthy, StateStopping:
			// Stopping still flushes the queue during the drain window.
			return true
		case StateIdle:
			return false
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-l.done:
			return false
		}
	}
}

func (l *Lifecycle) healthLoop() {
	defer l.wg.Done()

	checker, ok := l.adapter.(HealthChecker)
	if !ok {
		return
	}

	ticker := time.NewTicker(time.Duration(l.cfg.HealthCheckInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.checkHealth(checker)
		}
	}
}

func (l *Lifecycle) checkHealth(checker HealthChecker) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := checker.Healthy(ctx)
	if err == nil {
		l.mu.Lock()
		recovered := l.state == StateUnhealthy
		l.state = StateHealthy
		l.failures = 0
		l.mu.Unlock()
		if recovered {
			l.publish(ctx, bus.SubjectChannelReconnected, nil)
			l.logger.Info("channel recovered")
		}
		return
	}

	l.mu.Lock()
	l.failures++
	failures := l.failures
	l.mu.Unlock()

	l.logger.Warn("health check failed",
		zap.Int("consecutive_failures", failures),
		zap.Error(err))

	if failures < l.cfg.FailureThreshold {
		return
	}

	l.mu.Lock()
	wasHealthy := l.state == StateHealthy
	l.state = StateUnhealthy
	l.mu.Unlock()
	if wasHealthy {
		l.publish(ctx, bus.SubjectChannelUnhealthy, map[string]interface{}{
			"consecutive_failures": failures,
		})
	}
	l.reconnect()
}

// reconnect restarts the adapter with a delay between attempts. On
// exhaustion the channel stays unhealthy until the next health cycle.
func (l *Lifecycle) reconnect() {
	for attempt := 1; attempt <= l.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-time.After(time.Duration(l.cfg.ReconnectDelay) * time.Second):
		case <-l.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = l.adapter.Stop(ctx)
		err := l.adapter.Start(ctx)
		cancel()
		if err == nil {
			l.mu.Lock()
			l.state = StateHealthy
			l.failures = 0
			l.mu.Unlock()
			l.publish(context.Background(), bus.SubjectChannelReconnected, map[string]interface{}{
				"attempt": attempt,
			})
			l.logger.Info("channel reconnected", zap.Int("attempt", attempt))
			return
		}
		l.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))
	}
	l.logger.Error("reconnect attempts exhausted, channel remains unhealthy",
		zap.Int("attempts", l.cfg.MaxReconnectAttempts))
}

func (l *Lifecycle) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if l.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["platform"] = l.adapter.Platform()
	event := bus.NewEvent(subject, "channel-lifecycle", data)
	if err := l.bus.Publish(ctx, subject, event); err != nil {
		l.logger.Warn("failed to publish channel event",
			zap.String("subject", subject), zap.Error(err))
	}
}
