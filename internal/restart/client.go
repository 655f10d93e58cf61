// Package restart is the child side of the planned-restart handshake:
// it asks the supervisor to restart the process with a checkpoint and
// waits for the acknowledgment.
package restart

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/common/errors"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/supervisor"
)

const (
	defaultAckTimeout = 5 * time.Second
	defaultMaxRetries = 1
)

// Options controls one restart request.
type Options struct {
	// CheckpointPath is the checkpoint the supervisor passes to the next
	// child. Must already exist when the request is sent.
	CheckpointPath string

	// Timeout bounds the wait for one acknowledgment. Zero means the
	// default of 5 seconds.
	Timeout time.Duration

	// MaxRetries is how many times a timed-out request is resent.
	// Zero means the default of 1.
	MaxRetries int
}

// Client talks to the supervisor over the inherited pipe pair.
type Client struct {
	logger     *logger.Logger
	w          io.Writer
	supervised bool
	pending    atomic.Bool

	inbound chan supervisor.IPCMessage
}

// NewClient builds a client from the process environment: supervised
// children inherit the IPC pipes as fds 3 and 4.
func NewClient(log *logger.Logger) *Client {
	if os.Getenv(supervisor.EnvSupervised) != "1" {
		return newClient(nil, nil, false, log)
	}
	w := os.NewFile(uintptr(supervisor.ChildWriteFD), "supervisor-ipc-w")
	r := os.NewFile(uintptr(supervisor.ChildReadFD), "supervisor-ipc-r")
	if w == nil || r == nil {
		return newClient(nil, nil, false, log)
	}
	return newClient(w, r, true, log)
}

// NewClientWithPipes wires explicit endpoints, used by tests and by the
// runtime when the fds are dup'ed elsewhere.
func NewClientWithPipes(w io.Writer, r io.Reader, log *logger.Logger) *Client {
	return newClient(w, r, w != nil && r != nil, log)
}

func newClient(w io.Writer, r io.Reader, supervised bool, log *logger.Logger) *Client {
	c := &Client{
		logger:     log.WithFields(zap.String("component", "restart-client")),
		w:          w,
		supervised: supervised,
		inbound:    make(chan supervisor.IPCMessage, 8),
	}
	if supervised {
		go c.readLoop(r)
	}
	return c
}

func (c *Client) readLoop(r io.Reader) {
	defer close(c.inbound)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg supervisor.IPCMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.logger.Warn("ignoring malformed supervisor message", zap.Error(err))
			continue
		}
		select {
		case c.inbound <- msg:
		default:
			c.logger.Warn("dropping supervisor message, inbound queue full",
				zap.String("type", msg.Type))
		}
	}
}

// IsSupervised reports whether an IPC channel to a supervisor exists.
func (c *Client) IsSupervised() bool {
	return c.supervised
}

// IsPending reports whether a restart request is in flight.
func (c *Client) IsPending() bool {
	return c.pending.Load()
}

// RequestRestart sends a planned_restart and waits for the restart_ack.
// Fails with NO_IPC_CHANNEL when unsupervised and RESTART_PENDING when a
// request is already in flight. On final failure the checkpoint file is
// removed so a stale checkpoint never leaks into a later crash restart.
func (c *Client) RequestRestart(ctx context.Context, opts Options) error {
	if !c.supervised {
		return errors.Coded(errors.ErrCodeNoIPCChannel, "not running under a supervisor")
	}
	if !c.pending.CompareAndSwap(false, true) {
		return errors.Coded(errors.ErrCodeRestartPending, "a restart request is already in flight")
	}
	defer c.pending.Store(false)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("restart ack timed out, retrying",
				zap.Int("attempt", attempt))
		}
		err := c.requestOnce(ctx, opts.CheckpointPath, timeout)
		if err == nil {
			c.logger.Info("restart acknowledged",
				zap.String("checkpoint", opts.CheckpointPath))
			return nil
		}
		lastErr = err
		if !errors.IsCode(err, errors.ErrCodeTimeout) {
			break
		}
	}

	c.cleanupCheckpoint(opts.CheckpointPath)
	c.logger.Error("restart request failed", zap.Error(lastErr))
	return lastErr
}

func (c *Client) requestOnce(ctx context.Context, checkpointPath string, timeout time.Duration) error {
	msg := supervisor.IPCMessage{
		Type:       supervisor.MsgPlannedRestart,
		Checkpoint: checkpointPath,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Internal("failed to encode restart request", err)
	}
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return errors.Internal("failed to send restart request", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case reply, ok := <-c.inbound:
			if !ok {
				return errors.Coded(errors.ErrCodeNoIPCChannel, "supervisor closed the IPC channel")
			}
			switch reply.Type {
			case supervisor.MsgRestartAck:
				return nil
			case supervisor.MsgError:
				return errors.Coded(errors.ErrCodeInternalError,
					fmt.Sprintf("supervisor rejected restart: %s", reply.Message))
			default:
				// Unrelated message, keep waiting.
			}
		case <-timer.C:
			return errors.Coded(errors.ErrCodeTimeout, "timed out waiting for restart_ack")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) cleanupCheckpoint(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove checkpoint after failed restart",
			zap.String("path", path), zap.Error(err))
	}
}
