package restart

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic-ai/kbot/internal/common/errors"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/supervisor"
)

// fakeParent plays the supervisor side of the pipe pair.
type fakeParent struct {
	fromChild *bufio.Scanner
	toChild   io.WriteCloser
}

func newClientWithFakeParent(t *testing.T) (*Client, *fakeParent) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	childOutR, childOutW := io.Pipe()
	parentOutR, parentOutW := io.Pipe()

	client := NewClientWithPipes(childOutW, parentOutR, log)
	parent := &fakeParent{
		fromChild: bufio.NewScanner(childOutR),
		toChild:   parentOutW,
	}
	return client, parent
}

func (p *fakeParent) readRequest(t *testing.T) supervisor.IPCMessage {
	t.Helper()
	require.True(t, p.fromChild.Scan(), "no request from child")
	var msg supervisor.IPCMessage
	require.NoError(t, json.Unmarshal(p.fromChild.Bytes(), &msg))
	return msg
}

func (p *fakeParent) reply(t *testing.T, msg supervisor.IPCMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	_, err = p.toChild.Write(append(data, '\n'))
	require.NoError(t, err)
}

func TestRequestRestartHappyPath(t *testing.T) {
	client, parent := newClientWithFakeParent(t)
	require.True(t, client.IsSupervised())

	go func() {
		req := parent.readRequest(t)
		assert.Equal(t, supervisor.MsgPlannedRestart, req.Type)
		assert.Equal(t, "/tmp/ck.yaml", req.Checkpoint)
		parent.reply(t, supervisor.IPCMessage{Type: supervisor.MsgRestartAck})
	}()

	err := client.RequestRestart(context.Background(), Options{CheckpointPath: "/tmp/ck.yaml"})
	require.NoError(t, err)
	assert.False(t, client.IsPending())
}

func TestRequestRestartUnsupervised(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	client := NewClientWithPipes(nil, nil, log)
	assert.False(t, client.IsSupervised())

	err = client.RequestRestart(context.Background(), Options{CheckpointPath: "/tmp/ck.yaml"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoIPCChannel))
}

func TestRequestRestartRejectsConcurrent(t *testing.T) {
	client, parent := newClientWithFakeParent(t)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- client.RequestRestart(context.Background(),
			Options{CheckpointPath: "/tmp/ck.yaml", Timeout: 2 * time.Second})
	}()

	// Wait for the first request to hit the wire so pending is set.
	_ = parent.readRequest(t)

	err := client.RequestRestart(context.Background(), Options{CheckpointPath: "/tmp/other.yaml"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRestartPending))

	parent.reply(t, supervisor.IPCMessage{Type: supervisor.MsgRestartAck})
	require.NoError(t, <-firstDone)
}

func TestRequestRestartRetriesOnTimeout(t *testing.T) {
	ck := filepath.Join(t.TempDir(), "ck.yaml")
	require.NoError(t, os.WriteFile(ck, []byte("version: 1\n"), 0o644))

	client, parent := newClientWithFakeParent(t)

	go func() {
		// Ignore the first request, ack the retry.
		_ = parent.readRequest(t)
		_ = parent.readRequest(t)
		parent.reply(t, supervisor.IPCMessage{Type: supervisor.MsgRestartAck})
	}()

	err := client.RequestRestart(context.Background(), Options{
		CheckpointPath: ck,
		Timeout:        100 * time.Millisecond,
		MaxRetries:     1,
	})
	require.NoError(t, err)

	// Successful restart leaves the checkpoint for the supervisor.
	_, statErr := os.Stat(ck)
	assert.NoError(t, statErr)
}

func TestRequestRestartTimeoutRemovesCheckpoint(t *testing.T) {
	ck := filepath.Join(t.TempDir(), "ck.yaml")
	require.NoError(t, os.WriteFile(ck, []byte("version: 1\n"), 0o644))

	client, parent := newClientWithFakeParent(t)

	go func() {
		// Swallow both attempts without acking.
		_ = parent.readRequest(t)
		_ = parent.readRequest(t)
	}()

	err := client.RequestRestart(context.Background(), Options{
		CheckpointPath: ck,
		Timeout:        50 * time.Millisecond,
		MaxRetries:     1,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTimeout))

	_, statErr := os.Stat(ck)
	assert.True(t, os.IsNotExist(statErr), "failed restart must clean up its checkpoint")
	assert.False(t, client.IsPending())
}

func TestRequestRestartSupervisorErrorNotRetried(t *testing.T) {
	client, parent := newClientWithFakeParent(t)

	go func() {
		_ = parent.readRequest(t)
		parent.reply(t, supervisor.IPCMessage{
			Type:    supervisor.MsgError,
			Message: "checkpoint path not accessible",
		})
	}()

	err := client.RequestRestart(context.Background(), Options{
		CheckpointPath: "/tmp/ck.yaml",
		Timeout:        time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not accessible")
}

func TestRequestRestartIgnoresUnrelatedMessages(t *testing.T) {
	client, parent := newClientWithFakeParent(t)

	go func() {
		_ = parent.readRequest(t)
		parent.reply(t, supervisor.IPCMessage{Type: "noise"})
		parent.reply(t, supervisor.IPCMessage{Type: supervisor.MsgRestartAck})
	}()

	err := client.RequestRestart(context.Background(), Options{
		CheckpointPath: "/tmp/ck.yaml",
		Timeout:        time.Second,
	})
	require.NoError(t, err)
}
