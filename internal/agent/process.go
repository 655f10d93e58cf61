// Package agent manages the agent subprocess: spawning, stdio wiring to
// the JSON-RPC connection, and the stderr ring buffer.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/pkg/acp/jsonrpc"
	"github.com/kynetic-ai/kbot/pkg/acp/protocol"
)

// Status represents the agent process status.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// errorWrapper wraps an error so it can be stored in atomic.Value (which cannot store nil)
type errorWrapper struct {
	err error
}

// Process manages the agent subprocess and owns its stdio.
type Process struct {
	cfg    config.AgentConfig
	logger *logger.Logger

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	status   atomic.Value // Status
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	stderrBuffer *StderrBuffer
	conn         *jsonrpc.Conn

	mu      sync.RWMutex
	wg      sync.WaitGroup
	doneCh  chan struct{}
	startMu sync.Mutex
}

// NewProcess creates a process manager for the configured agent command.
func NewProcess(cfg config.AgentConfig, log *logger.Logger) *Process {
	p := &Process{
		cfg:          cfg,
		logger:       log.WithFields(zap.String("component", "agent-process")),
		stderrBuffer: NewStderrBuffer(cfg.StderrBufferSize),
	}
	p.status.Store(StatusStopped)
	p.exitCode.Store(-1)
	return p
}

// Status returns the current process status.
func (p *Process) Status() Status {
	return p.status.Load().(Status)
}

// ExitCode returns the exit code, or -1 while running.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the exit error if any.
func (p *Process) ExitError() error {
	if v := p.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// Stderr returns the stderr ring buffer.
func (p *Process) Stderr() *StderrBuffer {
	return p.stderrBuffer
}

// Conn returns the JSON-RPC connection to the agent, nil before Start.
func (p *Process) Conn() *jsonrpc.Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doneCh
}

// Start spawns the agent and wires its stdio into a JSON-RPC connection.
func (p *Process) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.Status() == StatusRunning || p.Status() == StatusStarting {
		return fmt.Errorf("agent is already running")
	}
	if p.cfg.Command == "" {
		p.status.Store(StatusError)
		return fmt.Errorf("no agent command configured")
	}

	p.logger.Info("starting agent process",
		zap.String("command", p.cfg.Command),
		zap.Strings("args", p.cfg.Args),
		zap.String("workdir", p.cfg.WorkDir))

	p.status.Store(StatusStarting)
	p.exitCode.Store(-1)
	p.exitErr.Store(errorWrapper{err: nil})

	// Not CommandContext: the caller's context must not kill the agent
	// when the calling request completes.
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to start agent: %w", err)
	}

	conn := jsonrpc.NewConn(stdout, stdin, p.logger,
		jsonrpc.WithDefaultTimeout(p.cfg.RequestTimeoutDuration()),
		jsonrpc.WithMethodTimeout(protocol.MethodSessionPrompt, p.cfg.PromptTimeoutDuration()),
	)
	conn.Start()

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.stderr = stderr
	p.conn = conn
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(2)
	go p.readStderr()
	go p.waitForExit()

	p.status.Store(StatusRunning)
	p.logger.Info("agent process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Stop shuts the agent down: close stdin to signal EOF, wait for exit,
// kill when the context expires first.
func (p *Process) Stop(ctx context.Context) error {
	status := p.Status()
	if status == StatusStopped || status == StatusStopping {
		return nil
	}

	p.logger.Info("stopping agent process")
	p.status.Store(StatusStopping)

	p.mu.RLock()
	conn, stdin, cmd := p.conn, p.stdin, p.cmd
	p.mu.RUnlock()

	if conn != nil {
		conn.Close()
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("agent process stopped gracefully")
	case <-ctx.Done():
		if cmd != nil && cmd.Process != nil {
			p.logger.Warn("force killing agent process")
			_ = cmd.Process.Kill()
		}
		<-done
	}

	p.status.Store(StatusStopped)
	return nil
}

func (p *Process) readStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.stderrBuffer.Add(Line{
			Timestamp: time.Now(),
			Content:   scanner.Text(),
		})
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("stderr reader error", zap.Error(err))
	}
}

func (p *Process) waitForExit() {
	defer p.wg.Done()

	p.mu.RLock()
	cmd, doneCh := p.cmd, p.doneCh
	p.mu.RUnlock()
	defer close(doneCh)

	err := cmd.Wait()
	if err != nil {
		p.exitErr.Store(errorWrapper{err: err})
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode.Store(int32(exitErr.ExitCode()))
		}
		p.logger.Info("agent process exited with error", zap.Error(err))
	} else {
		p.exitCode.Store(0)
		p.logger.Info("agent process exited successfully")
	}

	p.status.Store(StatusStopped)
}
