// Package supervisor keeps the bot child process alive: it respawns
// crashed children with exponential backoff, handles the planned-restart
// handshake, and drains in-flight work on shutdown.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/checkpoint"
	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/events/bus"
)

// Supervisor spawns and babysits one child process.
type Supervisor struct {
	cfg     config.SupervisorConfig
	command string
	args    []string
	logger  *logger.Logger
	bus     bus.EventBus

	Inflight *InflightTracker

	mu                  sync.Mutex
	child               *exec.Cmd
	toChild             *os.File
	pendingCheckpoint   string
	restartPlanned      bool
	consecutiveFailures int
	lastExitCode        int
	shuttingDown        bool

	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

// New creates a supervisor for the given child argv. The command is
// usually the supervisor's own binary re-executed with a child flag.
func New(cfg config.SupervisorConfig, command string, args []string, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		command:      command,
		args:         args,
		logger:       log.WithFields(zap.String("component", "supervisor")),
		bus:          eventBus,
		Inflight:     NewInflightTracker(),
		shutdownDone: make(chan struct{}),
	}
}

// Backoff returns the respawn delay for the nth consecutive failure,
// starting at 1: min * 2^(n-1), capped at max.
func Backoff(cfg config.SupervisorConfig, failures int) time.Duration {
	min := time.Duration(cfg.BackoffMin) * time.Millisecond
	max := time.Duration(cfg.BackoffMax) * time.Millisecond

	d := min
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// CrashCheckpointPath is the stable location for synthesized crash
// checkpoints.
func CrashCheckpointPath() string {
	return filepath.Join(os.TempDir(), "kbot-crash-checkpoint.yaml")
}

// Run spawns the child and keeps it alive until it exits cleanly or the
// supervisor is shut down. Returns the most recent child exit code.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	for {
		exitCode, err := s.runOnce(ctx)
		if err != nil {
			// Fork failures are retried with backoff, never fatal.
			s.publish(ctx, bus.SubjectSupervisorIPCError, map[string]interface{}{
				"error": err.Error(),
			})
			s.logger.Error("failed to spawn child", zap.Error(err))
			exitCode = -1
		}

		s.mu.Lock()
		s.lastExitCode = exitCode
		planned := s.restartPlanned
		s.restartPlanned = false
		shuttingDown := s.shuttingDown
		s.mu.Unlock()

		if shuttingDown {
			return exitCode, nil
		}

		if exitCode == 0 && !planned {
			s.logger.Info("child exited cleanly, supervisor done")
			return 0, nil
		}

		if planned {
			s.logger.Info("planned restart, respawning immediately",
				zap.String("checkpoint", s.checkpointPath()))
			s.mu.Lock()
			s.consecutiveFailures = 0
			s.mu.Unlock()
			continue
		}

		// Crash path: synthesize a checkpoint so the next child knows it
		// is waking up from a crash, then back off.
		s.synthesizeCrashCheckpoint(ctx)

		s.mu.Lock()
		s.consecutiveFailures++
		failures := s.consecutiveFailures
		s.mu.Unlock()

		backoff := Backoff(s.cfg, failures)
		maxBackoff := time.Duration(s.cfg.BackoffMax) * time.Millisecond
		if backoff >= maxBackoff {
			s.publish(ctx, bus.SubjectSupervisorEscalation, map[string]interface{}{
				"consecutive_failures": failures,
			})
			s.logger.Error("child keeps crashing at max backoff",
				zap.Int("consecutive_failures", failures))
		}

		s.publish(ctx, bus.SubjectSupervisorRespawn, map[string]interface{}{
			"attempt":    failures,
			"backoff_ms": backoff.Milliseconds(),
		})
		s.logger.Warn("child crashed, respawning",
			zap.Int("exit_code", exitCode),
			zap.Int("attempt", failures),
			zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return exitCode, ctx.Err()
		case <-s.shutdownDone:
			return exitCode, nil
		}
	}
}

// runOnce spawns one child, serves its IPC and waits for it to exit.
func (s *Supervisor) runOnce(ctx context.Context) (int, error) {
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		return -1, fmt.Errorf("failed to create child-to-parent pipe: %w", err)
	}
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		fromChildR.Close()
		fromChildW.Close()
		return -1, fmt.Errorf("failed to create parent-to-child pipe: %w", err)
	}

	args := append([]string(nil), s.args...)
	env := append(os.Environ(),
		EnvSupervised+"=1",
		fmt.Sprintf("%s=%d", EnvSupervisorPID, os.Getpid()))
	if ck := s.checkpointPath(); ck != "" {
		args = append(args, "--checkpoint", ck)
		env = append(env, EnvCheckpointPath+"="+ck)
	}

	cmd := exec.Command(s.command, args...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{fromChildW, toChildR}

	if err := cmd.Start(); err != nil {
		fromChildR.Close()
		fromChildW.Close()
		toChildR.Close()
		toChildW.Close()
		return -1, fmt.Errorf("failed to start child: %w", err)
	}

	// The child owns its ends now.
	fromChildW.Close()
	toChildR.Close()

	s.mu.Lock()
	s.child = cmd
	s.toChild = toChildW
	// Consumed by this spawn; a new one is set by the next handshake or
	// crash synthesis.
	s.pendingCheckpoint = ""
	s.mu.Unlock()

	s.publish(ctx, bus.SubjectSupervisorSpawn, map[string]interface{}{
		"pid": cmd.Process.Pid,
	})
	s.logger.Info("child spawned", zap.Int("pid", cmd.Process.Pid))

	ipcDone := make(chan struct{})
	go func() {
		defer close(ipcDone)
		s.serveIPC(ctx, fromChildR)
	}()

	waitErr := cmd.Wait()
	fromChildR.Close()
	toChildW.Close()
	<-ipcDone

	s.mu.Lock()
	s.child = nil
	s.toChild = nil
	s.mu.Unlock()

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.publish(ctx, bus.SubjectSupervisorExit, map[string]interface{}{
		"exit_code": exitCode,
	})
	s.logger.Info("child exited", zap.Int("exit_code", exitCode))
	return exitCode, nil
}

// serveIPC reads line-delimited JSON from the child until EOF. Handling
// is strictly serial per child.
func (s *Supervisor) serveIPC(ctx context.Context, r *os.File) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.handleIPC(ctx, scanner.Bytes())
	}
}

func (s *Supervisor) handleIPC(ctx context.Context, line []byte) {
	var msg IPCMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Warn("ignoring malformed IPC message", zap.Error(err))
		s.publish(ctx, bus.SubjectSupervisorIPCError, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	switch msg.Type {
	case MsgPlannedRestart:
		s.handlePlannedRestart(ctx, msg)
	case MsgError:
		s.logger.Warn("child reported error", zap.String("message", msg.Message))
	default:
		s.logger.Warn("ignoring unknown IPC message type", zap.String("type", msg.Type))
	}
}

func (s *Supervisor) handlePlannedRestart(ctx context.Context, msg IPCMessage) {
	if msg.Checkpoint == "" {
		s.replyToChild(IPCMessage{Type: MsgError, Message: "planned_restart requires a checkpoint path"})
		return
	}
	if _, err := os.Stat(msg.Checkpoint); err != nil {
		s.logger.Warn("checkpoint path not accessible",
			zap.String("checkpoint", msg.Checkpoint), zap.Error(err))
		s.replyToChild(IPCMessage{
			Type:    MsgError,
			Message: fmt.Sprintf("checkpoint path %q not accessible: %v", msg.Checkpoint, err),
		})
		return
	}

	s.mu.Lock()
	s.pendingCheckpoint = msg.Checkpoint
	s.restartPlanned = true
	s.mu.Unlock()

	s.logger.Info("planned restart acknowledged", zap.String("checkpoint", msg.Checkpoint))
	s.replyToChild(IPCMessage{Type: MsgRestartAck})
}

func (s *Supervisor) replyToChild(msg IPCMessage) {
	s.mu.Lock()
	w := s.toChild
	s.mu.Unlock()
	if w == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Warn("failed to write IPC reply", zap.Error(err))
	}
}

// Shutdown drains in-flight work, then terminates the child: SIGTERM
// first, SIGKILL when the shutdown timeout expires. Idempotent.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		defer close(s.shutdownDone)

		s.mu.Lock()
		s.shuttingDown = true
		restartInFlight := s.restartPlanned
		s.mu.Unlock()

		s.Inflight.StopAccepting()
		s.publish(ctx, bus.SubjectSupervisorDraining, nil)
		s.logger.Info("draining before shutdown",
			zap.Int("inflight", s.Inflight.Count()))

		if !s.Inflight.WaitIdle(s.cfg.ShutdownTimeoutDuration()) {
			s.logger.Warn("drain timed out with messages in flight")
		}

		s.mu.Lock()
		child := s.child
		s.mu.Unlock()

		// A planned restart already has the child on its way down; do
		// not double-signal it.
		if child != nil && child.Process != nil && !restartInFlight {
			_ = child.Process.Signal(syscall.SIGTERM)

			exited := make(chan struct{})
			go func() {
				for {
					s.mu.Lock()
					gone := s.child == nil
					s.mu.Unlock()
					if gone {
						close(exited)
						return
					}
					time.Sleep(50 * time.Millisecond)
				}
			}()

			select {
			case <-exited:
			case <-time.After(s.cfg.ShutdownTimeoutDuration()):
				s.logger.Warn("child ignored SIGTERM, killing")
				_ = child.Process.Kill()
			}
		}

		s.publish(ctx, bus.SubjectSupervisorShutdown, nil)
		s.logger.Info("supervisor shutdown complete")
	})
}

// HardShutdown kills the child immediately.
func (s *Supervisor) HardShutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	child := s.child
	s.mu.Unlock()

	if child != nil && child.Process != nil {
		_ = child.Process.Kill()
	}
}

// LastExitCode returns the most recent child exit code.
func (s *Supervisor) LastExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExitCode
}

func (s *Supervisor) checkpointPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingCheckpoint
}

func (s *Supervisor) synthesizeCrashCheckpoint(ctx context.Context) {
	path := CrashCheckpointPath()
	ck := checkpoint.NewCrash()
	if err := checkpoint.Write(path, ck); err != nil {
		s.logger.Warn("failed to write crash checkpoint", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.pendingCheckpoint = path
	s.mu.Unlock()
}

func (s *Supervisor) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	event := bus.NewEvent(subject, "supervisor", data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish supervisor event",
			zap.String("subject", subject), zap.Error(err))
	}
}
