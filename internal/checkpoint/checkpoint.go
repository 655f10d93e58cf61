// Package checkpoint reads and writes the small restart-intent files
// exchanged between the supervisor and the bot across restarts.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kynetic-ai/kbot/internal/common/ident"
)

// CurrentVersion is written into every new checkpoint.
const CurrentVersion = 1

// Restart reasons.
const (
	ReasonPlanned = "planned"
	ReasonUpgrade = "upgrade"
	ReasonCrash   = "crash"
)

// WakeContext tells the restarted bot what to do first.
type WakeContext struct {
	// Prompt is replayed to the agent after the session is restored.
	Prompt string `yaml:"prompt,omitempty"`
	// PendingWork is re-enqueued on the owning session key.
	PendingWork []string `yaml:"pending_work,omitempty"`
}

// Checkpoint is written by the bot before a planned restart, or
// synthesized by the supervisor when the child crashes.
type Checkpoint struct {
	Version       int         `yaml:"version"`
	SessionID     string      `yaml:"session_id,omitempty"`
	RestartReason string      `yaml:"restart_reason"`
	WakeContext   WakeContext `yaml:"wake_context,omitempty"`
	CreatedAt     time.Time   `yaml:"created_at"`
}

// New builds a checkpoint with the current version and timestamp.
func New(sessionID, reason string, wake WakeContext) *Checkpoint {
	return &Checkpoint{
		Version:       CurrentVersion,
		SessionID:     sessionID,
		RestartReason: reason,
		WakeContext:   wake,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewCrash synthesizes the minimal checkpoint the supervisor writes when
// the child exits without announcing a restart.
func NewCrash() *Checkpoint {
	return &Checkpoint{
		Version:       CurrentVersion,
		SessionID:     ident.New(),
		RestartReason: ReasonCrash,
		CreatedAt:     time.Now().UTC(),
	}
}

// Write persists the checkpoint atomically: write to a temp file in the
// same directory, then rename over the target.
func Write(path string, ck *Checkpoint) error {
	data, err := yaml.Marshal(ck)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to install checkpoint: %w", err)
	}
	return nil
}

// Load reads and validates a checkpoint file.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var ck Checkpoint
	if err := yaml.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	if ck.Version == 0 {
		return nil, fmt.Errorf("checkpoint %s has no version", path)
	}
	if ck.RestartReason == "" {
		return nil, fmt.Errorf("checkpoint %s has no restart reason", path)
	}
	return &ck, nil
}

// Delete removes a checkpoint. Missing files are not an error: the
// previous owner may already have cleaned up.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
