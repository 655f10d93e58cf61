package supervisor

// IPC message shapes exchanged with the child over the extra pipe pair.
// fd 3 in the child carries child to parent messages, fd 4 parent to
// child replies. Each message is one line of JSON.

// Environment the supervisor provides to the child.
const (
	EnvSupervised     = "KBOT_SUPERVISED"
	EnvSupervisorPID  = "KBOT_SUPERVISOR_PID"
	EnvCheckpointPath = "KBOT_CHECKPOINT_PATH"
)

// File descriptor numbers as seen by the child.
const (
	ChildWriteFD = 3
	ChildReadFD  = 4
)

// Message types.
const (
	MsgPlannedRestart = "planned_restart"
	MsgRestartAck     = "restart_ack"
	MsgError          = "error"
)

// IPCMessage is the single wire shape for both directions.
type IPCMessage struct {
	Type       string `json:"type"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Message    string `json:"message,omitempty"`
}
