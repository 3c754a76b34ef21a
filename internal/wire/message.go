// Package wire defines the JSON envelopes exchanged with the control plane
// over the runner's single websocket connection, and the small set of enums
// shared across the session, log pipeline, and job engine.
//
// Every message on the wire is a JSON object with a "type" field acting as a
// tag. Outbound and inbound messages share the same envelope shape so a
// single (de)serialization path handles both directions; callers decode the
// Type field first, then unmarshal Payload into the concrete struct for
// that tag.
package wire

import (
	"encoding/json"
	"time"
)

// Outbound message type tags.
const (
	TypeHeartbeat     = "heartbeat"
	TypeLog           = "log"
	TypeLogBatch      = "log_batch"
	TypeStatusUpdate  = "status_update"
	TypeJobComplete   = "job_complete"
	TypeArtifactReady = "artifact_ready"
	TypeRunnerOffline = "runner_offline"
)

// Inbound message type tags.
const (
	TypeConnected    = "connected"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeJobAssigned  = "job_assignment"
	TypeJobCancel    = "job_cancel"
	TypeLogAck       = "log_ack"
	TypeError        = "error"
	TypePong         = "pong"
)

// Envelope is the wire shape of every frame, in both directions. Payload is
// re-marshaled/unmarshaled per Type by the caller — the envelope itself never
// needs to know the concrete payload shape.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a tagged payload into an Envelope ready to be sent as a
// text frame.
func Encode(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// --- Outbound payloads ---

// HeartbeatMsg is sent periodically by the supervisor while connected.
type HeartbeatMsg struct {
	RunnerID     string       `json:"runner_id"`
	Status       string       `json:"status"`
	CurrentJobs  int          `json:"current_jobs"`
	SystemInfo   SystemInfo   `json:"system_info"`
}

// SystemInfo is a snapshot of host resource utilization, attached to every
// heartbeat so the control plane can display live gauges.
type SystemInfo struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// LogBatchMsg carries a flushed slice of log entries for one job.
type LogBatchMsg struct {
	JobID   string     `json:"job_id"`
	Entries []LogEntry `json:"entries"`
}

// LogEntry is a single sequenced log line belonging to one job step.
type LogEntry struct {
	Sequence  uint64    `json:"sequence"`
	StepID    string    `json:"step_id"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Level     LogLevel  `json:"level"`
}

// LogLevel classifies a LogEntry's severity.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogDebug LogLevel = "debug"
)

// StatusUpdateMsg reports a lifecycle transition for a job or step.
type StatusUpdateMsg struct {
	Entity   string            `json:"entity"` // "job" or "step"
	JobID    string            `json:"job_id"`
	StepID   string            `json:"step_id,omitempty"`
	Status   string            `json:"status"`
	ExitCode *int32            `json:"exit_code,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

// RunnerOfflineMsg is the final message sent before a clean shutdown.
type RunnerOfflineMsg struct {
	RunnerID string `json:"runner_id"`
	Reason   string `json:"reason"`
}

// --- Inbound payloads ---

// JobAssignmentMsg is the job description pushed by the control plane.
type JobAssignmentMsg struct {
	JobID           string            `json:"job_id"`
	ExecutionID     string            `json:"execution_id"`
	Name            string            `json:"name"`
	Steps           []StepMsg         `json:"steps"`
	Environment     map[string]string `json:"environment"`
	Secrets         map[string]string `json:"secrets"`
	Container       *ContainerSpecMsg `json:"container,omitempty"`
	Workspace       WorkspaceSpecMsg  `json:"workspace"`
	TimeoutMinutes  int               `json:"timeout_minutes"`
}

// StepMsg is the wire shape of a single step.
type StepMsg struct {
	StepID           string            `json:"step_id"`
	Name             string            `json:"name"`
	Run              string            `json:"run,omitempty"`
	Uses             string            `json:"uses,omitempty"`
	WithInputs       map[string]string `json:"with_inputs,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Shell            string            `json:"shell,omitempty"`
	ContinueOnError  bool              `json:"continue_on_error"`
	TimeoutMinutes   int               `json:"timeout_minutes"`
}

// ContainerSpecMsg describes the container image and runtime options for a
// job that should run inside a container instead of the host shell.
type ContainerSpecMsg struct {
	Image       string            `json:"image"`
	Env         map[string]string `json:"env,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty"`
	MemoryBytes int64             `json:"memory_bytes,omitempty"`
	CPUQuota    int64             `json:"cpu_quota,omitempty"`
}

// WorkspaceSpecMsg describes the per-job workspace and optional repo checkout.
type WorkspaceSpecMsg struct {
	Path   string `json:"path,omitempty"`
	RepoURL string `json:"repo_url,omitempty"`
	Commit  string `json:"commit,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// JobCancelMsg requests cancellation of an in-flight job.
type JobCancelMsg struct {
	JobID string `json:"job_id"`
}

// LogAckMsg acknowledges all log entries for a job up to and including
// LastSequence.
type LogAckMsg struct {
	JobID        string `json:"job_id"`
	LastSequence uint64 `json:"last_sequence"`
}

// ErrorMsg is a protocol-level error report from the control plane.
type ErrorMsg struct {
	Message string `json:"message"`
}

// PongMsg is the application-level keepalive reply.
type PongMsg struct {
	Timestamp int64 `json:"timestamp"`
}

// ConnectedMsg confirms a successful registration.
type ConnectedMsg struct {
	RunnerID string `json:"runner_id"`
}
