// Package job implements the job lifecycle engine: admission control,
// per-job cancellation, hierarchical timeout enforcement, retry with
// backoff, step execution, output parsing, and outcome classification.
package job

import (
	"sync"
	"sync/atomic"

	"github.com/forgerun/runner/internal/executor"
	"github.com/forgerun/runner/internal/wire"
)

// Status values for job and step terminal reporting.
const (
	JobSuccess   = "success"
	JobFailed    = "failed"
	JobTimeout   = "timeout"
	JobCancelled = "cancelled"
	JobRejected  = "rejected"

	StepSuccess = "success"
	StepFailed  = "failed"
	StepTimeout = "timeout"
	StepSkipped = "skipped"

	StatusRunning     = "running"
	StepStatusRunning = "step/running"
)

// RejectReason values used in a rejected status update's outputs["reason"].
const (
	ReasonAtCapacity      = "runner_at_capacity"
	ReasonUsesUnsupported = "uses_not_supported"
	ReasonShuttingDown    = "shutting_down"
)

// Job is the immutable, fully-decoded representation of a job assignment.
type Job struct {
	JobID          string
	ExecutionID    string
	Name           string
	Steps          []Step
	Environment    map[string]string
	Secrets        map[string]string
	Container      *executor.ContainerSpec
	WorkspaceRepo  string
	WorkspaceCommit string
	WorkspaceBranch string
	TimeoutMinutes int
}

// Step is one immutable unit of work within a Job.
type Step struct {
	StepID            string
	Name              string
	Run               string
	Uses              string // reserved; a non-empty value is rejected at admission
	WithInputs        map[string]string
	Env               map[string]string
	WorkingDirectory  string
	Shell             string
	ContinueOnError   bool
	TimeoutMinutes    int
}

// FromWire converts a wire.JobAssignmentMsg into a Job. Container spec and
// steps are translated field-for-field; nothing is validated here —
// admission-time checks (capacity, uses: support) happen in the engine.
func FromWire(msg wire.JobAssignmentMsg) Job {
	steps := make([]Step, 0, len(msg.Steps))
	for _, s := range msg.Steps {
		steps = append(steps, Step{
			StepID:           s.StepID,
			Name:             s.Name,
			Run:              s.Run,
			Uses:             s.Uses,
			WithInputs:       s.WithInputs,
			Env:              s.Env,
			WorkingDirectory: s.WorkingDirectory,
			Shell:            s.Shell,
			ContinueOnError:  s.ContinueOnError,
			TimeoutMinutes:   s.TimeoutMinutes,
		})
	}

	var containerSpec *executor.ContainerSpec
	if msg.Container != nil {
		containerSpec = &executor.ContainerSpec{
			Image:       msg.Container.Image,
			Env:         msg.Container.Env,
			NetworkMode: msg.Container.NetworkMode,
			MemoryBytes: msg.Container.MemoryBytes,
			CPUQuota:    msg.Container.CPUQuota,
		}
	}

	return Job{
		JobID:           msg.JobID,
		ExecutionID:     msg.ExecutionID,
		Name:            msg.Name,
		Steps:           steps,
		Environment:     msg.Environment,
		Secrets:         msg.Secrets,
		Container:       containerSpec,
		WorkspaceRepo:   msg.Workspace.RepoURL,
		WorkspaceCommit: msg.Workspace.Commit,
		WorkspaceBranch: msg.Workspace.Branch,
		TimeoutMinutes:  msg.TimeoutMinutes,
	}
}

// HasUnsupportedStep reports whether any step references a `uses:` handler,
// which this runner does not implement (resolved open question: reject at
// admission rather than silently skip).
func (j Job) HasUnsupportedStep() bool {
	for _, s := range j.Steps {
		if s.Uses != "" {
			return true
		}
	}
	return false
}

// Context is the per-job cancellation handle: a monotone cancelled flag plus
// a broadcast channel every subscriber (step loop, executor wait) observes.
type Context struct {
	JobID     string
	cancelled atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewContext creates a Context for jobID.
func NewContext(jobID string) *Context {
	return &Context{JobID: jobID, done: make(chan struct{})}
}

// Cancel sets the cancelled flag and broadcasts to every subscriber. Safe to
// call more than once; only the first call has effect.
func (c *Context) Cancel() {
	if c.cancelled.CompareAndSwap(false, true) {
		c.closeOnce.Do(func() { close(c.done) })
	}
}

// Cancelled reports whether Cancel has been called.
func (c *Context) Cancelled() bool {
	return c.cancelled.Load()
}

// Done returns a channel closed when Cancel is called — usable in a select
// alongside a timeout or process-wait channel.
func (c *Context) Done() <-chan struct{} {
	return c.done
}
