// Package executor implements the dual-backend execution abstraction: a
// host-shell variant and a container variant behind one uniform contract
// (prepare → execute → cleanup), both streaming stdout and stderr
// line-by-line to a caller-supplied sink.
package executor

import (
	"context"
	"time"
)

// Type identifies which backend an Executor is.
type Type string

const (
	TypeShell     Type = "shell"
	TypeContainer Type = "container"
)

// ContainerSpec describes the container a step should run in. Nil on
// ExecutionContext means the shell variant is used.
type ContainerSpec struct {
	Image       string
	Env         map[string]string
	NetworkMode string
	MemoryBytes int64
	CPUQuota    int64 // CPU time in microseconds per 100000-microsecond period
}

// ExecutionContext is the fully-resolved description of one step's
// execution, derived once per step and consumed once.
type ExecutionContext struct {
	JobID             string
	StepID            string
	Command           string
	Environment       map[string]string
	WorkingDirectory  string
	Timeout           time.Duration
	Container         *ContainerSpec
	WorkspaceHostPath string // host path bind-mounted as /workspace for container variant
	Shell             string // shell selector, e.g. "bash", "sh", "" = default
}

// LineSink receives one captured output line at a time, tagged by stream.
// Implementations must not block for long — the executor calls this
// synchronously from its draining goroutines.
type LineSink interface {
	Line(stream string, line string)
}

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Result is the outcome of one execution, always populated even on timeout.
// exit_code == -1 is reserved for timeout/abnormal termination.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Success reports whether the execution should be treated as a successful
// step: exit_code == 0 and not timed out.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Executor is the uniform contract both backends satisfy. An error returned
// from Execute means an infrastructure failure (spawn failure, daemon
// unreachable, image pull failed) — a nonzero exit code or a timeout is a
// populated Result, not an error.
type Executor interface {
	Prepare(ctx context.Context, ec ExecutionContext) error
	Execute(ctx context.Context, ec ExecutionContext, sink LineSink) (Result, error)
	Cleanup(ctx context.Context, ec ExecutionContext) error
	HealthCheck(ctx context.Context) bool
	Type() Type
}

// TimeoutResult builds the standard result reported when a step's wall-clock
// budget expires: exit_code -1, a human-readable sentinel in stderr.
func TimeoutResult(partialStdout string, duration time.Duration) Result {
	return Result{
		ExitCode: -1,
		Stdout:   partialStdout,
		Stderr:   "execution timed out",
		Duration: duration,
		TimedOut: true,
	}
}
