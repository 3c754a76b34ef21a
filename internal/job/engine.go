package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/forgerun/runner/internal/executor"
	"github.com/forgerun/runner/internal/logstream"
	"github.com/forgerun/runner/internal/masking"
	"github.com/forgerun/runner/internal/wire"
)

// retryBackoffMultiplier scales the delay between retry attempts:
// retry_delay_secs * multiplier^(attempt-1). Not independently configurable
// — the config key table only exposes retry_delay_secs and max_retries.
const retryBackoffMultiplier = 2.0

// Sender is the narrow interface the engine needs to emit status updates.
// Both *session.Session and *logstream.Streamer's own sender satisfy it.
type Sender interface {
	Send(wire.Envelope) error
}

// Config controls admission, timeouts, and retry behavior. Field names
// mirror the job.* and workspace.* keys.
type Config struct {
	MaxConcurrentJobs         int
	DefaultJobTimeoutMinutes  int
	DefaultStepTimeoutMinutes int
	MaxRetries                int
	RetryDelay                time.Duration
	WorkspaceBasePath         string
	ShutdownTimeout           time.Duration
}

// Engine is the job lifecycle engine (C5): admission control, retry with
// backoff, hierarchical timeout enforcement, and outcome classification.
type Engine struct {
	cfg    Config
	sender Sender
	logs   *logstream.Manager
	logger *zap.Logger

	shellExec     executor.Executor
	containerExec executor.Executor // may be nil if Docker is unavailable

	mu           sync.Mutex
	currentJobs  int
	jobContexts  map[string]*Context
	shuttingDown atomic.Bool
}

// New creates an Engine. containerExec may be nil — jobs with a container
// spec then fail admission-time-adjacent execution with an executor error
// rather than a panic.
func New(cfg Config, sender Sender, logs *logstream.Manager, shellExec, containerExec executor.Executor, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:           cfg,
		sender:        sender,
		logs:          logs,
		shellExec:     shellExec,
		containerExec: containerExec,
		logger:        logger.Named("job-engine"),
		jobContexts:   make(map[string]*Context),
	}
}

// CurrentJobs returns the number of jobs currently admitted and running.
func (e *Engine) CurrentJobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentJobs
}

// HandleAssignment implements admission control and, on success, spawns the
// job task. It never blocks beyond acquiring the engine's mutex.
func (e *Engine) HandleAssignment(ctx context.Context, j Job) {
	if e.shuttingDown.Load() {
		e.emitReject(j.JobID, ReasonShuttingDown)
		return
	}
	if j.HasUnsupportedStep() {
		e.emitReject(j.JobID, ReasonUsesUnsupported)
		return
	}

	e.mu.Lock()
	if e.currentJobs >= e.cfg.MaxConcurrentJobs {
		e.mu.Unlock()
		e.emitReject(j.JobID, ReasonAtCapacity)
		return
	}
	e.currentJobs++
	jobCtx := NewContext(j.JobID)
	e.jobContexts[j.JobID] = jobCtx
	e.mu.Unlock()

	go e.runJobWithRetry(ctx, j, jobCtx)
}

// Cancel marks the named job's Context cancelled, if it is still registered.
func (e *Engine) Cancel(jobID string) {
	e.mu.Lock()
	jobCtx, ok := e.jobContexts[jobID]
	e.mu.Unlock()
	if ok {
		jobCtx.Cancel()
	}
}

// BeginShutdown stops admitting new jobs. Already-running jobs are
// unaffected until AwaitDrain's budget expires.
func (e *Engine) BeginShutdown() {
	e.shuttingDown.Store(true)
}

// AwaitDrain waits for current_jobs to reach 0, up to cfg.ShutdownTimeout.
// Returns true if the engine drained naturally, false if the budget expired
// (the caller should then call CancelAll).
func (e *Engine) AwaitDrain(ctx context.Context) bool {
	deadline := time.NewTimer(e.cfg.ShutdownTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if e.CurrentJobs() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return e.CurrentJobs() == 0
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// CancelAll cancels every currently registered JobContext. Intended for use
// after AwaitDrain's budget expires.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	contexts := make([]*Context, 0, len(e.jobContexts))
	for _, c := range e.jobContexts {
		contexts = append(contexts, c)
	}
	e.mu.Unlock()

	for _, c := range contexts {
		c.Cancel()
	}
}

func (e *Engine) emitReject(jobID, reason string) {
	e.logger.Info("rejecting job assignment", zap.String("job_id", jobID), zap.String("reason", reason))
	e.emitStatus("job", jobID, "", JobRejected, nil, map[string]string{"reason": reason})
}

func (e *Engine) emitStatus(entity, jobID, stepID, status string, exitCode *int32, outputs map[string]string) {
	msg := wire.StatusUpdateMsg{
		Entity:    entity,
		JobID:     jobID,
		StepID:    stepID,
		Status:    status,
		ExitCode:  exitCode,
		Outputs:   outputs,
	}
	env, err := wire.Encode(wire.TypeStatusUpdate, msg)
	if err != nil {
		e.logger.Error("failed to encode status update", zap.Error(err))
		return
	}
	if e.sender == nil {
		return
	}
	if err := e.sender.Send(env); err != nil {
		e.logger.Warn("failed to send status update", zap.Error(err))
	}
}

// runJobWithRetry attempts a job up to cfg.MaxRetries times, sleeping
// retry_delay_secs * retryBackoffMultiplier^(n-1) after failed attempt n, so
// the first retry waits retry_delay_secs.
// A cancellation observed between attempts reports Cancelled and exits.
func (e *Engine) runJobWithRetry(ctx context.Context, j Job, jobCtx *Context) {
	defer e.release(j.JobID)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := time.Duration(float64(e.cfg.RetryDelay) * pow(retryBackoffMultiplier, attempt-2))
			select {
			case <-time.After(delay):
			case <-jobCtx.Done():
			}
		}

		if jobCtx.Cancelled() {
			e.emitStatus("job", j.JobID, "", JobCancelled, nil, nil)
			return
		}

		outcome, outputs, err := e.runAttempt(ctx, j, jobCtx)
		if err == nil {
			e.emitStatus("job", j.JobID, "", outcome, nil, outputs)
			return
		}
		lastErr = err
		e.logger.Warn("job attempt failed", zap.String("job_id", j.JobID), zap.Int("attempt", attempt), zap.Error(err))
	}

	outputs := map[string]string{"error": fmt.Sprintf("Failed after %d attempts: %v", e.cfg.MaxRetries, lastErr)}
	e.emitStatus("job", j.JobID, "", JobFailed, nil, outputs)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	delete(e.jobContexts, jobID)
	e.currentJobs--
	e.mu.Unlock()
}

// runAttempt runs one full execution of the job: workspace creation, step
// loop, and terminal cleanup. A non-nil error means an infrastructure failure
// (workspace creation, executor selection, or a step's prepare/execute) and
// the job should be retried; outcome/outputs are only meaningful when err is
// nil.
func (e *Engine) runAttempt(ctx context.Context, j Job, jobCtx *Context) (outcome string, outputs map[string]string, err error) {
	streamer := e.logs.GetOrCreate(j.JobID)
	e.emitStatus("job", j.JobID, "", StatusRunning, nil, nil)

	workspace := filepath.Join(e.cfg.WorkspaceBasePath, j.JobID)
	if mkErr := os.MkdirAll(workspace, 0o755); mkErr != nil {
		return "", nil, fmt.Errorf("failed to create workspace: %w", mkErr)
	}
	defer func() {
		streamer.Flush()
		_ = os.RemoveAll(workspace)
		e.logs.Remove(j.JobID)
	}()

	ex, execErr := e.selectExecutor(j)
	if execErr != nil {
		return "", nil, execErr
	}

	jobTimeout := time.Duration(maxInt(j.TimeoutMinutes, e.cfg.DefaultJobTimeoutMinutes)) * time.Minute
	masker := masking.New(j.Secrets)

	start := time.Now()
	jobOutputs := make(map[string]string)

	for _, step := range j.Steps {
		elapsed := time.Since(start)
		if elapsed > jobTimeout {
			return JobTimeout, jobOutputs, nil
		}
		if jobCtx.Cancelled() {
			return JobCancelled, jobOutputs, nil
		}

		stepTimeout := time.Duration(maxInt(step.TimeoutMinutes, e.cfg.DefaultStepTimeoutMinutes)) * time.Minute
		if remaining := jobTimeout - elapsed; remaining < stepTimeout {
			stepTimeout = remaining
		}

		stepOutcome, infraErr := e.runStep(ctx, j, step, workspace, ex, streamer, masker, stepTimeout, jobCtx, jobOutputs)
		if infraErr != nil {
			return "", nil, infraErr
		}

		if jobCtx.Cancelled() {
			return JobCancelled, jobOutputs, nil
		}

		if stepOutcome != StepSuccess && !step.ContinueOnError {
			jobOutputs["error"] = fmt.Sprintf("step %s failed", step.StepID)
			return JobFailed, jobOutputs, nil
		}
	}

	return JobSuccess, jobOutputs, nil
}

func (e *Engine) selectExecutor(j Job) (executor.Executor, error) {
	if j.Container != nil {
		if e.containerExec == nil {
			return nil, fmt.Errorf("job requires a container executor but none is available")
		}
		return e.containerExec, nil
	}
	return e.shellExec, nil
}

// runStep executes a single step to completion, emitting its running and
// terminal status updates, appending masked output to the streamer, and
// folding parsed outputs into jobOutputs. A non-nil error return means an
// infrastructure failure (propagated to the job as a retry candidate); the
// returned outcome string is only meaningful when err is nil.
func (e *Engine) runStep(
	ctx context.Context,
	j Job,
	step Step,
	workspace string,
	ex executor.Executor,
	streamer *logstream.Streamer,
	masker *masking.Masker,
	timeout time.Duration,
	jobCtx *Context,
	jobOutputs map[string]string,
) (string, error) {
	e.emitStatus("step", j.JobID, step.StepID, StepStatusRunning, nil, nil)

	env := make(map[string]string, len(j.Environment)+len(step.Env)+len(j.Secrets))
	for k, v := range j.Environment {
		env[k] = v
	}
	for k, v := range step.Env {
		env[k] = v
	}
	for k, v := range j.Secrets {
		env[k] = v
	}

	workDir := workspace
	if step.WorkingDirectory != "" {
		workDir = filepath.Join(workspace, step.WorkingDirectory)
	}

	ec := executor.ExecutionContext{
		JobID:             j.JobID,
		StepID:            step.StepID,
		Command:           step.Run,
		Environment:       env,
		WorkingDirectory:  workDir,
		Timeout:           timeout,
		Shell:             step.Shell,
		Container:         j.Container,
		WorkspaceHostPath: workspace,
	}

	sink := &maskedLineSink{streamer: streamer, stepID: step.StepID, masker: masker}

	if err := ex.Prepare(ctx, ec); err != nil {
		return "", fmt.Errorf("step %s: prepare failed: %w", step.StepID, err)
	}

	// Race the execution against the job's cancellation broadcast: a cancel
	// cuts the context, which the shell variant turns into a kill and the
	// container variant turns into a stop, same as a normal timeout.
	execCtx, cancelExec := context.WithCancel(ctx)
	execDone := make(chan struct{})
	go func() {
		select {
		case <-jobCtx.Done():
			cancelExec()
		case <-execDone:
		}
	}()

	result, execErr := ex.Execute(execCtx, ec, sink)
	close(execDone)
	cancelExec()

	streamer.Flush()

	_ = ex.Cleanup(ctx, ec)

	if execErr != nil {
		return "", fmt.Errorf("step %s: %w", step.StepID, execErr)
	}

	parsed := ParseOutputs(result.Stdout)
	for k, v := range parsed {
		jobOutputs[k] = v
	}

	// A step reaching this point already ran (runAttempt filters out steps
	// never started due to cancellation before calling runStep), so a
	// cancellation observed here means it was cut short mid-execution —
	// that's a timeout/failure, never StepSkipped (reserved for admission-time
	// rejection of unsupported `uses:` steps).
	exitCode := int32(result.ExitCode)
	var status string
	switch {
	case result.TimedOut:
		status = StepTimeout
	case result.Success():
		status = StepSuccess
	default:
		status = StepFailed
	}

	e.emitStatus("step", j.JobID, step.StepID, "step/"+status, &exitCode, parsed)

	return status, nil
}

// maskedLineSink streams captured output lines into the job's LogStreamer as
// they arrive, redacting secret values first.
type maskedLineSink struct {
	streamer *logstream.Streamer
	stepID   string
	masker   *masking.Masker
}

func (s *maskedLineSink) Line(stream, line string) {
	level := wire.LogInfo
	if stream == executor.StreamStderr {
		level = wire.LogError
	}
	s.streamer.Add(s.stepID, s.masker.Mask(line), level)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
