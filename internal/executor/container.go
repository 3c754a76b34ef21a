package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// PullPolicy controls whether ContainerExecutor pulls an image before
// running a step.
type PullPolicy string

const (
	PullNever         PullPolicy = "never"
	PullIfNotPresent  PullPolicy = "if-not-present"
	PullAlways        PullPolicy = "always"
	cpuPeriodMicros              = 100000
	containerNamePfx             = "runner"
)

// ContainerExecutor runs steps inside containers via the Docker engine:
// create, start, await, collect logs, then unconditionally remove.
type ContainerExecutor struct {
	docker      *dockerclient.Client
	pullPolicy  PullPolicy
	networkMode string
	logger      *zap.Logger
}

// NewContainerExecutor creates a ContainerExecutor against the given Docker
// client. networkMode is the configured default, used when a step's
// container spec doesn't override it.
func NewContainerExecutor(dc *dockerclient.Client, pullPolicy PullPolicy, networkMode string, logger *zap.Logger) *ContainerExecutor {
	return &ContainerExecutor{
		docker:      dc,
		pullPolicy:  pullPolicy,
		networkMode: networkMode,
		logger:      logger.Named("executor.container"),
	}
}

// Prepare is a no-op for the container variant: the workspace directory is
// bind-mounted, not created inside the container.
func (e *ContainerExecutor) Prepare(ctx context.Context, ec ExecutionContext) error {
	return nil
}

// Execute creates, starts, and awaits a single-use container for the step,
// forwards its stdout and stderr lines to sink once it has stopped, and
// unconditionally removes the container before returning — on success,
// failure, or timeout alike.
func (e *ContainerExecutor) Execute(ctx context.Context, ec ExecutionContext, sink LineSink) (Result, error) {
	if ec.Container == nil {
		return Result{}, fmt.Errorf("container executor: execution context has no container spec")
	}
	spec := ec.Container

	if err := e.ensureImage(ctx, spec); err != nil {
		return Result{}, err
	}

	bin, flag := resolveShell(ec.Shell)
	env := make([]string, 0, len(ec.Environment)+len(spec.Env))
	for k, v := range ec.Environment {
		env = append(env, k+"="+v)
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	networkMode := e.networkMode
	if spec.NetworkMode != "" {
		networkMode = spec.NetworkMode
	}

	period := int64(cpuPeriodMicros)
	hostCfg := &container.HostConfig{
		Binds:       []string{ec.WorkspaceHostPath + ":/workspace"},
		NetworkMode: container.NetworkMode(networkMode),
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUQuota:  spec.CPUQuota,
			CPUPeriod: period,
		},
		SecurityOpt: []string{"no-new-privileges:true"},
		AutoRemove:  false, // removal is explicit below, so it happens even on error paths
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Env:        env,
		Cmd:        []string{bin, flag, ec.Command},
		WorkingDir: "/workspace",
		Tty:        false,
	}

	name := fmt.Sprintf("%s-%s-%s", containerNamePfx, ec.JobID, ec.StepID)

	created, err := e.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return Result{}, fmt.Errorf("container executor: create failed: %w", classifyDockerErr(err))
	}
	id := created.ID
	defer e.forceRemove(id)

	start := time.Now()
	if err := e.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("container executor: start failed: %w", classifyDockerErr(err))
	}

	stepCtx, cancel := context.WithTimeout(ctx, ec.Timeout)
	defer cancel()

	statusCh, errCh := e.docker.ContainerWait(stepCtx, id, container.WaitConditionNotRunning)

	var exitCode int
	var timedOut bool
	select {
	case <-stepCtx.Done():
		timedOut = true
		_ = e.docker.ContainerStop(context.Background(), id, container.StopOptions{})
	case werr := <-errCh:
		if werr != nil {
			return Result{}, fmt.Errorf("container executor: wait failed: %w", classifyDockerErr(werr))
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	duration := time.Since(start)
	stdout, stderr := e.collectLogs(id, sink)

	if timedOut {
		return TimeoutResult(stdout, duration), nil
	}

	return Result{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: duration,
	}, nil
}

// Cleanup is a no-op — removal happens unconditionally inside Execute so a
// container can never outlive its step, even if the caller never calls
// Cleanup.
func (e *ContainerExecutor) Cleanup(ctx context.Context, ec ExecutionContext) error {
	return nil
}

// HealthCheck pings the Docker daemon.
func (e *ContainerExecutor) HealthCheck(ctx context.Context) bool {
	_, err := e.docker.Ping(ctx)
	return err == nil
}

func (e *ContainerExecutor) Type() Type { return TypeContainer }

func (e *ContainerExecutor) ensureImage(ctx context.Context, spec *ContainerSpec) error {
	switch e.pullPolicy {
	case PullNever:
		return nil
	case PullAlways:
		return e.pullImage(ctx, spec.Image)
	default: // if-not-present
		_, _, err := e.docker.ImageInspectWithRaw(ctx, spec.Image)
		if err == nil {
			return nil
		}
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("container executor: image inspect failed: %w", classifyDockerErr(err))
		}
		return e.pullImage(ctx, spec.Image)
	}
}

func (e *ContainerExecutor) pullImage(ctx context.Context, ref string) error {
	rc, err := e.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("container executor: image pull failed: %w", classifyDockerErr(err))
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

// collectLogs fetches the container's logs and demultiplexes them: absent a
// TTY, Docker's ContainerLogs stream is framed per the Engine API (an
// 8-byte stream-type+size header ahead of each chunk), so reading it
// directly would leak those header bytes into captured content and corrupt
// output parsing and secret masking. stdcopy.StdCopy strips the framing and
// routes each chunk to the right stream.
func (e *ContainerExecutor) collectLogs(id string, sink LineSink) (stdout, stderr string) {
	rc, err := e.docker.ContainerLogs(context.Background(), id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		e.logger.Warn("failed to fetch container logs", zap.Error(err), zap.String("container_id", id))
		return "", ""
	}
	defer rc.Close()

	stdoutW := &lineWriter{stream: StreamStdout, sink: sink}
	stderrW := &lineWriter{stream: StreamStderr, sink: sink}

	if _, err := stdcopy.StdCopy(stdoutW, stderrW, rc); err != nil {
		e.logger.Warn("failed to demux container logs", zap.Error(err), zap.String("container_id", id))
	}
	stdoutW.flush()
	stderrW.flush()

	return stdoutW.full.String(), stderrW.full.String()
}

// lineWriter splits a stream of arbitrary-sized writes into lines, forwarding
// each complete line to sink as it appears while also accumulating the full
// text for the step's Result.
type lineWriter struct {
	stream string
	sink   LineSink
	buf    strings.Builder
	full   strings.Builder
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.full.Write(p)
	w.buf.Write(p)

	for {
		s := w.buf.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		if w.sink != nil {
			w.sink.Line(w.stream, s[:idx])
		}
		w.buf.Reset()
		w.buf.WriteString(s[idx+1:])
	}
	return len(p), nil
}

// flush forwards a trailing partial line (no terminating newline) to sink.
func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		if w.sink != nil {
			w.sink.Line(w.stream, w.buf.String())
		}
		w.buf.Reset()
	}
}

func (e *ContainerExecutor) forceRemove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Warn("failed to remove container", zap.Error(err), zap.String("container_id", id))
	}
}

// classifyDockerErr wraps a raw Docker API error, adding a one-word
// classification from errdefs when recognizable, so callers and logs can
// tell an infrastructure failure (daemon unreachable) from a user error
// (image not found) at a glance.
func classifyDockerErr(err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("not found: %w", err)
	case errdefs.IsUnavailable(err):
		return fmt.Errorf("daemon unavailable: %w", err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("conflict: %w", err)
	default:
		return err
	}
}
