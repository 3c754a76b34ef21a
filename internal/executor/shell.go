package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// shellTable maps a declared shell name to its (binary, flag) pair. Unknown
// names fall back to the system default shell rather than failing the step —
// a typo'd shell name shouldn't abort a job that would otherwise run fine.
var shellTable = map[string][2]string{
	"bash": {"bash", "-c"},
	"sh":   {"sh", "-c"},
	"zsh":  {"zsh", "-c"},
	"cmd":  {"cmd", "/C"},
}

func defaultShell() (string, string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "/bin/sh", "-c"
}

func resolveShell(name string) (string, string) {
	if name == "" {
		return defaultShell()
	}
	if pair, ok := shellTable[name]; ok {
		return pair[0], pair[1]
	}
	return defaultShell()
}

// ShellExecutor runs steps as host subprocesses. Grounded on hooks.Runner's
// buildShellCmd OS-conditional shell selection and the stdout-pipe /
// bufio.Scanner draining pattern of restic.Wrapper.runWithProgress.
type ShellExecutor struct {
	cleanupWorkspace bool
	logger           *zap.Logger
}

// NewShellExecutor creates a ShellExecutor. cleanupWorkspace controls whether
// Cleanup removes the step's workspace directory (executor.shell.cleanup_workspace).
func NewShellExecutor(cleanupWorkspace bool, logger *zap.Logger) *ShellExecutor {
	return &ShellExecutor{cleanupWorkspace: cleanupWorkspace, logger: logger.Named("executor.shell")}
}

// Prepare creates the working directory if it does not exist. Idempotent.
// It does not check that the directory is writable.
func (e *ShellExecutor) Prepare(ctx context.Context, ec ExecutionContext) error {
	if ec.WorkingDirectory == "" {
		return nil
	}
	if err := os.MkdirAll(ec.WorkingDirectory, 0o755); err != nil {
		return fmt.Errorf("shell executor: failed to prepare working directory: %w", err)
	}
	return nil
}

// Execute spawns the command under the step timeout, streaming stdout and
// stderr line-by-line to sink as they arrive.
func (e *ShellExecutor) Execute(ctx context.Context, ec ExecutionContext, sink LineSink) (Result, error) {
	if ec.Command == "" {
		return Result{ExitCode: 0}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, ec.Timeout)
	defer cancel()

	bin, flag := resolveShell(ec.Shell)
	cmd := exec.CommandContext(ctx, bin, flag, ec.Command)
	if ec.WorkingDirectory != "" {
		cmd.Dir = ec.WorkingDirectory
	}
	cmd.Env = mergeEnv(ec.Environment)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("shell executor: failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("shell executor: failed to open stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("shell executor: failed to start: %w", err)
	}

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go drainLines(&wg, stdout, StreamStdout, &outBuf, sink)
	go drainLines(&wg, stderr, StreamStderr, &errBuf, sink)
	wg.Wait()

	err = cmd.Wait()
	duration := time.Since(start)

	if ctx.Err() != nil {
		// Timeout or parent cancellation: cmd.Wait already killed the process
		// via CommandContext once the context expired.
		return TimeoutResult(outBuf.String(), duration), nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		exitCode := 1
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("shell executor: command failed to run: %w", err)
		}
		return Result{
			ExitCode: exitCode,
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			Duration: duration,
		}, nil
	}

	return Result{
		ExitCode: 0,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: duration,
	}, nil
}

// Cleanup optionally removes the step's workspace directory.
func (e *ShellExecutor) Cleanup(ctx context.Context, ec ExecutionContext) error {
	if !e.cleanupWorkspace || ec.WorkingDirectory == "" {
		return nil
	}
	if err := os.RemoveAll(ec.WorkingDirectory); err != nil {
		e.logger.Warn("failed to clean up workspace", zap.Error(err), zap.String("path", ec.WorkingDirectory))
	}
	return nil
}

// HealthCheck always reports healthy — the shell executor has no external
// daemon dependency to probe.
func (e *ShellExecutor) HealthCheck(ctx context.Context) bool { return true }

func (e *ShellExecutor) Type() Type { return TypeShell }

// drainLines reads r line-by-line, forwarding each to sink and appending it
// to buf, until EOF or a read error.
func drainLines(wg *sync.WaitGroup, r io.Reader, stream string, buf *strings.Builder, sink LineSink) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if sink != nil {
			sink.Line(stream, line)
		}
	}
}

// mergeEnv builds a subprocess environment: current process env (for PATH,
// HOME, etc.) overlaid with the step's resolved environment.
func mergeEnv(env map[string]string) []string {
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	return merged
}
