// Package main is the entry point for the runner binary. It wires all
// internal packages together and starts the supervisor loop.
//
// Startup sequence:
//  1. Build logger
//  2. Load configuration (runner.<ext> + RUNNER_ env vars)
//  3. Resolve runner identity (configured ID, or persisted/generated UUID)
//  4. Optionally connect to Docker (non-fatal if unavailable)
//  5. Build Session, LogStreamer Manager, executors, Job Engine, Supervisor
//  6. Start the supervisor and block until SIGINT/SIGTERM/SIGHUP
//  7. Drain in-flight jobs and announce offline, then exit
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgerun/runner/internal/config"
	"github.com/forgerun/runner/internal/executor"
	"github.com/forgerun/runner/internal/identity"
	"github.com/forgerun/runner/internal/job"
	"github.com/forgerun/runner/internal/logstream"
	"github.com/forgerun/runner/internal/metrics"
	"github.com/forgerun/runner/internal/session"
	"github.com/forgerun/runner/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "runner",
		Short: "CI/CD runner — receives job assignments from the control plane and executes them",
		Long: `runner is a self-hosted job execution agent. It maintains a persistent
websocket session to the control plane, accepts job assignments, executes
their steps via a shell or container executor, and streams logs back in
real time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), logLevel)
		},
	}

	root.AddCommand(newVersionCmd())
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("RUNNER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runner %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, logLevel string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Runner.Token == "" {
		logger.Warn("runner.token not configured — websocket session is unauthenticated (set RUNNER_RUNNER__TOKEN in production)")
	}

	runnerID, err := identity.LoadOrCreate(cfg.Workspace.BasePath, cfg.Runner.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve runner identity: %w", err)
	}

	logger.Info("starting runner",
		zap.String("version", version),
		zap.String("runner_id", runnerID),
		zap.String("control_plane", cfg.ControlPlane.WSURL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	// --- Docker client (optional) ---
	// Docker is best-effort: if the socket is unavailable or the daemon isn't
	// running, the runner starts normally, but jobs carrying a container spec
	// end as failed (job.selectExecutor returns an error for every attempt).
	var containerExec executor.Executor
	if dc, dockerErr := newDockerClient(cfg.Executor.Docker, logger); dockerErr != nil {
		logger.Warn("failed to create Docker client, container execution unavailable", zap.Error(dockerErr))
	} else if !dc.HealthCheck(ctx) {
		logger.Warn("Docker daemon unreachable, container execution unavailable")
	} else {
		containerExec = dc
		logger.Info("Docker daemon reachable, container execution available")
	}

	shellExec := executor.NewShellExecutor(cfg.Executor.Shell.CleanupWorkspace, logger)

	sess := session.New(ctx, session.Config{
		WSURL:    cfg.ControlPlane.WSURL,
		RunnerID: runnerID,
		Token:    cfg.Runner.Token,

		EnableHeartbeat:   cfg.Websocket.EnableHeartbeat,
		HeartbeatInterval: time.Duration(cfg.Websocket.HeartbeatIntervalSecs) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.Websocket.HeartbeatTimeoutSecs) * time.Second,

		ReconnectInitialDelay: time.Duration(cfg.Websocket.ReconnectInitialDelayMs) * time.Millisecond,
		ReconnectMaxDelay:     time.Duration(cfg.Websocket.ReconnectMaxDelayMs) * time.Millisecond,
		ReconnectMultiplier:   cfg.Websocket.ReconnectMultiplier,
		ReconnectMaxAttempts:  cfg.Websocket.MaxReconnectAttempts,
	}, logger)

	logs := logstream.NewManager(logstream.Config{
		BufferSize:        cfg.Logging.BufferSize,
		ChunkSizeBytes:    cfg.Logging.ChunkSizeBytes,
		FlushInterval:     time.Duration(cfg.Logging.FlushIntervalMs) * time.Millisecond,
		EnablePersistence: cfg.Logging.EnablePersistence,
		MaxPendingLogs:    cfg.Logging.MaxPendingLogs,
	}, sess, logger)

	engine := job.New(job.Config{
		MaxConcurrentJobs:         cfg.Runner.MaxConcurrentJobs,
		DefaultJobTimeoutMinutes:  cfg.Job.DefaultTimeoutMinutes,
		DefaultStepTimeoutMinutes: cfg.Job.DefaultStepTimeoutMinutes,
		MaxRetries:                cfg.Job.MaxRetries,
		RetryDelay:                time.Duration(cfg.Job.RetryDelaySecs) * time.Second,
		WorkspaceBasePath:         cfg.Workspace.BasePath,
		ShutdownTimeout:           time.Duration(cfg.Job.ShutdownTimeoutSecs) * time.Second,
	}, sess, logs, shellExec, containerExec, logger)

	mc := metrics.New(cfg.Workspace.BasePath, logger)

	sup := supervisor.New(supervisor.Config{
		RunnerID:          runnerID,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ShutdownTimeout:   time.Duration(cfg.Job.ShutdownTimeoutSecs) * time.Second,
	}, sess, logs, engine, mc, logger)

	sup.Run(ctx)

	reason := "shutdown_requested"
	if ctx.Err() == nil {
		reason = "session_failed"
	}
	sup.Shutdown(reason)

	logger.Info("runner stopped")
	return nil
}

// newDockerClient builds a Docker client wrapped as an executor.Executor.
// An empty socket uses the platform default (DOCKER_HOST env var or the
// local unix socket).
func newDockerClient(dockerCfg config.DockerConfig, logger *zap.Logger) (*executor.ContainerExecutor, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if dockerCfg.Socket != "" {
		opts = append(opts, dockerclient.WithHost(dockerCfg.Socket))
	}

	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: failed to create client: %w", err)
	}

	pullPolicy := executor.PullPolicy(dockerCfg.PullPolicy)
	if pullPolicy == "" {
		pullPolicy = executor.PullIfNotPresent
	}
	return executor.NewContainerExecutor(dc, pullPolicy, dockerCfg.NetworkMode, logger), nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
