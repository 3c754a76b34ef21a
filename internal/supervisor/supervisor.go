// Package supervisor implements the top-level process loop: it owns the
// single Session and LogStreamer Manager, spawns the heartbeat task,
// dispatches inbound wire messages to the Job Engine, and drives graceful
// shutdown.
package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/forgerun/runner/internal/job"
	"github.com/forgerun/runner/internal/logstream"
	"github.com/forgerun/runner/internal/metrics"
	"github.com/forgerun/runner/internal/session"
	"github.com/forgerun/runner/internal/wire"
)

// Config carries the runner identity fields needed for heartbeats.
type Config struct {
	RunnerID          string
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
}

// Supervisor is the top-level component wiring the Session, LogStreamer
// Manager, and Job Engine together for the lifetime of the process.
type Supervisor struct {
	cfg     Config
	session *session.Session
	logs    *logstream.Manager
	engine  *job.Engine
	metrics *metrics.Collector
	logger  *zap.Logger

	status string // runner-reported status string for Heartbeat.status
}

// New creates a Supervisor. sess, logs, and engine are all expected to be
// already wired to each other by the caller (cmd/runner) — the Supervisor
// only drives their lifecycle, it does not construct them.
func New(cfg Config, sess *session.Session, logs *logstream.Manager, engine *job.Engine, mc *metrics.Collector, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		session: sess,
		logs:    logs,
		engine:  engine,
		metrics: mc,
		logger:  logger.Named("supervisor"),
		status:  "idle",
	}
}

// Run wires the session's resend-on-reconnect callback, starts the
// heartbeat and log-flush tickers, and dispatches inbound messages until
// ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	unregister := s.session.OnStateChange(func(st session.State) {
		if st == session.Connected {
			s.logs.ResendAll()
		}
	})
	defer unregister()

	go s.logs.RunFlushTicker(ctx, time.Second)
	go s.heartbeatLoop(ctx)

	s.dispatchLoop(ctx)
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.session.State() != session.Connected {
				continue
			}
			info := s.metrics.Collect(ctx)
			msg := wire.HeartbeatMsg{
				RunnerID:    s.cfg.RunnerID,
				Status:      s.status,
				CurrentJobs: s.engine.CurrentJobs(),
				SystemInfo:  info,
			}
			env, err := wire.Encode(wire.TypeHeartbeat, msg)
			if err != nil {
				s.logger.Error("failed to encode heartbeat", zap.Error(err))
				continue
			}
			if err := s.session.Send(env); err != nil {
				s.logger.Warn("failed to send heartbeat", zap.Error(err))
			}
		}
	}
}

// dispatchLoop reads inbound messages from the Session and routes them by
// tag, until ctx is cancelled (the only case in which Receive errors).
func (s *Supervisor) dispatchLoop(ctx context.Context) {
	for {
		env, err := s.session.Receive(ctx)
		if err != nil {
			s.logger.Info("dispatch loop stopping", zap.Error(err))
			return
		}
		s.handle(ctx, env)
	}
}

func (s *Supervisor) handle(ctx context.Context, env wire.Envelope) {
	switch env.Type {
	case wire.TypeConnected:
		var msg wire.ConnectedMsg
		_ = json.Unmarshal(env.Payload, &msg)
		s.logger.Info("connected", zap.String("runner_id", msg.RunnerID))

	case wire.TypeHeartbeatAck:
		s.logger.Debug("heartbeat acknowledged")

	case wire.TypeJobAssigned:
		var msg wire.JobAssignmentMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.logger.Error("failed to decode job assignment", zap.Error(err))
			return
		}
		s.engine.HandleAssignment(ctx, job.FromWire(msg))

	case wire.TypeJobCancel:
		var msg wire.JobCancelMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.logger.Error("failed to decode job cancel", zap.Error(err))
			return
		}
		s.engine.Cancel(msg.JobID)

	case wire.TypeLogAck:
		var msg wire.LogAckMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.logger.Error("failed to decode log ack", zap.Error(err))
			return
		}
		s.logs.AcknowledgeJob(msg.JobID, msg.LastSequence)

	case wire.TypeError:
		var msg wire.ErrorMsg
		_ = json.Unmarshal(env.Payload, &msg)
		s.logger.Error("control plane reported error", zap.String("message", msg.Message))

	case wire.TypePong:
		// last_pong is already updated inside the Session on receipt.

	default:
		s.logger.Warn("unrecognized inbound message type", zap.String("type", env.Type))
	}
}

// Shutdown stops admission, waits for in-flight jobs to drain up to
// ShutdownTimeout, force-cancels any that remain, and announces the runner
// as offline on a best-effort basis before returning.
func (s *Supervisor) Shutdown(reason string) {
	s.engine.BeginShutdown()

	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if !s.engine.AwaitDrain(drainCtx) {
		s.logger.Warn("shutdown drain budget exceeded, cancelling remaining jobs")
		s.engine.CancelAll()
	}

	msg := wire.RunnerOfflineMsg{RunnerID: s.cfg.RunnerID, Reason: reason}
	env, err := wire.Encode(wire.TypeRunnerOffline, msg)
	if err == nil {
		_ = s.session.Send(env)
	}

	s.session.Close()
}
