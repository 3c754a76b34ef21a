package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgerun/runner/internal/executor"
	"github.com/forgerun/runner/internal/job"
	"github.com/forgerun/runner/internal/logstream"
	"github.com/forgerun/runner/internal/metrics"
	"github.com/forgerun/runner/internal/session"
	"github.com/forgerun/runner/internal/wire"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	logger := zap.NewNop()

	// The dial target is never actually reached in these tests — the
	// session's connection loop runs in the background and simply keeps
	// failing to connect, which is fine: Send/Receive only touch the
	// session's in-process channels, not a live socket.
	sess := session.New(context.Background(), session.Config{
		WSURL:    "ws://127.0.0.1:1/unreachable",
		RunnerID: "runner-test",
	}, logger)

	logs := logstream.NewManager(logstream.Config{
		BufferSize:        100,
		ChunkSizeBytes:    65536,
		FlushInterval:     time.Second,
		EnablePersistence: true,
		MaxPendingLogs:    1000,
	}, sess, logger)

	shellExec := executor.NewShellExecutor(true, logger)
	engine := job.New(job.Config{
		MaxConcurrentJobs:         2,
		DefaultJobTimeoutMinutes:  5,
		DefaultStepTimeoutMinutes: 5,
		MaxRetries:                1,
		RetryDelay:                time.Millisecond,
		WorkspaceBasePath:         t.TempDir(),
		ShutdownTimeout:           time.Second,
	}, sess, logs, shellExec, nil, logger)

	mc := metrics.New(t.TempDir(), logger)

	return New(Config{
		RunnerID:          "runner-test",
		HeartbeatInterval: time.Second,
		ShutdownTimeout:   time.Second,
	}, sess, logs, engine, mc, logger)
}

func encodeEnvelope(t *testing.T, msgType string, payload any) wire.Envelope {
	t.Helper()
	env, err := wire.Encode(msgType, payload)
	require.NoError(t, err)
	return env
}

func TestSupervisor_HandleJobAssignedDispatchesToEngine(t *testing.T) {
	sup := newTestSupervisor(t)

	msg := wire.JobAssignmentMsg{
		JobID: "job-1",
		Name:  "test job",
		Steps: []wire.StepMsg{{StepID: "step-1", Run: "true"}},
	}
	sup.handle(context.Background(), encodeEnvelope(t, wire.TypeJobAssigned, msg))

	// HandleAssignment dispatches asynchronously; the engine's first action in
	// runAttempt is to emit a "running" status update and create the job's log
	// streamer, so a reachable streamer is proof the assignment made it to the
	// engine rather than being silently dropped.
	assert.Eventually(t, func() bool {
		_, ok := sup.logs.Get("job-1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestSupervisor_HandleJobCancelIsNoopForUnknownJob(t *testing.T) {
	sup := newTestSupervisor(t)

	assert.NotPanics(t, func() {
		sup.handle(context.Background(), encodeEnvelope(t, wire.TypeJobCancel, wire.JobCancelMsg{JobID: "no-such-job"}))
	})
}

func TestSupervisor_HandleLogAckForwardsToManager(t *testing.T) {
	sup := newTestSupervisor(t)

	streamer := sup.logs.GetOrCreate("job-2")
	streamer.Add("step-1", "hello", wire.LogInfo)
	streamer.Flush()
	require.Equal(t, 1, streamer.PendingCount())

	sup.handle(context.Background(), encodeEnvelope(t, wire.TypeLogAck, wire.LogAckMsg{JobID: "job-2", LastSequence: 0}))

	assert.Equal(t, 0, streamer.PendingCount())
}

func TestSupervisor_HandleUnrecognizedTypeDoesNotPanic(t *testing.T) {
	sup := newTestSupervisor(t)

	env := wire.Envelope{Type: "totally_unknown", Payload: json.RawMessage(`{}`)}
	assert.NotPanics(t, func() { sup.handle(context.Background(), env) })
}

func TestSupervisor_ShutdownDrainsWithNoJobsRunning(t *testing.T) {
	sup := newTestSupervisor(t)

	done := make(chan struct{})
	go func() {
		sup.Shutdown("test_shutdown")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return in time")
	}
}
