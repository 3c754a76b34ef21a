package logstream

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgerun/runner/internal/wire"
)

// fakeSender captures every LogBatch sent to it.
type fakeSender struct {
	mu      sync.Mutex
	batches []wire.LogBatchMsg
}

func (f *fakeSender) Send(env wire.Envelope) error {
	var batch wire.LogBatchMsg
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		return err
	}
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) all() []wire.LogBatchMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.LogBatchMsg{}, f.batches...)
}

func defaultConfig() Config {
	return Config{
		BufferSize:        100,
		ChunkSizeBytes:    65536,
		FlushInterval:     time.Second,
		EnablePersistence: true,
		MaxPendingLogs:    10000,
	}
}

func TestStreamer_ChunkBoundary(t *testing.T) {
	// chunk_size_bytes = 10; content of exactly 10 bytes is not chunked.
	cfg := defaultConfig()
	cfg.ChunkSizeBytes = 10
	sender := &fakeSender{}
	s := New("job-1", cfg, sender, zap.NewNop())

	s.Add("step-1", "1234567890", wire.LogInfo) // exactly 10 bytes
	s.Flush()
	batches := sender.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Entries, 1)
	assert.Equal(t, "1234567890", batches[0].Entries[0].Content)
}

func TestStreamer_ChunkedLogScenario(t *testing.T) {
	// chunk_size_bytes=10, 25-byte content -> 3 chunks.
	cfg := defaultConfig()
	cfg.ChunkSizeBytes = 10
	sender := &fakeSender{}
	s := New("job-1", cfg, sender, zap.NewNop())

	s.Add("step-1", "1234567890123456789012345", wire.LogInfo)
	s.Flush()

	batches := sender.all()
	require.Len(t, batches, 1)
	entries := batches[0].Entries
	require.Len(t, entries, 3)

	base := entries[0].Sequence
	assert.Equal(t, base+1, entries[1].Sequence)
	assert.Equal(t, base+2, entries[2].Sequence)
	assert.Equal(t, "[1/3] 1234567890", entries[0].Content)
	assert.Equal(t, "[2/3] 1234567890", entries[1].Content)
	assert.Equal(t, "[3/3] 12345", entries[2].Content)

	s.Acknowledge("step-1", base+1)
	assert.Equal(t, 1, s.PendingCount())
}

func TestStreamer_BufferSizeTriggersFlush(t *testing.T) {
	cfg := defaultConfig()
	cfg.BufferSize = 3
	sender := &fakeSender{}
	s := New("job-1", cfg, sender, zap.NewNop())

	s.Add("step-1", "a", wire.LogInfo)
	s.Add("step-1", "b", wire.LogInfo)
	assert.Empty(t, sender.all())

	s.Add("step-1", "c", wire.LogInfo) // crosses threshold, should auto-flush
	batches := sender.all()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Entries, 3)
}

func TestStreamer_MaxPendingLogsDropsOldest(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPendingLogs = 2
	cfg.BufferSize = 1000 // prevent auto-flush so buffer overflow is exercised
	sender := &fakeSender{}
	s := New("job-1", cfg, sender, zap.NewNop())

	s.Add("step-1", "first", wire.LogInfo)
	s.Add("step-1", "second", wire.LogInfo)
	s.Add("step-1", "third", wire.LogInfo) // should drop "first"

	s.Flush()
	batches := sender.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Entries, 2)
	assert.Equal(t, "second", batches[0].Entries[0].Content)
	assert.Equal(t, "third", batches[0].Entries[1].Content)
}

func TestStreamer_AddFlushAcknowledgeRoundTrip(t *testing.T) {
	cfg := defaultConfig()
	sender := &fakeSender{}
	s := New("job-1", cfg, sender, zap.NewNop())

	s.Add("step-1", "hello", wire.LogInfo)
	s.Flush()
	batches := sender.all()
	require.Len(t, batches, 1)
	seq := batches[0].Entries[0].Sequence

	s.Acknowledge("step-1", seq)
	assert.Equal(t, 0, s.PendingCount())

	// Idempotent: a second identical ack is a no-op.
	s.Acknowledge("step-1", seq)
	assert.Equal(t, 0, s.PendingCount())
}

func TestStreamer_AcknowledgeSequenceCoversMultipleSteps(t *testing.T) {
	cfg := defaultConfig()
	sender := &fakeSender{}
	s := New("job-1", cfg, sender, zap.NewNop())

	s.Add("step-1", "a", wire.LogInfo)
	s.Add("step-2", "b", wire.LogInfo)
	s.Add("step-2", "c", wire.LogInfo)

	s.AcknowledgeSequence(1) // acks entries 0 and 1 (step-1's "a", step-2's "b")
	assert.Equal(t, 1, s.PendingCount())
}

func TestStreamer_ResendPendingAfterReconnect(t *testing.T) {
	cfg := defaultConfig()
	sender := &fakeSender{}
	s := New("job-1", cfg, sender, zap.NewNop())

	s.Add("step-1", "hello", wire.LogInfo)
	s.Flush()
	require.Len(t, sender.all(), 1)

	// Simulate reconnect: resend should re-emit the same unacked sequences.
	s.ResendPending()
	batches := sender.all()
	require.Len(t, batches, 2)
	assert.Equal(t, batches[0].Entries[0].Sequence, batches[1].Entries[0].Sequence)
}

func TestStreamer_FlushWithNoSenderWarnsOnly(t *testing.T) {
	cfg := defaultConfig()
	s := New("job-1", cfg, nil, zap.NewNop())
	s.Add("step-1", "hello", wire.LogInfo)
	assert.NotPanics(t, func() { s.Flush() })
}

func TestManager_GetOrCreateAndRemove(t *testing.T) {
	m := NewManager(defaultConfig(), &fakeSender{}, zap.NewNop())

	s1 := m.GetOrCreate("job-1")
	s2 := m.GetOrCreate("job-1")
	assert.Same(t, s1, s2)

	_, ok := m.Get("job-1")
	assert.True(t, ok)

	m.Remove("job-1")
	_, ok = m.Get("job-1")
	assert.False(t, ok)
}

func TestManager_SequenceDenseFromZero(t *testing.T) {
	cfg := defaultConfig()
	sender := &fakeSender{}
	s := New("job-1", cfg, sender, zap.NewNop())

	s.Add("step-1", "one", wire.LogInfo)
	s.Add("step-1", "two", wire.LogInfo)
	s.Add("step-1", "three", wire.LogInfo)
	s.Flush()

	entries := sender.all()[0].Entries
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(0), entries[0].Sequence)
	assert.Equal(t, uint64(1), entries[1].Sequence)
	assert.Equal(t, uint64(2), entries[2].Sequence)
}
