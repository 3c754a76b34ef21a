// Package logstream implements the per-job, sequence-numbered log pipeline:
// buffer, chunk, batch-flush, ack-track, and resend on reconnect, with a
// hard bound on memory.
package logstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/forgerun/runner/internal/wire"
)

// Config controls buffering, chunking, and flush behavior. Field names
// mirror the configured logging keys.
type Config struct {
	BufferSize        int           // flush trigger threshold
	ChunkSizeBytes    int
	FlushInterval     time.Duration
	EnablePersistence bool
	MaxPendingLogs    int
}

// Sender is the narrow interface a Streamer needs from the Session: enqueue
// one outbound message. Modeled as an interface so tests don't need a real
// socket, and so a Streamer holding a Sender (rather than a concrete
// Session) stays a plain ownership edge rather than a reference cycle.
type Sender interface {
	Send(wire.Envelope) error
}

// Streamer buffers, chunks, and flushes the log entries of a single job.
// Create with New; safe for concurrent use.
type Streamer struct {
	jobID  string
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	seq       atomic.Uint64
	buffer    []wire.LogEntry
	pending   []wire.LogEntry // flushed, unacked; only populated if EnablePersistence
	ackSeqs   map[string]uint64
	lastFlush time.Time

	sender Sender // may be nil: in-memory-only mode
}

// New creates a Streamer for jobID. sender may be nil — flushes become
// warnings instead of wire sends (in-memory-only mode).
func New(jobID string, cfg Config, sender Sender, logger *zap.Logger) *Streamer {
	return &Streamer{
		jobID:     jobID,
		cfg:       cfg,
		logger:    logger.Named("logstream").With(zap.String("job_id", jobID)),
		ackSeqs:   make(map[string]uint64),
		sender:    sender,
		lastFlush: time.Now(),
	}
}

// Add admits a new log entry, chunking it if it exceeds ChunkSizeBytes, and
// triggers a flush if the buffer crosses BufferSize.
func (s *Streamer) Add(stepID, content string, level wire.LogLevel) {
	chunks := chunk(content, s.cfg.ChunkSizeBytes)

	s.mu.Lock()
	n := uint64(len(chunks))
	start := s.seq.Add(n) - n

	for i, c := range chunks {
		entry := wire.LogEntry{
			Sequence:  start + uint64(i),
			StepID:    stepID,
			Timestamp: time.Now().UTC(),
			Content:   c,
			Level:     level,
		}
		s.admitLocked(entry)
	}
	shouldFlush := len(s.buffer) >= s.cfg.BufferSize
	s.mu.Unlock()

	if shouldFlush {
		s.Flush()
	}
}

// admitLocked pushes entry into buffer and, if persistence is enabled, into
// pending; each drops its oldest entry once it holds MaxPendingLogs entries.
// Caller holds s.mu.
func (s *Streamer) admitLocked(entry wire.LogEntry) {
	if len(s.buffer) >= s.cfg.MaxPendingLogs {
		dropped := s.buffer[0]
		s.buffer = s.buffer[1:]
		s.logger.Warn("log buffer full, dropping oldest entry",
			zap.Uint64("dropped_sequence", dropped.Sequence))
	}
	s.buffer = append(s.buffer, entry)

	if s.cfg.EnablePersistence {
		if s.cfg.MaxPendingLogs > 0 && len(s.pending) >= s.cfg.MaxPendingLogs {
			s.logger.Warn("pending log set full, dropping oldest unacknowledged entry",
				zap.Uint64("dropped_sequence", s.pending[0].Sequence))
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, entry)
	}
}

// chunk splits content into chunks of at most size bytes, prefixing each
// with "[i/N] " when more than one chunk results. A content length exactly
// equal to size is not chunked.
func chunk(content string, size int) []string {
	if size <= 0 || len(content) <= size {
		return []string{content}
	}

	var parts []string
	for i := 0; i < len(content); i += size {
		end := i + size
		if end > len(content) {
			end = len(content)
		}
		parts = append(parts, content[i:end])
	}

	n := len(parts)
	prefixed := make([]string, n)
	for i, p := range parts {
		prefixed[i] = fmt.Sprintf("[%d/%d] %s", i+1, n, p)
	}
	return prefixed
}

// Flush drains the buffer and sends it as a single LogBatch. A no-op if the
// buffer is empty. If no Sender is attached, logs a warning instead of
// sending (in-memory-only mode).
func (s *Streamer) Flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.lastFlush = time.Now()
	s.mu.Unlock()

	s.send(batch)
}

// FlushIfNeeded flushes when FlushInterval has elapsed since the last flush
// and the buffer is non-empty. Intended to be driven by a ticker at the
// manager level.
func (s *Streamer) FlushIfNeeded() {
	s.mu.Lock()
	due := time.Since(s.lastFlush) >= s.cfg.FlushInterval && len(s.buffer) > 0
	s.mu.Unlock()

	if due {
		s.Flush()
	}
}

func (s *Streamer) send(batch []wire.LogEntry) {
	if s.sender == nil {
		s.logger.Warn("no session attached, log batch not sent", zap.Int("entries", len(batch)))
		return
	}

	msg, err := wire.Encode(wire.TypeLogBatch, wire.LogBatchMsg{JobID: s.jobID, Entries: batch})
	if err != nil {
		s.logger.Error("failed to encode log batch", zap.Error(err))
		return
	}
	if err := s.sender.Send(msg); err != nil {
		s.logger.Warn("failed to send log batch", zap.Error(err))
	}
}

// Acknowledge records the last acknowledged sequence for stepID and removes
// every pending entry for that step at or below it. Idempotent: calling it
// twice with the same (stepID, lastSeq) is equivalent to calling it once.
func (s *Streamer) Acknowledge(stepID string, lastSeq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ackSeqs[stepID] = lastSeq

	kept := s.pending[:0]
	for _, e := range s.pending {
		if e.StepID == stepID && e.Sequence <= lastSeq {
			continue
		}
		kept = append(kept, e)
	}
	s.pending = kept
}

// AcknowledgeSequence removes every pending entry, across all steps, with
// sequence <= lastSeq, and records lastSeq against each step_id touched.
// This is what the wire LogAck message actually carries — a job-wide
// sequence cutoff, not a per-step one — since sequence numbers are per-job
// and a single ack can cover several steps at once.
func (s *Streamer) AcknowledgeSequence(lastSeq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.pending[:0]
	for _, e := range s.pending {
		if e.Sequence <= lastSeq {
			if cur, ok := s.ackSeqs[e.StepID]; !ok || lastSeq > cur {
				s.ackSeqs[e.StepID] = lastSeq
			}
			continue
		}
		kept = append(kept, e)
	}
	s.pending = kept
}

// ResendPending re-emits every unacked entry as a single LogBatch, in order.
// Called on the session's Disconnected→Connected transition. At-least-once:
// the control plane must tolerate duplicate sequences.
func (s *Streamer) ResendPending() {
	s.mu.Lock()
	snapshot := append([]wire.LogEntry{}, s.pending...)
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	s.send(snapshot)
}

// PendingCount returns the number of unacknowledged entries. Exposed for
// tests and observability.
func (s *Streamer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Manager owns one Streamer per active job, indexed by job ID.
type Manager struct {
	cfg    Config
	sender Sender
	logger *zap.Logger

	mu        sync.Mutex
	streamers map[string]*Streamer
}

// NewManager creates a Manager. sender is attached to every Streamer it
// creates.
func NewManager(cfg Config, sender Sender, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		sender:    sender,
		logger:    logger.Named("logstream-manager"),
		streamers: make(map[string]*Streamer),
	}
}

// GetOrCreate returns the Streamer for jobID, creating it under a
// double-checked lock if it doesn't exist yet.
func (m *Manager) GetOrCreate(jobID string) *Streamer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streamers[jobID]; ok {
		return s
	}
	s := New(jobID, m.cfg, m.sender, m.logger)
	m.streamers[jobID] = s
	return s
}

// Get returns the Streamer for jobID if one exists.
func (m *Manager) Get(jobID string) (*Streamer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streamers[jobID]
	return s, ok
}

// Remove drops the Streamer for jobID. Called on job terminal.
func (m *Manager) Remove(jobID string) {
	m.mu.Lock()
	delete(m.streamers, jobID)
	m.mu.Unlock()
}

// Acknowledge forwards to the named job's Streamer, if it still exists.
func (m *Manager) Acknowledge(jobID, stepID string, lastSeq uint64) {
	if s, ok := m.Get(jobID); ok {
		s.Acknowledge(stepID, lastSeq)
	}
}

// AcknowledgeJob forwards a job-wide sequence cutoff to the named job's
// Streamer, if it still exists. This is what a wire LogAck message drives.
func (m *Manager) AcknowledgeJob(jobID string, lastSeq uint64) {
	if s, ok := m.Get(jobID); ok {
		s.AcknowledgeSequence(lastSeq)
	}
}

// ResendAll calls ResendPending on every active streamer. Intended to be
// registered as a Session state-change callback for the Disconnected→
// Connected edge.
func (m *Manager) ResendAll() {
	m.mu.Lock()
	snapshot := make([]*Streamer, 0, len(m.streamers))
	for _, s := range m.streamers {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	for _, s := range snapshot {
		s.ResendPending()
	}
}

// RunFlushTicker drives FlushIfNeeded on every active streamer until ctx is
// cancelled. Intended to be run in its own goroutine by the supervisor.
func (m *Manager) RunFlushTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			snapshot := make([]*Streamer, 0, len(m.streamers))
			for _, s := range m.streamers {
				snapshot = append(snapshot, s)
			}
			m.mu.Unlock()

			for _, s := range snapshot {
				s.FlushIfNeeded()
			}
		}
	}
}
