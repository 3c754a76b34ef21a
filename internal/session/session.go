// Package session implements the resilient duplex channel to the control
// plane: connect, authenticate, heartbeat, detect silent failures, and
// reconnect with bounded exponential backoff.
//
// The outer reconnect loop dials and spawns an inner "active connection"
// handler that runs until it errors, at which point the outer loop backs
// off and retries.
package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgerun/runner/internal/reconnect"
	"github.com/forgerun/runner/internal/wire"
)

// State is the connection state of a Session, owned exclusively by its
// connection loop and observable by any component.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Failed       State = "failed"
)

// Config carries the parameters needed to dial and maintain one logical
// session.
type Config struct {
	WSURL    string
	RunnerID string
	Token    string

	QueueSize int // outbound/inbound queue capacity

	EnableHeartbeat    bool
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMultiplier   float64
	ReconnectMaxAttempts  int
}

func (c Config) dialURL() (string, error) {
	u, err := url.Parse(c.WSURL)
	if err != nil {
		return "", fmt.Errorf("session: invalid ws_url: %w", err)
	}
	u.Path = fmt.Sprintf("%s/ws/runner/%s/", trimSlash(u.Path), c.RunnerID)
	q := u.Query()
	q.Set("token", c.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func trimSlash(p string) string {
	for len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// Session maintains a single logical duplex channel to the control plane.
// Create with New; it spawns its connection loop immediately and runs until
// the supplied context is cancelled or Close is called.
type Session struct {
	cfg    Config
	logger *zap.Logger
	policy *reconnect.Policy

	outbound chan wire.Envelope
	inbound  chan wire.Envelope

	stateMu     sync.RWMutex
	state       State
	callbacks   map[int]func(State)
	nextCbID    int

	closeOnce sync.Once
	closeCh   chan struct{}

	lastPongMu sync.Mutex
	lastPong   time.Time

	done chan struct{}
}

// New constructs a Session and starts its connection loop in the
// background. The loop runs until ctx is cancelled or Close is called.
func New(ctx context.Context, cfg Config, logger *zap.Logger) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	s := &Session{
		cfg:      cfg,
		logger:   logger.Named("session"),
		policy: reconnect.New(reconnect.Config{
			InitialDelay: cfg.ReconnectInitialDelay,
			MaxDelay:     cfg.ReconnectMaxDelay,
			Multiplier:   cfg.ReconnectMultiplier,
			MaxAttempts:  cfg.ReconnectMaxAttempts,
		}),
		outbound:  make(chan wire.Envelope, cfg.QueueSize),
		inbound:   make(chan wire.Envelope, cfg.QueueSize),
		state:     Disconnected,
		callbacks: make(map[int]func(State)),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.connectionLoop(ctx)
	return s
}

// Send enqueues an outbound message. Non-blocking: returns an error if the
// outbound queue is full.
func (s *Session) Send(env wire.Envelope) error {
	select {
	case s.outbound <- env:
		return nil
	default:
		return fmt.Errorf("session: outbound queue full, dropping %s message", env.Type)
	}
}

// Receive blocks until the next inbound message arrives or ctx is done.
func (s *Session) Receive(ctx context.Context) (wire.Envelope, error) {
	select {
	case env := <-s.inbound:
		return env, nil
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// OnStateChange registers a callback invoked exactly once per transition.
// Callbacks must not block — they run synchronously inside the state lock's
// critical section release point, one per transition. The returned function
// unregisters the callback.
func (s *Session) OnStateChange(cb func(State)) (unregister func()) {
	s.stateMu.Lock()
	id := s.nextCbID
	s.nextCbID++
	s.callbacks[id] = cb
	s.stateMu.Unlock()

	return func() {
		s.stateMu.Lock()
		delete(s.callbacks, id)
		s.stateMu.Unlock()
	}
}

// WaitConnected blocks until the session reaches Connected, timeout elapses,
// or ctx is cancelled.
func (s *Session) WaitConnected(ctx context.Context, timeout time.Duration) error {
	if s.State() == Connected {
		return nil
	}

	reached := make(chan struct{}, 1)
	var once sync.Once
	unregister := s.OnStateChange(func(st State) {
		if st == Connected {
			once.Do(func() { close(reached) })
		}
	})
	defer unregister()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-reached:
		return nil
	case <-timer.C:
		return fmt.Errorf("session: timed out after %s waiting for connection", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests a graceful shutdown of the connection loop. Safe to call
// multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

// Done is closed once the connection loop has fully exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	cbs := make([]func(State), 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		cbs = append(cbs, cb)
	}
	s.stateMu.Unlock()

	for _, cb := range cbs {
		cb(st)
	}
}

func (s *Session) isShuttingDown() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// connectionLoop is the outer reconnect loop: dial, run the
// active-connection handler until it errors or closes, then back off and
// retry, unless shutdown was requested.
func (s *Session) connectionLoop(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil || s.isShuttingDown() {
			s.setState(Disconnected)
			return
		}

		s.setState(Connecting)

		err := s.connectOnce(ctx)
		if err == nil {
			// Either shutdown was requested, or the context was cancelled.
			s.setState(Disconnected)
			return
		}

		if s.isShuttingDown() || ctx.Err() != nil {
			s.setState(Disconnected)
			return
		}

		s.logger.Warn("connection lost, reconnecting", zap.Error(err))
		s.setState(Reconnecting)

		delay, ok := s.policy.Next()
		if !ok {
			s.logger.Error("max reconnect attempts exhausted")
			s.setState(Failed)
			return
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.setState(Disconnected)
			return
		case <-s.closeCh:
			s.setState(Disconnected)
			return
		}
	}
}

// connectOnce dials one websocket session and runs it until it ends. A nil
// error means the session ended because of shutdown/context cancellation
// (not a failure); any other error triggers a reconnect.
func (s *Session) connectOnce(ctx context.Context) error {
	target, err := s.cfg.dialURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("session: dial failed: %w", err)
	}
	defer conn.Close()

	s.setState(Connected)
	s.policy.Reset()
	s.setLastPong(time.Now())

	return s.activeConnection(ctx, conn)
}

type inboundFrame struct {
	env wire.Envelope
	err error
}

// activeConnection multiplexes the four sources below:
// inbound frames, outbound messages, the heartbeat tick, and the shutdown
// signal. Returns nil on graceful shutdown/close, non-nil on any condition
// that should trigger a reconnect.
func (s *Session) activeConnection(ctx context.Context, conn *websocket.Conn) error {
	frames := make(chan inboundFrame, s.cfg.QueueSize)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(conn, frames)
	}()
	defer func() {
		conn.Close()
		<-readerDone
	}()

	var heartbeatC <-chan time.Time
	if s.cfg.EnableHeartbeat {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return fmt.Errorf("session: read loop ended")
			}
			if frame.err != nil {
				return frame.err
			}
			s.setLastPong(time.Now())
			select {
			case s.inbound <- frame.env:
			case <-ctx.Done():
				return nil
			case <-s.closeCh:
				return nil
			}

		case env := <-s.outbound:
			if err := conn.WriteJSON(env); err != nil {
				return fmt.Errorf("session: write failed: %w", err)
			}

		case <-heartbeatC:
			if time.Since(s.getLastPong()) > s.cfg.HeartbeatTimeout {
				return fmt.Errorf("session: heartbeat timeout")
			}
			payload := make([]byte, 8)
			binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))
			if err := conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(5*time.Second)); err != nil {
				return fmt.Errorf("session: ping send failed: %w", err)
			}

		case <-s.closeCh:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(2*time.Second))
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// readLoop reads frames off the wire until the connection closes or errors.
// Malformed frames are logged and dropped, not propagated as a connection
// error. Malformed frames are logged and dropped, not treated as fatal.
func (s *Session) readLoop(conn *websocket.Conn, frames chan<- inboundFrame) {
	defer close(frames)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			frames <- inboundFrame{err: fmt.Errorf("session: read error: %w", err)}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		frames <- inboundFrame{env: env}
	}
}

func (s *Session) setLastPong(t time.Time) {
	s.lastPongMu.Lock()
	s.lastPong = t
	s.lastPongMu.Unlock()
}

func (s *Session) getLastPong() time.Time {
	s.lastPongMu.Lock()
	defer s.lastPongMu.Unlock()
	return s.lastPong
}
