package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgerun/runner/internal/wire"
)

// echoServer upgrades every request and echoes back any JSON it receives,
// standing in for the control plane for session tests.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connectedMsg, _ := wire.Encode(wire.TypeConnected, wire.ConnectedMsg{RunnerID: "r1"})
		_ = conn.WriteJSON(connectedMsg)

		for {
			var env wire.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			_ = conn.WriteJSON(env)
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestSession_ConnectsAndExchangesMessages(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, Config{
		WSURL:                 wsURL(srv.URL),
		RunnerID:              "r1",
		Token:                 "tok",
		QueueSize:             10,
		EnableHeartbeat:       false,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     100 * time.Millisecond,
		ReconnectMultiplier:   2,
	}, zap.NewNop())

	require.NoError(t, s.WaitConnected(ctx, 2*time.Second))
	assert.Equal(t, Connected, s.State())

	// The first frame off the wire is the server's "connected" message.
	env, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeConnected, env.Type)

	msg, err := wire.Encode(wire.TypeJobCancel, wire.JobCancelMsg{JobID: "job-1"})
	require.NoError(t, err)
	require.NoError(t, s.Send(msg))

	echoed, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeJobCancel, echoed.Type)

	s.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down in time")
	}
}

func TestSession_SendFailsWhenQueueFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Nothing listens at this address, so the session never connects and
	// nothing drains the outbound queue.
	s := New(ctx, Config{
		WSURL:                 "ws://127.0.0.1:1/unreachable",
		RunnerID:              "r1",
		Token:                 "tok",
		QueueSize:             1,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     100 * time.Millisecond,
		ReconnectMultiplier:   2,
	}, zap.NewNop())
	defer s.Close()

	msg, _ := wire.Encode(wire.TypeJobCancel, wire.JobCancelMsg{JobID: "a"})

	// Queue capacity is 1: the first Send fills it, the second finds it full.
	require.NoError(t, s.Send(msg))
	assert.Error(t, s.Send(msg))
}

func TestSession_StateCallbackFiresOnConnect(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, Config{
		WSURL:                 wsURL(srv.URL),
		RunnerID:              "r1",
		Token:                 "tok",
		QueueSize:             10,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     100 * time.Millisecond,
		ReconnectMultiplier:   2,
	}, zap.NewNop())
	defer s.Close()

	seen := make(chan State, 8)
	s.OnStateChange(func(st State) { seen <- st })

	require.NoError(t, s.WaitConnected(ctx, 2*time.Second))

	sawConnected := false
	for i := 0; i < 8; i++ {
		select {
		case st := <-seen:
			if st == Connected {
				sawConnected = true
			}
		case <-time.After(time.Second):
			i = 8
		}
	}
	assert.True(t, sawConnected)
}
