package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/stratdesk/errs"
	"github.com/coachpo/stratdesk/internal/protocol"
)

// backend echoes every frame back, prefixed so the test can tell replies apart.
// When dropFirst is set the first connection is closed by the server right away.
func backend(t *testing.T, dropFirst bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := connections.Add(1)
		if dropFirst && n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			reply := append([]byte("echo:"), data...)
			if err := conn.Write(ctx, typ, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &connections
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitState(t *testing.T, states <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-states:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for open=%v", want)
	}
}

func TestNewWebsocketRejectsNonWebsocketURL(t *testing.T) {
	_, err := NewWebsocket(WebsocketConfig{URL: "http://localhost"}, nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestWebsocketSendAndReceive(t *testing.T) {
	srv, _ := backend(t, false)
	ch, err := NewWebsocket(WebsocketConfig{URL: wsURL(srv), MaxReconnectInterval: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	states := make(chan bool, 8)
	messages := make(chan []byte, 8)
	ch.OnStateChange(func(open bool) { states <- open })
	ch.OnMessage(func(data []byte) { messages <- data })

	err = ch.Send(context.Background(), protocol.Command{Type: protocol.CommandGetStatus})
	require.True(t, errors.Is(err, ErrClosed))

	require.NoError(t, ch.Start(context.Background()))
	require.Error(t, ch.Start(context.Background()))
	waitState(t, states, true)
	require.True(t, ch.IsOpen())

	require.NoError(t, ch.Send(context.Background(), protocol.Command{
		Type:      protocol.CommandGetStatus,
		RequestID: "req-1",
	}))

	select {
	case data := <-messages:
		text := string(data)
		require.True(t, strings.HasPrefix(text, "echo:"))
		require.Contains(t, text, `"type":"get_strategy_status"`)
		require.Contains(t, text, `"request_id":"req-1"`)
		require.Contains(t, text, `"source":"stratdesk"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no echo received")
	}

	ch.Close()
	waitState(t, states, false)
	require.False(t, ch.IsOpen())
}

func TestWebsocketReconnectsAfterRemoteClose(t *testing.T) {
	srv, connections := backend(t, true)
	ch, err := NewWebsocket(WebsocketConfig{URL: wsURL(srv), MaxReconnectInterval: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	states := make(chan bool, 8)
	ch.OnStateChange(func(open bool) { states <- open })
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(ch.Close)

	waitState(t, states, true)
	waitState(t, states, false)
	waitState(t, states, true)
	require.GreaterOrEqual(t, connections.Load(), int32(2))
}

func TestWebsocketReportsFullQueue(t *testing.T) {
	ch, err := NewWebsocket(WebsocketConfig{URL: "ws://127.0.0.1:1", QueueSize: 1}, nil)
	require.NoError(t, err)
	// Pretend a session is up without a writer draining the queue.
	ch.open.Store(true)

	require.NoError(t, ch.Send(context.Background(), protocol.Command{Type: protocol.CommandGetStatus}))
	err = ch.Send(context.Background(), protocol.Command{Type: protocol.CommandGetConfig})
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.False(t, errors.Is(err, ErrClosed))

	ch.drainOutbound()
	require.Empty(t, ch.outbound)
}
