package transport

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kleeedolinux/datafeed/feed"
	"github.com/kleeedolinux/datafeed/feed/feedtest"
)

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	server := feedtest.NewServer("dashboard.v1")
	t.Cleanup(server.Close)

	dialer := NewWebSocketDialer(
		WithHeaders(http.Header{"X-Client": []string{"test"}}),
		WithReadTimeout(2*time.Second),
	)

	conn, err := dialer.Dial(context.Background(), server.URL(), []string{"dashboard.v1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Equal(t, "dashboard.v1", conn.(*WebSocketConn).Subprotocol())

	require.Eventually(t, func() bool { return server.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, server.Broadcast([]byte(`{"n":1}`)))
	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(msg))

	require.NoError(t, conn.WriteMessage([]byte("hello")))
	select {
	case got := <-server.Received():
		require.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("server did not receive message")
	}

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.WriteMessage([]byte("late")), feed.ErrConnectionClosed)
}

func TestWebSocketDialer_DialFailure(t *testing.T) {
	dialer := NewWebSocketDialer(WithHandshakeTimeout(time.Second))

	_, err := dialer.Dial(context.Background(), "ws://127.0.0.1:1/none", nil)
	require.Error(t, err)
}

func TestWebSocketConn_ReadFailsWhenPeerDrops(t *testing.T) {
	server := feedtest.NewServer()
	t.Cleanup(server.Close)

	conn, err := NewWebSocketDialer().Dial(context.Background(), server.URL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return server.Count() == 1 }, time.Second, 5*time.Millisecond)
	server.DropAll()

	_, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestHub_OverWebSocket(t *testing.T) {
	server := feedtest.NewServer()
	t.Cleanup(server.Close)

	hub := feed.New(nil, NewWebSocketDialer())
	t.Cleanup(hub.Close)

	received := make(chan any, 10)
	hub.Subscribe("prices", feed.NewInstance(), func(data any) error {
		received <- data
		return nil
	})

	hub.RegisterSocket("prices", server.URL(), feed.WithReconnectInterval(10*time.Millisecond))
	hub.OpenSocket("prices")

	require.Eventually(t, func() bool {
		return hub.State("prices") == feed.StateOpen && server.Count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	server.Broadcast([]byte(`{"price":10}`))
	requireReceived(t, received, map[string]any{"price": 10.0})

	require.True(t, hub.SendMessage("prices", map[string]string{"op": "subscribe"}))
	select {
	case got := <-server.Received():
		require.JSONEq(t, `{"op":"subscribe"}`, string(got))
	case <-time.After(time.Second):
		t.Fatal("server did not receive message")
	}

	// The server drops the connection and the channel comes back on its own.
	server.DropAll()
	require.Eventually(t, func() bool {
		return server.Accepted() == 2 && server.Count() == 1 && hub.State("prices") == feed.StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	server.Broadcast([]byte(`{"price":11}`))
	requireReceived(t, received, map[string]any{"price": 11.0})

	hub.CloseSocket("prices")
	require.Eventually(t, func() bool { return server.Count() == 0 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, server.Accepted())
}

func requireReceived(t *testing.T, ch <-chan any, want any) {
	t.Helper()

	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery, want %v", want)
	}
}
