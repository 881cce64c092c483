package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(hub.Handler(func(r *http.Request) (string, error) {
		user := r.URL.Query().Get("user")
		if user == "" {
			return "", errors.New("no user")
		}
		return user, nil
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSessions(t *testing.T, hub *Hub, user string, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Sessions(user) == want },
		2*time.Second, 10*time.Millisecond)
}

func TestSendToUser_DeliversToEverySession(t *testing.T) {
	hub := New(time.Second, zap.NewNop())
	srv := newTestServer(t, hub)

	c1 := dial(t, srv, "u1")
	c2 := dial(t, srv, "u1")
	waitSessions(t, hub, "u1", 2)

	frame := Frame{ID: 7, Title: "t", Message: "m", Priority: "HIGH", Channel: "WEBSOCKET", Type: FrameTypeNotification}
	n, err := hub.SendToUser(context.Background(), "u1", frame)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, c := range []*websocket.Conn{c1, c2} {
		var got Frame
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, json.NewDecoder(c).Decode(&got))
		assert.Equal(t, frame, got)
	}
}

func TestSendToUser_NoSessions(t *testing.T) {
	hub := New(time.Second, zap.NewNop())

	n, err := hub.SendToUser(context.Background(), "nobody", Frame{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionPrunedOnDisconnect(t *testing.T) {
	hub := New(time.Second, zap.NewNop())
	srv := newTestServer(t, hub)

	c := dial(t, srv, "u2")
	waitSessions(t, hub, "u2", 1)

	require.NoError(t, c.Close())
	waitSessions(t, hub, "u2", 0)
	assert.Zero(t, hub.Total())
}

func TestHandler_RejectsAnonymous(t *testing.T) {
	hub := New(time.Second, zap.NewNop())
	srv := newTestServer(t, hub)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	_, err := websocket.Dial(wsURL, "", srv.URL)
	assert.Error(t, err)
}
