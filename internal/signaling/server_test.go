package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcall/internal/protocol"
)

// bearerAuth treats the bearer token itself as the user id.
func bearerAuth(r *http.Request) (string, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		return "", errors.New("missing token")
	}
	return token, nil
}

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(bearerAuth)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestRelayRoutesAndStampsSender(t *testing.T) {
	srv, url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, err := Dial(ctx, url, "U1", "U1")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Dial(ctx, url, "U2", "U2")
	require.NoError(t, err)
	defer bob.Close()

	require.NoError(t, srv.WaitOnline(ctx, "U1"))
	require.NoError(t, srv.WaitOnline(ctx, "U2"))

	require.NoError(t, alice.Send(ctx, "U2", protocol.CallAccepted{CallID: "C1"}))
	require.NoError(t, alice.Send(ctx, "U2", protocol.CallEnded{CallID: "C1", EndReason: "hangup"}))

	first := receive(t, bob)
	assert.Equal(t, "U1", first.From)
	assert.Equal(t, protocol.TypeCallAccepted, first.Event.Type())
	second := receive(t, bob)
	assert.Equal(t, protocol.TypeCallEnded, second.Event.Type())
}

func TestRelayOverwritesSpoofedSender(t *testing.T) {
	srv, url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bob, err := Dial(ctx, url, "U2", "U2")
	require.NoError(t, err)
	defer bob.Close()
	require.NoError(t, srv.WaitOnline(ctx, "U2"))

	header := http.Header{"Authorization": []string{"Bearer mallory"}}
	raw, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, srv.WaitOnline(ctx, "mallory"))

	frame, err := protocol.Encode("U1", "U2", "", 0, protocol.CallDeclined{CallID: "C1"})
	require.NoError(t, err)
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, frame))

	msg := receive(t, bob)
	assert.Equal(t, "mallory", msg.From)
}

func TestRelayRejectsUnauthenticated(t *testing.T) {
	_, url := startRelay(t)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelayPushReachesOnlineUser(t *testing.T) {
	srv, url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bob, err := Dial(ctx, url, "U2", "U2")
	require.NoError(t, err)
	defer bob.Close()
	require.NoError(t, srv.WaitOnline(ctx, "U2"))

	require.NoError(t, srv.Push("U1", "U2", protocol.CallStatusUpdate{CallID: "C1", Status: "ended"}))
	msg := receive(t, bob)
	assert.Equal(t, "U1", msg.From)
	assert.Equal(t, protocol.CallStatusUpdate{CallID: "C1", Status: "ended"}, msg.Event)

	err = srv.Push("U2", "U3", protocol.CallStatusUpdate{CallID: "C1", Status: "ended"})
	require.ErrorIs(t, err, ErrPeerUnavailable)
}
