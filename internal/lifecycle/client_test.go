package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcall/internal/call"
)

func writeEnvelope(w http.ResponseWriter, status int, data any, detail *ErrorDetail) {
	env := map[string]any{"success": detail == nil, "data": data}
	if detail != nil {
		env["error"] = detail
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func TestClientRequests(t *testing.T) {
	var seen []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/calls":
			var req InitiateRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "U2", req.ReceiverID)
			assert.Equal(t, call.KindVideo, req.CallType)
			writeEnvelope(w, http.StatusCreated, call.Record{ID: "C1", CallerID: "U1", ReceiverID: "U2", CallType: req.CallType}, nil)
		case "/api/calls/active":
			writeEnvelope(w, http.StatusOK, nil, nil)
		case "/api/calls/C1/end":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "hangup", body["endReason"])
			writeEnvelope(w, http.StatusOK, nil, nil)
		case "/api/calls/C1/room-token":
			writeEnvelope(w, http.StatusOK, call.RoomToken{AuthToken: "jwt", RoomID: "call-C1"}, nil)
		default:
			writeEnvelope(w, http.StatusOK, nil, nil)
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/", "tok")
	ctx := context.Background()

	rec, err := c.InitiateCall(ctx, InitiateRequest{ReceiverID: "U2", CallType: call.KindVideo})
	require.NoError(t, err)
	assert.Equal(t, "C1", rec.ID)

	active, err := c.GetActiveCall(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, c.AcceptCall(ctx, "C1"))
	require.NoError(t, c.UpdateCallStatus(ctx, "C1", RecordActive))
	require.NoError(t, c.EndCall(ctx, "C1", call.ReasonHangup))

	tok, err := c.GetRoomToken(ctx, "C1", call.RoleInitiator)
	require.NoError(t, err)
	assert.Equal(t, "call-C1", tok.RoomID)

	assert.Equal(t, []string{
		"POST /api/calls",
		"GET /api/calls/active",
		"POST /api/calls/C1/accept",
		"PUT /api/calls/C1/status",
		"POST /api/calls/C1/end",
		"POST /api/calls/C1/room-token",
	}, seen)
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusConflict, call.ErrConflict},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusGone, ErrTerminal},
		{http.StatusForbidden, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tt.status, nil, &ErrorDetail{Code: "X", Message: "nope"})
			}))
			defer ts.Close()

			err := NewClient(ts.URL, "").DeclineCall(context.Background(), "C1")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestClientUnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := NewClient(ts.URL, "").AcceptCall(context.Background(), "C1")
	require.Error(t, err)
	assert.False(t, Gone(err))
	assert.Contains(t, err.Error(), "500")
}
