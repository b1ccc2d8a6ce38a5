// Package lifecycle is the call-record side of a call: the Service the state
// machine talks to, an HTTP client for it, an in-memory implementation used
// by the relay and by tests, and the tokens both sides authenticate with.
package lifecycle

import (
	"context"
	"errors"

	"github.com/1ureka/rtcall/internal/call"
)

var (
	// ErrNotFound reports an unknown call id.
	ErrNotFound = errors.New("call record not found")
	// ErrTerminal reports a record that was already declined or ended.
	ErrTerminal = errors.New("call record already terminal")
	// ErrForbidden reports a caller that is not a participant of the record.
	ErrForbidden = errors.New("not a participant of this call")
)

// Record statuses as stored by the service.
const (
	RecordRinging  = "ringing"
	RecordAccepted = "accepted"
	RecordActive   = "active"
	RecordDeclined = "declined"
	RecordEnded    = "ended"
)

// InitiateRequest is the body of InitiateCall.
type InitiateRequest struct {
	ReceiverID string    `json:"receiverId"`
	ChatID     string    `json:"chatId"`
	CallType   call.Kind `json:"callType"`
}

// Service manages call records on behalf of one authenticated user.
//
// InitiateCall fails with an error matching call.ErrConflict when the user
// still owns a live record. GetActiveCall returns (nil, nil) when there is
// none.
type Service interface {
	InitiateCall(ctx context.Context, req InitiateRequest) (*call.Record, error)
	AcceptCall(ctx context.Context, callID string) error
	DeclineCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID string, reason call.EndReason) error
	UpdateCallStatus(ctx context.Context, callID string, status string) error
	GetActiveCall(ctx context.Context) (*call.Record, error)
	GetRoomToken(ctx context.Context, callID string, role call.Role) (*call.RoomToken, error)
}

// Gone reports whether err means the record no longer needs updating.
func Gone(err error) bool {
	return errors.Is(err, ErrTerminal) || errors.Is(err, ErrNotFound)
}

func terminal(status string) bool {
	return status == RecordDeclined || status == RecordEnded
}
