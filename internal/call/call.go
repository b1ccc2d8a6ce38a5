// Package call defines the call-session domain shared by every layer: call
// kinds, roles, statuses, participants and the session snapshot that the
// state machine publishes.
package call

import "time"

// Kind is the media kind of a call. It never changes for the life of a session.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// Valid reports whether k is a known call kind.
func (k Kind) Valid() bool { return k == KindVoice || k == KindVideo }

// WantsVideo reports whether capture for this kind includes a camera track.
func (k Kind) WantsVideo() bool { return k == KindVideo }

// Role is the local side of a session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// Status is the state of a session as seen by the state machine.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusCalling         Status = "calling"
	StatusRingingIncoming Status = "ringing-incoming"
	StatusAccepting       Status = "accepting"
	StatusConnecting      Status = "connecting"
	StatusActive          Status = "active"
	StatusEnding          Status = "ending"
	StatusEnded           Status = "ended"
	StatusFailed          Status = "failed"
)

// Live reports whether the status occupies the single call slot.
func (s Status) Live() bool {
	switch s {
	case StatusCalling, StatusRingingIncoming, StatusAccepting, StatusConnecting, StatusActive:
		return true
	}
	return false
}

// Terminal reports whether the status is a final one awaiting reset to idle.
func (s Status) Terminal() bool { return s == StatusEnded || s == StatusFailed }

// EndReason explains why a session left the live states.
type EndReason string

const (
	ReasonHangup    EndReason = "hangup"
	ReasonDeclined  EndReason = "declined"
	ReasonCancelled EndReason = "cancelled"
	ReasonTimeout   EndReason = "timeout"
	ReasonFailed    EndReason = "failed"
	ReasonRemote    EndReason = "remote_ended"
)

// Participant identifies one side of a call.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
	Avatar   string `json:"avatar,omitempty"`
}

// DisplayName returns the best human-readable name for p.
func (p Participant) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}

// MediaState is the local enable state of each capture track.
type MediaState struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Record is the server-side call row returned by the lifecycle service.
type Record struct {
	ID         string    `json:"callId"`
	ChatID     string    `json:"chatId"`
	CallType   Kind      `json:"callType"`
	Status     string    `json:"status"`
	CallerID   string    `json:"callerId"`
	ReceiverID string    `json:"receiverId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RoomToken is the join credential for the room-based strategy.
type RoomToken struct {
	AuthToken string `json:"authToken"`
	RoomID    string `json:"roomId"`
}

// Session is a point-in-time copy of the call session.
//
// Speculative is set while the session exists only locally (calling, before
// the lifecycle service confirmed the record); such a session is rolled back
// to idle if confirmation fails.
type Session struct {
	ID              string      `json:"id"`
	ChatID          string      `json:"chatId,omitempty"`
	Kind            Kind        `json:"kind"`
	Role            Role        `json:"role"`
	Status          Status      `json:"status"`
	Local           Participant `json:"localParticipant"`
	Remote          Participant `json:"remoteParticipant"`
	MediaEnabled    MediaState  `json:"mediaEnabled"`
	StartedAt       time.Time   `json:"startedAt,omitempty"`
	DurationSeconds int         `json:"durationSeconds"`
	EndReason       EndReason   `json:"endReason,omitempty"`
	LastError       string      `json:"lastError,omitempty"`
	Speculative     bool        `json:"speculative,omitempty"`
	RetryCount      int         `json:"retryCount"`
}
