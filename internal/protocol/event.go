// Package protocol defines the signaling events exchanged between the two
// sides of a call and the envelope format that carries them.
package protocol

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/call"
)

// EventType names an event on the wire.
type EventType string

const (
	TypeIncomingCall     EventType = "incoming_call"
	TypeCallAccepted     EventType = "call_accepted"
	TypeCallDeclined     EventType = "call_declined"
	TypeCallEnded        EventType = "call_ended"
	TypeCallStatusUpdate EventType = "call_status_update"
	TypeOffer            EventType = "webrtc_offer"
	TypeAnswer           EventType = "webrtc_answer"
	TypeICECandidate     EventType = "webrtc_ice_candidate"
)

// Event is the closed set of signaling events. Only types in this package
// implement it.
type Event interface {
	Type() EventType
	Call() string
	isEvent()
}

// IncomingCall announces a new call to its receiver.
type IncomingCall struct {
	CallID    string           `json:"callId"`
	ChatID    string           `json:"chatId"`
	CallType  call.Kind        `json:"callType"`
	Caller    call.Participant `json:"caller"`
	Timestamp time.Time        `json:"timestamp"`
}

// CallAccepted tells the initiator that the receiver picked up.
type CallAccepted struct {
	CallID string `json:"callId"`
}

// CallDeclined tells the initiator that the receiver refused.
type CallDeclined struct {
	CallID string `json:"callId"`
}

// CallEnded tells the other side the call is over.
type CallEnded struct {
	CallID    string         `json:"callId"`
	EndReason call.EndReason `json:"endReason"`
}

// CallStatusUpdate mirrors a server-side record status change.
type CallStatusUpdate struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

// Offer carries the initiator's session description. Attempt numbers the
// initiator's transport builds so a late answer to a replaced offer can be
// told apart.
type Offer struct {
	CallID   string                    `json:"callId"`
	Offer    webrtc.SessionDescription `json:"offer"`
	SenderID string                    `json:"senderId"`
	Attempt  int                       `json:"attempt,omitempty"`
}

// Answer carries the receiver's session description. Attempt echoes the
// offer being answered.
type Answer struct {
	CallID   string                    `json:"callId"`
	Answer   webrtc.SessionDescription `json:"answer"`
	SenderID string                    `json:"senderId"`
	Attempt  int                       `json:"attempt,omitempty"`
}

// ICECandidate carries one trickled candidate. Attempt is the offer attempt
// the sender's connection negotiates; zero means the receiver's current one.
type ICECandidate struct {
	CallID    string                  `json:"callId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	SenderID  string                  `json:"senderId"`
	Attempt   int                     `json:"attempt,omitempty"`
}

func (IncomingCall) Type() EventType     { return TypeIncomingCall }
func (CallAccepted) Type() EventType     { return TypeCallAccepted }
func (CallDeclined) Type() EventType     { return TypeCallDeclined }
func (CallEnded) Type() EventType        { return TypeCallEnded }
func (CallStatusUpdate) Type() EventType { return TypeCallStatusUpdate }
func (Offer) Type() EventType            { return TypeOffer }
func (Answer) Type() EventType           { return TypeAnswer }
func (ICECandidate) Type() EventType     { return TypeICECandidate }

func (e IncomingCall) Call() string     { return e.CallID }
func (e CallAccepted) Call() string     { return e.CallID }
func (e CallDeclined) Call() string     { return e.CallID }
func (e CallEnded) Call() string        { return e.CallID }
func (e CallStatusUpdate) Call() string { return e.CallID }
func (e Offer) Call() string            { return e.CallID }
func (e Answer) Call() string           { return e.CallID }
func (e ICECandidate) Call() string     { return e.CallID }

func (IncomingCall) isEvent()     {}
func (CallAccepted) isEvent()     {}
func (CallDeclined) isEvent()     {}
func (CallEnded) isEvent()        {}
func (CallStatusUpdate) isEvent() {}
func (Offer) isEvent()            {}
func (Answer) isEvent()           {}
func (ICECandidate) isEvent()     {}

// PeerToPeer reports whether t is only used by the direct strategy.
func (t EventType) PeerToPeer() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}
