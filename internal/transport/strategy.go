// Package transport negotiates the media transport of a call. A Strategy owns
// one negotiation per live call: Direct runs offer/answer/ICE with the remote
// peer over signaling, Room joins an SFU room with a token from the lifecycle
// service.
package transport

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/protocol"
)

// Strategy is the negotiator driven by the session state machine. Calls for a
// call id other than the current negotiation's return a stale-state error.
type Strategy interface {
	// Name identifies the strategy in logs and snapshots.
	Name() string
	// InitializeMedia acquires local capture for callID.
	InitializeMedia(ctx context.Context, callID string, kind call.Kind) error
	// StartAsInitiator connects to peerID as the calling side.
	StartAsInitiator(ctx context.Context, callID, peerID string) error
	// PrepareAsReceiver records the caller; the negotiation is not ready
	// until Answer.
	PrepareAsReceiver(callID, peerID string, kind call.Kind) error
	// Answer completes the receiving side of callID.
	Answer(ctx context.Context, callID string) error
	// HandleSignal applies a peer-to-peer signaling event.
	HandleSignal(from string, ev protocol.Event) error
	ToggleAudio(on bool) (call.MediaState, error)
	ToggleVideo(on bool) (call.MediaState, error)
	// SampleRTT implements quality.Sampler for the current connection.
	SampleRTT(ctx context.Context) (time.Duration, error)
	RetryCount() int
	// Teardown closes the transport of callID and releases its capture.
	// Idempotent; other calls are left alone.
	Teardown(callID string)
	// Events delivers every Event of every negotiation.
	Events() <-chan Event
	Close()
}

// Event is a closed union of negotiator events. Every event names the call it
// belongs to.
type Event interface {
	Call() string
	isEvent()
}

// RemoteMediaAvailable reports a track announced by the remote side.
type RemoteMediaAvailable struct {
	CallID string
	Track  RemoteTrack
}

// StateChanged reports a PeerConnection state change of the current attempt.
type StateChanged struct {
	CallID  string
	State   webrtc.PeerConnectionState
	Attempt int
}

// Connected fires once per established connection.
type Connected struct {
	CallID string
}

// Retrying reports that the transport is being rebuilt.
type Retrying struct {
	CallID  string
	Attempt int
	Max     int
}

// QualitySample carries an RTT measurement of the current connection.
type QualitySample struct {
	CallID string
	RTT    time.Duration
}

// Failure is final: the retry budget is spent or the error is not
// recoverable. Err is a call.ErrTransport (or call.ErrCapture) error.
type Failure struct {
	CallID string
	Err    error
}

func (e RemoteMediaAvailable) Call() string { return e.CallID }
func (e StateChanged) Call() string         { return e.CallID }
func (e Connected) Call() string            { return e.CallID }
func (e Retrying) Call() string             { return e.CallID }
func (e QualitySample) Call() string        { return e.CallID }
func (e Failure) Call() string              { return e.CallID }

func (RemoteMediaAvailable) isEvent() {}
func (StateChanged) isEvent()         {}
func (Connected) isEvent()            {}
func (Retrying) isEvent()             {}
func (QualitySample) isEvent()        {}
func (Failure) isEvent()              {}

// SignalSender is the outgoing half of a signaling channel.
type SignalSender interface {
	Send(ctx context.Context, to string, ev protocol.Event) error
}
