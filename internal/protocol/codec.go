package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/call"
)

// Envelope is the JSON frame that carries one event between users.
//
// Epoch identifies one sender process lifetime; Seq increases by one per
// (sender epoch, destination) pair starting at 1, letting receivers restore
// send order and drop duplicates.
type Envelope struct {
	Type    EventType       `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to"`
	Epoch   string          `json:"epoch,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes ev into an envelope addressed to `to`.
func Encode(from, to, epoch string, seq uint64, ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	return json.Marshal(&Envelope{
		Type:    ev.Type(),
		From:    from,
		To:      to,
		Epoch:   epoch,
		Seq:     seq,
		Payload: payload,
	})
}

// DecodeEnvelope parses only the frame, leaving the payload raw. Relays use it
// to route without understanding events.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, call.Signaling("decode envelope", "", err)
	}
	if env.Type == "" {
		return nil, call.Signaling("decode envelope", "", errors.New("missing type"))
	}
	return &env, nil
}

// Decode parses a frame and its event. Malformed payloads are reported as
// signaling errors.
func Decode(data []byte) (*Envelope, Event, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	ev, err := env.Event()
	if err != nil {
		return env, nil, err
	}
	return env, ev, nil
}

// Event decodes the payload according to the envelope type.
func (env *Envelope) Event() (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case TypeIncomingCall:
		var e IncomingCall
		err = json.Unmarshal(env.Payload, &e)
		if err == nil && !e.CallType.Valid() {
			err = fmt.Errorf("unknown call type %q", e.CallType)
		}
		if err == nil && e.Caller.ID == "" {
			err = errors.New("missing caller id")
		}
		ev = e
	case TypeCallAccepted:
		var e CallAccepted
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case TypeCallDeclined:
		var e CallDeclined
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case TypeCallEnded:
		var e CallEnded
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case TypeCallStatusUpdate:
		var e CallStatusUpdate
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case TypeOffer:
		var e Offer
		err = json.Unmarshal(env.Payload, &e)
		if err == nil && e.Offer.Type != webrtc.SDPTypeOffer {
			err = fmt.Errorf("offer carries %s description", e.Offer.Type)
		}
		ev = e
	case TypeAnswer:
		var e Answer
		err = json.Unmarshal(env.Payload, &e)
		if err == nil && e.Answer.Type != webrtc.SDPTypeAnswer {
			err = fmt.Errorf("answer carries %s description", e.Answer.Type)
		}
		ev = e
	case TypeICECandidate:
		var e ICECandidate
		err = json.Unmarshal(env.Payload, &e)
		if err == nil && e.Candidate.Candidate == "" {
			err = errors.New("empty candidate")
		}
		ev = e
	default:
		return nil, call.Signaling("decode event", "", fmt.Errorf("unknown type %q", env.Type))
	}
	if err != nil {
		return nil, call.Signaling("decode "+string(env.Type), "", err)
	}
	if ev.Call() == "" {
		return nil, call.Signaling("decode "+string(env.Type), "", errors.New("missing callId"))
	}
	return ev, nil
}
