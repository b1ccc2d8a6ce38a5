package transport

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/media"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

const sendTimeout = 10 * time.Second

// Direct negotiates a PeerConnection with the remote peer: SDP offer/answer
// and trickled ICE candidates over signaling.
//
// The receiver buffers an offer that arrives before Answer (a newer offer
// overwrites it) and queues remote candidates until a remote description is
// applied, then adds them in arrival order. Candidates carry the attempt of
// the offer they belong to; those of a replaced attempt are dropped. On a
// failed connection the transport is rebuilt with the same local tracks, up
// to maxRetries times: the initiator sends a new offer, the receiver answers
// its remembered offer again.
type Direct struct {
	base
	self   string
	signal SignalSender
}

// NewDirect creates a Direct strategy for the local user self.
func NewDirect(self string, signal SignalSender, gateway *media.Gateway, newPeer PeerFactory, maxRetries int) *Direct {
	return &Direct{
		base:   newBase(gateway, newPeer, maxRetries),
		self:   self,
		signal: signal,
	}
}

func (d *Direct) Name() string { return "direct" }

func (d *Direct) PrepareAsReceiver(callID, peerID string, kind call.Kind) error {
	d.mu.Lock()
	l, cleanup := d.ensureLink(callID)
	l.peerID = peerID
	l.role = call.RoleReceiver
	l.kind = kind
	d.mu.Unlock()
	cleanup()
	return nil
}

func (d *Direct) StartAsInitiator(ctx context.Context, callID, peerID string) error {
	d.mu.Lock()
	l, cleanup := d.ensureLink(callID)
	l.peerID = peerID
	l.role = call.RoleInitiator
	l.ready = true
	offer, err := d.offerLocked(l)
	d.mu.Unlock()
	cleanup()
	if err != nil {
		return err
	}
	return d.send(ctx, peerID, offer)
}

func (d *Direct) Answer(ctx context.Context, callID string) error {
	d.mu.Lock()
	l, err := d.current("answer", callID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if l.role != call.RoleReceiver {
		d.mu.Unlock()
		return call.Stale("answer", callID)
	}
	if l.ready {
		d.mu.Unlock()
		return nil
	}
	l.ready = true
	if l.pendingOffer == nil {
		// The offer is answered as soon as it arrives.
		d.mu.Unlock()
		util.Call(l.callID).Debug("ready to answer, no offer yet")
		return nil
	}
	offer := *l.pendingOffer
	l.pendingOffer = nil
	answer, err := d.answerLocked(l, offer)
	peerID := l.peerID
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.send(ctx, peerID, answer)
}

func (d *Direct) HandleSignal(from string, ev protocol.Event) error {
	d.mu.Lock()
	l, err := d.current(string(ev.Type()), ev.Call())
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if from != l.peerID {
		d.mu.Unlock()
		return call.Signaling(string(ev.Type()), l.callID, errors.New("unexpected sender "+from))
	}

	switch e := ev.(type) {
	case protocol.Offer:
		if l.role != call.RoleReceiver {
			d.mu.Unlock()
			return call.Signaling("offer", l.callID, errors.New("offer sent to the calling side"))
		}
		l.lastOffer = &e
		if !l.ready {
			if l.pendingOffer != nil {
				util.Call(l.callID).Debug("newer offer replaces the buffered one")
			}
			l.pendingOffer = &e
			d.mu.Unlock()
			return nil
		}
		answer, err := d.answerLocked(l, e)
		if err != nil {
			d.failLocked(l, err)
			d.mu.Unlock()
			return err
		}
		peerID := l.peerID
		d.mu.Unlock()
		return d.sendAsync(peerID, answer)

	case protocol.Answer:
		defer d.mu.Unlock()
		if l.role != call.RoleInitiator {
			return call.Signaling("answer", l.callID, errors.New("answer sent to the receiving side"))
		}
		if l.pc == nil || l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer || e.Attempt != l.gen {
			return call.Signaling("answer", l.callID, errors.New("no matching offer outstanding"))
		}
		if err := l.pc.SetRemoteDescription(e.Answer); err != nil {
			err = call.Transport("apply answer", l.callID, err)
			d.failLocked(l, err)
			return err
		}
		l.remoteSet = true
		d.flushCandidatesLocked(l)
		return nil

	case protocol.ICECandidate:
		defer d.mu.Unlock()
		if e.Attempt != 0 && e.Attempt < l.attempt {
			util.Call(l.callID).Debug("candidate of attempt %d dropped", e.Attempt)
			return nil
		}
		if l.pc == nil || !l.remoteSet || e.Attempt > l.attempt {
			// Zero stays zero in the queue and applies to whichever attempt
			// flushes it.
			l.pendingCandidates = append(l.pendingCandidates, e)
			return nil
		}
		if err := l.pc.AddICECandidate(e.Candidate); err != nil {
			return call.Signaling("candidate", l.callID, err)
		}
		return nil
	}

	d.mu.Unlock()
	return call.Signaling(string(ev.Type()), ev.Call(), errors.New("not a peer-to-peer event"))
}

// offerLocked builds a fresh transport and creates its offer.
func (d *Direct) offerLocked(l *link) (protocol.Offer, error) {
	if err := d.buildDirectPeer(l); err != nil {
		return protocol.Offer{}, err
	}
	l.attempt = l.gen
	sdp, err := l.pc.CreateOffer()
	if err != nil {
		return protocol.Offer{}, call.Transport("create offer", l.callID, err)
	}
	if err := l.pc.SetLocalDescription(sdp); err != nil {
		return protocol.Offer{}, call.Transport("set local offer", l.callID, err)
	}
	return protocol.Offer{CallID: l.callID, Offer: sdp, SenderID: d.self, Attempt: l.gen}, nil
}

// answerLocked builds a fresh transport, applies offer, flushes queued
// candidates and creates the answer.
func (d *Direct) answerLocked(l *link, offer protocol.Offer) (protocol.Answer, error) {
	if err := d.buildDirectPeer(l); err != nil {
		return protocol.Answer{}, err
	}
	l.attempt = offer.Attempt
	if err := l.pc.SetRemoteDescription(offer.Offer); err != nil {
		return protocol.Answer{}, call.Transport("apply offer", l.callID, err)
	}
	l.remoteSet = true
	d.flushCandidatesLocked(l)

	sdp, err := l.pc.CreateAnswer()
	if err != nil {
		return protocol.Answer{}, call.Transport("create answer", l.callID, err)
	}
	if err := l.pc.SetLocalDescription(sdp); err != nil {
		return protocol.Answer{}, call.Transport("set local answer", l.callID, err)
	}
	return protocol.Answer{CallID: l.callID, Answer: sdp, SenderID: d.self, Attempt: offer.Attempt}, nil
}

func (d *Direct) buildDirectPeer(l *link) error {
	if err := d.buildPeer(l, d.onState); err != nil {
		return err
	}
	l.remoteSet = false
	gen, callID, peerID := l.gen, l.callID, l.peerID
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		d.mu.Lock()
		stale := d.link == nil || d.link.callID != callID || d.link.gen != gen
		attempt := 0
		if !stale {
			attempt = d.link.attempt
		}
		d.mu.Unlock()
		if stale {
			return
		}
		d.sendAsync(peerID, protocol.ICECandidate{CallID: callID, Candidate: c.ToJSON(), SenderID: d.self, Attempt: attempt})
	})
	return nil
}

// flushCandidatesLocked adds the queued remote candidates of the current
// attempt in arrival order. Older ones are dropped, newer ones stay queued.
func (d *Direct) flushCandidatesLocked(l *link) {
	var later []protocol.ICECandidate
	for _, c := range l.pendingCandidates {
		switch {
		case c.Attempt == 0 || c.Attempt == l.attempt:
			if err := l.pc.AddICECandidate(c.Candidate); err != nil {
				util.Call(l.callID).Debug("queued candidate rejected: %v", err)
			}
		case c.Attempt > l.attempt:
			later = append(later, c)
		default:
			util.Call(l.callID).Debug("queued candidate of attempt %d dropped", c.Attempt)
		}
	}
	l.pendingCandidates = later
}

func (d *Direct) onState(gen int, state webrtc.PeerConnectionState) {
	d.mu.Lock()
	l := d.link
	if l == nil {
		d.mu.Unlock()
		return
	}
	retry := d.stateChange(l, gen, state)
	callID := l.callID
	d.mu.Unlock()
	if retry {
		go d.retry(callID, gen)
	}
}

// retry rebuilds the transport of the attempt that failed.
func (d *Direct) retry(callID string, gen int) {
	d.mu.Lock()
	l, err := d.current("retry", callID)
	if err != nil || l.gen != gen {
		d.mu.Unlock()
		return
	}

	var ev protocol.Event
	switch {
	case l.role == call.RoleInitiator:
		ev, err = d.offerLocked(l)
	case l.lastOffer != nil:
		ev, err = d.answerLocked(l, *l.lastOffer)
	default:
		err = d.buildDirectPeer(l)
	}
	if err != nil {
		d.failLocked(l, err)
		d.mu.Unlock()
		return
	}
	peerID := l.peerID
	d.mu.Unlock()

	if ev != nil {
		d.sendAsync(peerID, ev)
	}
}

func (d *Direct) send(ctx context.Context, to string, ev protocol.Event) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := d.signal.Send(ctx, to, ev); err != nil {
		return call.Transport("send "+string(ev.Type()), ev.Call(), err)
	}
	return nil
}

// sendAsync sends from a pion callback or the signal path. Failures are
// logged; a peer that never gets them fails the connection, which the retry
// logic handles.
func (d *Direct) sendAsync(to string, ev protocol.Event) error {
	if err := d.send(context.Background(), to, ev); err != nil {
		util.Call(ev.Call()).Warning("%v", err)
		return err
	}
	return nil
}
