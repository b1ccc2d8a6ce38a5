package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/media"
	"github.com/1ureka/rtcall/internal/metrics"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

// link is the negotiation state of one live call, shared by both strategies.
// A strategy holds at most one link; every field is guarded by the
// strategy's mutex.
type link struct {
	callID string
	peerID string
	role   call.Role
	kind   call.Kind

	tracks  []media.Track
	pc      PeerConn
	senders map[webrtc.RTPCodecType]Sender

	// gen identifies the current PeerConn. Callbacks of replaced connections
	// carry an older gen and are ignored.
	gen        int
	connected  bool
	retryCount int
	failed     bool

	// Direct only. ready is set once the local side may apply offers: at
	// start for the initiator, at Answer for the receiver. attempt is the
	// Attempt of the offer the current PeerConn negotiates.
	ready             bool
	attempt           int
	pendingOffer      *protocol.Offer
	lastOffer         *protocol.Offer
	pendingCandidates []protocol.ICECandidate
	remoteSet         bool
}

// base carries what Direct and Room have in common.
type base struct {
	gateway    *media.Gateway
	newPeer    PeerFactory
	maxRetries int
	events     *util.Mailbox[Event]

	mu   sync.Mutex
	link *link
}

func newBase(gateway *media.Gateway, newPeer PeerFactory, maxRetries int) base {
	return base{
		gateway:    gateway,
		newPeer:    newPeer,
		maxRetries: maxRetries,
		events:     util.NewMailbox[Event](),
	}
}

func (b *base) Events() <-chan Event { return b.events.Out() }

func (b *base) emit(ev Event) { b.events.Push(ev) }

// current returns the link of callID, or a stale-state error.
func (b *base) current(op, callID string) (*link, error) {
	if b.link == nil || b.link.callID != callID {
		return nil, call.Stale(op, callID)
	}
	return b.link, nil
}

// ensureLink returns the link of callID, replacing a link of another call.
// The returned func finishes the replacement and must run after unlocking.
func (b *base) ensureLink(callID string) (*link, func()) {
	cleanup := func() {}
	if b.link != nil && b.link.callID != callID {
		util.Call(b.link.callID).Warning("negotiation replaced by %s", callID)
		cleanup = b.detachLocked()
	}
	if b.link == nil {
		b.link = &link{callID: callID}
	}
	return b.link, cleanup
}

// InitializeMedia acquires capture for callID. The initiator's link is
// created here; a receiver's link must already exist. A link of another call
// makes the request stale.
func (b *base) InitializeMedia(ctx context.Context, callID string, kind call.Kind) error {
	b.mu.Lock()
	if b.link != nil && b.link.callID != callID {
		b.mu.Unlock()
		return call.Stale("initialize media", callID)
	}
	b.mu.Unlock()

	// Capture may block on device permission; keep it outside the lock.
	tracks, err := b.gateway.Acquire(ctx, callID, kind)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link != nil && b.link.callID != callID {
		b.gateway.Release(callID)
		return call.Stale("initialize media", callID)
	}
	if b.link == nil {
		b.link = &link{callID: callID}
	}
	b.link.kind = kind
	b.link.tracks = tracks
	return nil
}

// buildPeer replaces the PeerConn of l with a fresh one carrying the local
// tracks. onState receives the state changes of this connection only.
func (b *base) buildPeer(l *link, onState func(gen int, state webrtc.PeerConnectionState)) error {
	if l.pc != nil {
		old := l.pc
		go old.Close()
		l.pc = nil
	}

	pc, err := b.newPeer()
	if err != nil {
		return call.Transport("create peer connection", l.callID, err)
	}
	l.gen++
	l.connected = false
	l.senders = make(map[webrtc.RTPCodecType]Sender)
	gen, callID := l.gen, l.callID

	for _, t := range l.tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			pc.Close()
			return call.Transport("add "+t.Kind().String()+" track", callID, err)
		}
		if !t.Enabled() {
			if err := sender.ReplaceTrack(nil); err != nil {
				util.Call(callID).Debug("muting %s: %v", t.Kind(), err)
			}
		}
		l.senders[t.Kind()] = sender
	}

	pc.OnTrack(func(rt RemoteTrack) {
		util.Call(callID).Info("remote %s track %s", rt.Kind, rt.ID)
		b.emit(RemoteMediaAvailable{CallID: callID, Track: rt})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		onState(gen, state)
	})
	l.pc = pc
	return nil
}

// stateChange runs the shared connected/failed bookkeeping. It returns true
// when the caller should rebuild the transport of the returned attempt.
func (b *base) stateChange(l *link, gen int, state webrtc.PeerConnectionState) (retry bool) {
	if l.gen != gen || l.failed {
		return false
	}
	util.Call(l.callID).Debug("peer connection %s (attempt %d)", state, l.retryCount)
	b.emit(StateChanged{CallID: l.callID, State: state, Attempt: l.retryCount})

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if l.connected {
			return false
		}
		l.connected = true
		l.retryCount = 0
		util.Call(l.callID).Success("transport connected")
		b.emit(Connected{CallID: l.callID})
	case webrtc.PeerConnectionStateFailed:
		if l.retryCount >= b.maxRetries {
			b.failLocked(l, call.Transport("connect", l.callID,
				fmt.Errorf("connection failed after %d retries", l.retryCount)))
			return false
		}
		l.retryCount++
		metrics.Retry()
		util.Stats.AddRetry()
		util.Call(l.callID).Warning("transport failed, retry %d/%d", l.retryCount, b.maxRetries)
		b.emit(Retrying{CallID: l.callID, Attempt: l.retryCount, Max: b.maxRetries})
		return true
	}
	return false
}

// failLocked emits the final failure of l once.
func (b *base) failLocked(l *link, err error) {
	if l.failed {
		return
	}
	l.failed = true
	util.Call(l.callID).Error("%v", err)
	b.emit(Failure{CallID: l.callID, Err: err})
}

func (b *base) ToggleAudio(on bool) (call.MediaState, error) {
	return b.toggle(webrtc.RTPCodecTypeAudio, on)
}

func (b *base) ToggleVideo(on bool) (call.MediaState, error) {
	return b.toggle(webrtc.RTPCodecTypeVideo, on)
}

func (b *base) toggle(kind webrtc.RTPCodecType, on bool) (call.MediaState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link == nil {
		return call.MediaState{}, call.Stale("toggle "+kind.String(), "")
	}
	l := b.link

	var (
		state call.MediaState
		err   error
	)
	if kind == webrtc.RTPCodecTypeAudio {
		state, err = b.gateway.SetAudioEnabled(l.callID, on)
	} else {
		state, err = b.gateway.SetVideoEnabled(l.callID, on)
	}
	if err != nil {
		return state, err
	}

	sender, ok := l.senders[kind]
	if !ok {
		return state, nil
	}
	var track webrtc.TrackLocal
	if on {
		for _, t := range l.tracks {
			if t.Kind() == kind {
				track = t
			}
		}
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return state, call.Transport("toggle "+kind.String(), l.callID, err)
	}
	return state, nil
}

func (b *base) SampleRTT(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	if b.link == nil || b.link.pc == nil || !b.link.connected {
		b.mu.Unlock()
		return 0, ErrNoRTT
	}
	pc, callID := b.link.pc, b.link.callID
	b.mu.Unlock()

	rtt, err := pc.RTT()
	if err != nil {
		return 0, err
	}
	b.emit(QualitySample{CallID: callID, RTT: rtt})
	return rtt, nil
}

func (b *base) RetryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link == nil {
		return 0
	}
	return b.link.retryCount
}

// detachLocked drops the current link and returns the func that closes its
// transport and releases its capture. pion may call back into the strategy
// while closing, so the func must run without the lock held.
func (b *base) detachLocked() func() {
	l := b.link
	if l == nil {
		return func() {}
	}
	b.link = nil
	pc, callID := l.pc, l.callID
	return func() {
		if pc != nil {
			if err := pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
				util.Call(callID).Debug("closing peer connection: %v", err)
			}
		}
		b.gateway.Release(callID)
		util.Call(callID).Debug("negotiation torn down")
	}
}

// Teardown closes the transport of callID and releases its capture. It is a
// no-op when callID is not the current negotiation.
func (b *base) Teardown(callID string) {
	b.mu.Lock()
	if b.link == nil || b.link.callID != callID {
		b.mu.Unlock()
		b.gateway.Release(callID)
		return
	}
	cleanup := b.detachLocked()
	b.mu.Unlock()
	cleanup()
}

func (b *base) teardownAll() {
	b.mu.Lock()
	cleanup := b.detachLocked()
	b.mu.Unlock()
	cleanup()
}

// Close tears down and stops event delivery.
func (b *base) Close() {
	b.teardownAll()
	b.events.Close()
}
