package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/media"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

// TokenSource hands out room credentials. lifecycle.Service satisfies it.
type TokenSource interface {
	GetRoomToken(ctx context.Context, callID string, role call.Role) (*call.RoomToken, error)
}

// Room joins both participants into an SFU room named by the lifecycle
// service. No SDP or candidates travel over signaling; a failed connection is
// retried by leaving and joining again with a fresh token.
type Room struct {
	base
	tokens   TokenSource
	provider RoomProvider

	// leave exits the room of the current link; guarded by mu.
	leave func(context.Context) error
}

// NewRoom creates a Room strategy.
func NewRoom(tokens TokenSource, provider RoomProvider, gateway *media.Gateway, newPeer PeerFactory, maxRetries int) *Room {
	return &Room{
		base:     newBase(gateway, newPeer, maxRetries),
		tokens:   tokens,
		provider: provider,
	}
}

func (r *Room) Name() string { return "room" }

func (r *Room) PrepareAsReceiver(callID, peerID string, kind call.Kind) error {
	r.mu.Lock()
	l, cleanup := r.ensureLink(callID)
	l.peerID = peerID
	l.role = call.RoleReceiver
	l.kind = kind
	r.mu.Unlock()
	cleanup()
	return nil
}

func (r *Room) StartAsInitiator(ctx context.Context, callID, peerID string) error {
	r.mu.Lock()
	l, cleanup := r.ensureLink(callID)
	l.peerID = peerID
	l.role = call.RoleInitiator
	r.mu.Unlock()
	cleanup()
	return r.join(ctx, callID)
}

func (r *Room) Answer(ctx context.Context, callID string) error {
	r.mu.Lock()
	l, err := r.current("answer", callID)
	if err == nil && l.role != call.RoleReceiver {
		err = call.Stale("answer", callID)
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.join(ctx, callID)
}

func (r *Room) HandleSignal(_ string, ev protocol.Event) error {
	return call.Signaling(string(ev.Type()), ev.Call(), errors.New("room calls take no peer signals"))
}

// join fetches a room token, publishes a fresh transport into the room and
// applies the SFU answer. The session is re-validated after every suspension.
func (r *Room) join(ctx context.Context, callID string) error {
	r.mu.Lock()
	l, err := r.current("join", callID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	role := l.role
	r.mu.Unlock()

	tok, err := r.tokens.GetRoomToken(ctx, callID, role)
	if err != nil {
		return call.Transport("room token", callID, err)
	}
	claims, err := lifecycle.InspectRoomToken(tok.AuthToken)
	if err != nil {
		return call.Transport("room token", callID, err)
	}
	if claims.RoomID != tok.RoomID {
		return call.Transport("room token", callID, fmt.Errorf("token is for room %s, not %s", claims.RoomID, tok.RoomID))
	}

	r.mu.Lock()
	l, err = r.current("join", callID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.buildPeer(l, r.onState); err != nil {
		r.mu.Unlock()
		return err
	}
	pc, gen := l.pc, l.gen
	if err := r.addReceiversLocked(l); err != nil {
		r.mu.Unlock()
		return err
	}
	sdp, err := pc.CreateOffer()
	if err == nil {
		err = pc.SetLocalDescription(sdp)
	}
	r.mu.Unlock()
	if err != nil {
		return call.Transport("create room offer", callID, err)
	}

	// WHIP takes a complete offer, so gather before sending.
	select {
	case <-pc.GatheringComplete():
	case <-ctx.Done():
		return ctx.Err()
	}
	offer := pc.LocalDescription()
	if offer == nil {
		return call.Transport("create room offer", callID, errors.New("no local description"))
	}

	answer, leave, err := r.provider.Join(ctx, tok.RoomID, tok.AuthToken, *offer)
	if err != nil {
		return call.Transport("join room", callID, err)
	}

	r.mu.Lock()
	l, err = r.current("join", callID)
	if err != nil || l.gen != gen {
		r.mu.Unlock()
		if leave != nil {
			leave(context.Background())
		}
		if err == nil {
			err = call.Stale("join", callID)
		}
		return err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		r.mu.Unlock()
		return call.Transport("apply room answer", callID, err)
	}
	previous := r.leave
	r.leave = leave
	r.mu.Unlock()
	if previous != nil {
		previous(context.Background())
	}
	util.Call(callID).Info("joined room %s as %s", tok.RoomID, role)
	return nil
}

// addReceiversLocked makes sure the offer asks for the remote participant's
// media even when local capture is missing a kind.
func (r *Room) addReceiversLocked(l *link) error {
	want := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if l.kind.WantsVideo() {
		want = append(want, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range want {
		if _, sending := l.senders[kind]; sending {
			continue
		}
		if err := l.pc.AddRecvOnly(kind); err != nil {
			return call.Transport("add "+kind.String()+" receiver", l.callID, err)
		}
	}
	return nil
}

func (r *Room) onState(gen int, state webrtc.PeerConnectionState) {
	r.mu.Lock()
	l := r.link
	if l == nil {
		r.mu.Unlock()
		return
	}
	retry := r.stateChange(l, gen, state)
	callID := l.callID
	r.mu.Unlock()
	if retry {
		go r.rejoin(callID, gen)
	}
}

func (r *Room) rejoin(callID string, gen int) {
	r.mu.Lock()
	l, err := r.current("rejoin", callID)
	if err != nil || l.gen != gen {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*sendTimeout)
	defer cancel()
	if err := r.join(ctx, callID); err != nil {
		if errors.Is(err, call.ErrStaleState) {
			return
		}
		r.mu.Lock()
		if l, cerr := r.current("rejoin", callID); cerr == nil {
			r.failLocked(l, err)
		}
		r.mu.Unlock()
	}
}

func (r *Room) Teardown(callID string) {
	r.mu.Lock()
	if r.link == nil || r.link.callID != callID {
		r.mu.Unlock()
		r.gateway.Release(callID)
		return
	}
	leave := r.leave
	r.leave = nil
	cleanup := r.detachLocked()
	r.mu.Unlock()

	cleanup()
	if leave != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := leave(ctx); err != nil {
			util.Call(callID).Debug("leaving room: %v", err)
		}
	}
}

func (r *Room) Close() {
	r.mu.Lock()
	callID := ""
	if r.link != nil {
		callID = r.link.callID
	}
	r.mu.Unlock()
	r.Teardown(callID)
	r.events.Close()
}
