package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/media"
	"github.com/1ureka/rtcall/internal/protocol"
)

type issuerTokens struct {
	issuer *lifecycle.Issuer
	user   string
	calls  int
}

func (s *issuerTokens) GetRoomToken(ctx context.Context, callID string, role call.Role) (*call.RoomToken, error) {
	s.calls++
	return s.issuer.IssueRoom(callID, s.user, role)
}

type fakeProvider struct {
	mu     sync.Mutex
	joins  []string
	leaves int
	err    error
}

func (p *fakeProvider) Join(ctx context.Context, roomID, token string, offer webrtc.SessionDescription) (webrtc.SessionDescription, func(context.Context) error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return webrtc.SessionDescription{}, nil, p.err
	}
	p.joins = append(p.joins, roomID)
	leave := func(context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.leaves++
		return nil
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "sfu-answer"}, leave, nil
}

func (p *fakeProvider) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.joins), p.leaves
}

func newRoomFixture(t *testing.T, user string) (*Room, *fakeFactory, *fakeProvider, *issuerTokens) {
	t.Helper()
	peers := &fakeFactory{}
	provider := &fakeProvider{}
	tokens := &issuerTokens{issuer: lifecycle.NewIssuer("secret", time.Hour, time.Minute), user: user}
	r := NewRoom(tokens, provider, media.NewGateway(media.SyntheticCapturer{}), peers.New, 1)
	t.Cleanup(r.Close)
	return r, peers, provider, tokens
}

func TestRoomInitiatorJoins(t *testing.T) {
	r, peers, provider, tokens := newRoomFixture(t, "U1")
	ctx := context.Background()

	require.NoError(t, r.InitializeMedia(ctx, "C1", call.KindVideo))
	require.NoError(t, r.StartAsInitiator(ctx, "C1", "U2"))

	assert.Equal(t, 1, tokens.calls)
	joins, _ := provider.counts()
	assert.Equal(t, 1, joins)
	pc := peers.last()
	assert.Equal(t, "sfu-answer", pc.remoteSDP())
	assert.Empty(t, pc.recvOnly, "sending tracks already receive")

	r.Teardown("C1")
	_, leaves := provider.counts()
	assert.Equal(t, 1, leaves)
	assert.True(t, pc.isClosed())
}

func TestRoomReceiverJoinsOnAnswer(t *testing.T) {
	r, peers, provider, _ := newRoomFixture(t, "U2")
	ctx := context.Background()

	require.NoError(t, r.PrepareAsReceiver("C1", "U1", call.KindVideo))
	assert.Zero(t, peers.count())

	require.NoError(t, r.Answer(ctx, "C1"))
	joins, _ := provider.counts()
	assert.Equal(t, 1, joins)

	// Without capture the offer still asks for the caller's media.
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}, peers.last().recvOnly)
}

func TestRoomAnswerIsScopedToItsCall(t *testing.T) {
	r, peers, provider, _ := newRoomFixture(t, "U2")
	ctx := context.Background()

	require.NoError(t, r.PrepareAsReceiver("C1", "U1", call.KindVoice))
	r.Teardown("C1")
	require.NoError(t, r.PrepareAsReceiver("C3", "U3", call.KindVoice))

	assert.ErrorIs(t, r.Answer(ctx, "C1"), call.ErrStaleState)
	joins, _ := provider.counts()
	assert.Zero(t, joins)
	assert.Zero(t, peers.count())
}

func TestRoomRejectsPeerSignals(t *testing.T) {
	r, _, _, _ := newRoomFixture(t, "U2")
	require.NoError(t, r.PrepareAsReceiver("C1", "U1", call.KindVoice))
	err := r.HandleSignal("U1", protocol.Offer{CallID: "C1"})
	assert.ErrorIs(t, err, call.ErrSignaling)
}

func TestRoomJoinFailure(t *testing.T) {
	r, _, provider, _ := newRoomFixture(t, "U1")
	provider.err = errors.New("sfu unavailable")
	ctx := context.Background()

	require.NoError(t, r.InitializeMedia(ctx, "C1", call.KindVoice))
	err := r.StartAsInitiator(ctx, "C1", "U2")
	assert.ErrorIs(t, err, call.ErrTransport)
}

func TestRoomRejoinsOnFailure(t *testing.T) {
	r, peers, provider, tokens := newRoomFixture(t, "U1")
	ctx := context.Background()

	require.NoError(t, r.InitializeMedia(ctx, "C1", call.KindVoice))
	require.NoError(t, r.StartAsInitiator(ctx, "C1", "U2"))
	events := r.Events()

	peers.last().setState(webrtc.PeerConnectionStateFailed)
	waitEvent[Retrying](t, events)
	require.Eventually(t, func() bool {
		joins, leaves := provider.counts()
		return joins == 2 && leaves == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, tokens.calls)

	// The budget is one retry.
	peers.last().setState(webrtc.PeerConnectionStateFailed)
	f := waitEvent[Failure](t, events)
	assert.ErrorIs(t, f.Err, call.ErrTransport)
}
