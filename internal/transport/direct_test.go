package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/media"
	"github.com/1ureka/rtcall/internal/protocol"
)

type directFixture struct {
	d       *Direct
	peers   *fakeFactory
	signals *recorder
	gateway *media.Gateway
}

func newDirectFixture(t *testing.T, self string, maxRetries int) *directFixture {
	t.Helper()
	f := &directFixture{peers: &fakeFactory{}, signals: &recorder{}, gateway: media.NewGateway(media.SyntheticCapturer{})}
	f.d = NewDirect(self, f.signals, f.gateway, f.peers.New, maxRetries)
	t.Cleanup(f.d.Close)
	return f
}

func offer(callID, sdp string, attempt int) protocol.Offer {
	return protocol.Offer{
		CallID:   callID,
		Offer:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp},
		SenderID: "U1",
		Attempt:  attempt,
	}
}

func candidate(callID, c string, attempt int) protocol.ICECandidate {
	return protocol.ICECandidate{CallID: callID, Candidate: webrtc.ICECandidateInit{Candidate: c}, SenderID: "U1", Attempt: attempt}
}

func TestDirectBuffersOfferUntilAnswer(t *testing.T) {
	f := newDirectFixture(t, "U2", 2)
	ctx := context.Background()

	require.NoError(t, f.d.PrepareAsReceiver("C1", "U1", call.KindVoice))
	require.NoError(t, f.d.HandleSignal("U1", offer("C1", "first", 1)))
	require.NoError(t, f.d.HandleSignal("U1", offer("C1", "second", 1)))
	assert.Zero(t, f.peers.count(), "offer applied before answer")

	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVoice))
	require.NoError(t, f.d.Answer(ctx, "C1"))

	require.Equal(t, 1, f.peers.count())
	assert.Equal(t, "second", f.peers.last().remoteSDP())

	answers := f.signals.ofType(protocol.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "U1", answers[0].to)
	ans := answers[0].ev.(protocol.Answer)
	assert.Equal(t, "C1", ans.CallID)
	assert.Equal(t, "U2", ans.SenderID)
	assert.Equal(t, webrtc.SDPTypeAnswer, ans.Answer.Type)

	// The buffered offer is consumed once.
	require.NoError(t, f.d.Answer(ctx, "C1"))
	assert.Len(t, f.signals.ofType(protocol.TypeAnswer), 1)
}

func TestDirectAnswersLateOffer(t *testing.T) {
	f := newDirectFixture(t, "U2", 2)
	ctx := context.Background()

	require.NoError(t, f.d.PrepareAsReceiver("C1", "U1", call.KindVoice))
	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVoice))
	require.NoError(t, f.d.Answer(ctx, "C1"))
	assert.Empty(t, f.signals.ofType(protocol.TypeAnswer))

	require.NoError(t, f.d.HandleSignal("U1", offer("C1", "late", 1)))
	assert.Equal(t, "late", f.peers.last().remoteSDP())
	assert.Len(t, f.signals.ofType(protocol.TypeAnswer), 1)
}

func TestDirectQueuesCandidatesInOrder(t *testing.T) {
	f := newDirectFixture(t, "U2", 2)
	ctx := context.Background()

	require.NoError(t, f.d.PrepareAsReceiver("C1", "U1", call.KindVideo))
	require.NoError(t, f.d.HandleSignal("U1", candidate("C1", "c1", 1)))
	require.NoError(t, f.d.HandleSignal("U1", offer("C1", "o", 1)))
	require.NoError(t, f.d.HandleSignal("U1", candidate("C1", "c2", 1)))
	require.NoError(t, f.d.HandleSignal("U1", candidate("C1", "c3", 1)))

	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVideo))
	require.NoError(t, f.d.Answer(ctx, "C1"))
	pc := f.peers.last()
	assert.Equal(t, []string{"c1", "c2", "c3"}, pc.remoteCandidates())

	// With a remote description in place candidates apply immediately.
	require.NoError(t, f.d.HandleSignal("U1", candidate("C1", "c4", 1)))
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, pc.remoteCandidates())
}

func TestDirectInitiatorOfferAnswer(t *testing.T) {
	f := newDirectFixture(t, "U1", 2)
	ctx := context.Background()

	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVideo))
	require.NoError(t, f.d.StartAsInitiator(ctx, "C1", "U2"))

	offers := f.signals.ofType(protocol.TypeOffer)
	require.Len(t, offers, 1)
	o := offers[0].ev.(protocol.Offer)
	assert.Equal(t, "U2", offers[0].to)
	assert.Equal(t, "U1", o.SenderID)
	assert.Equal(t, webrtc.SDPTypeOffer, o.Offer.Type)

	pc := f.peers.last()
	assert.NotNil(t, pc.sender(webrtc.RTPCodecTypeAudio))
	assert.NotNil(t, pc.sender(webrtc.RTPCodecTypeVideo))

	// Candidates ahead of the answer wait for it.
	require.NoError(t, f.d.HandleSignal("U2", protocol.ICECandidate{CallID: "C1", Candidate: webrtc.ICECandidateInit{Candidate: "r1"}}))
	assert.Empty(t, pc.remoteCandidates())

	stale := protocol.Answer{CallID: "C1", Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "old"}, Attempt: o.Attempt + 5}
	assert.ErrorIs(t, f.d.HandleSignal("U2", stale), call.ErrSignaling)

	ans := protocol.Answer{CallID: "C1", Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}, Attempt: o.Attempt}
	require.NoError(t, f.d.HandleSignal("U2", ans))
	assert.Equal(t, "a", pc.remoteSDP())
	assert.Equal(t, []string{"r1"}, pc.remoteCandidates())

	// A second answer finds no outstanding offer.
	assert.ErrorIs(t, f.d.HandleSignal("U2", ans), call.ErrSignaling)
}

func TestDirectForwardsLocalCandidates(t *testing.T) {
	f := newDirectFixture(t, "U1", 2)
	ctx := context.Background()

	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVoice))
	require.NoError(t, f.d.StartAsInitiator(ctx, "C1", "U2"))
	f.peers.last().gather("host1")

	cands := f.signals.ofType(protocol.TypeICECandidate)
	require.Len(t, cands, 1)
	assert.Equal(t, "U2", cands[0].to)
	assert.Equal(t, "C1", cands[0].ev.Call())
	o := f.signals.ofType(protocol.TypeOffer)[0].ev.(protocol.Offer)
	assert.Equal(t, o.Attempt, cands[0].ev.(protocol.ICECandidate).Attempt)
}

func TestDirectAnswerIsScopedToItsCall(t *testing.T) {
	f := newDirectFixture(t, "U2", 2)
	ctx := context.Background()

	require.NoError(t, f.d.PrepareAsReceiver("C1", "U1", call.KindVoice))
	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVoice))

	// C3 takes over before the accept of C1 reaches Answer.
	f.d.Teardown("C1")
	require.NoError(t, f.d.PrepareAsReceiver("C3", "U3", call.KindVoice))
	o := protocol.Offer{CallID: "C3", Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o3"}, SenderID: "U3", Attempt: 1}
	require.NoError(t, f.d.HandleSignal("U3", o))

	assert.ErrorIs(t, f.d.Answer(ctx, "C1"), call.ErrStaleState)
	assert.Empty(t, f.signals.ofType(protocol.TypeAnswer))
	assert.Zero(t, f.peers.count())

	require.NoError(t, f.d.InitializeMedia(ctx, "C3", call.KindVoice))
	require.NoError(t, f.d.Answer(ctx, "C3"))
	answers := f.signals.ofType(protocol.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "U3", answers[0].to)
	assert.Equal(t, "C3", answers[0].ev.Call())
	assert.NotNil(t, f.peers.last().sender(webrtc.RTPCodecTypeAudio), "answered without local audio")
}

func TestDirectDropsCandidatesOfReplacedAttempt(t *testing.T) {
	f := newDirectFixture(t, "U1", 2)
	ctx := context.Background()

	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVoice))
	require.NoError(t, f.d.StartAsInitiator(ctx, "C1", "U2"))
	first := f.signals.ofType(protocol.TypeOffer)[0].ev.(protocol.Offer)

	f.peers.last().setState(webrtc.PeerConnectionStateFailed)
	waitEvent[Retrying](t, f.d.Events())
	require.Eventually(t, func() bool { return len(f.signals.ofType(protocol.TypeOffer)) == 2 }, time.Second, 5*time.Millisecond)
	second := f.signals.ofType(protocol.TypeOffer)[1].ev.(protocol.Offer)
	require.Greater(t, second.Attempt, first.Attempt)
	pc := f.peers.last()

	require.NoError(t, f.d.HandleSignal("U2", candidate("C1", "old1", first.Attempt)))
	require.NoError(t, f.d.HandleSignal("U2", candidate("C1", "new1", second.Attempt)))
	ans := protocol.Answer{CallID: "C1", Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a2"}, Attempt: second.Attempt}
	require.NoError(t, f.d.HandleSignal("U2", ans))
	require.NoError(t, f.d.HandleSignal("U2", candidate("C1", "old2", first.Attempt)))
	require.NoError(t, f.d.HandleSignal("U2", candidate("C1", "new2", second.Attempt)))

	assert.Equal(t, []string{"new1", "new2"}, pc.remoteCandidates())
}

func TestDirectHoldsCandidatesOfNewerOffer(t *testing.T) {
	f := newDirectFixture(t, "U2", 2)
	ctx := context.Background()

	require.NoError(t, f.d.PrepareAsReceiver("C1", "U1", call.KindVoice))
	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVoice))
	require.NoError(t, f.d.Answer(ctx, "C1"))
	require.NoError(t, f.d.HandleSignal("U1", offer("C1", "o1", 1)))
	firstPC := f.peers.last()

	// The caller retried: its candidates can overtake the new offer.
	require.NoError(t, f.d.HandleSignal("U1", candidate("C1", "c2", 2)))
	assert.Empty(t, firstPC.remoteCandidates())

	require.NoError(t, f.d.HandleSignal("U1", offer("C1", "o2", 2)))
	require.Equal(t, 2, f.peers.count())
	assert.Equal(t, []string{"c2"}, f.peers.last().remoteCandidates())
	assert.Equal(t, 2, f.signals.ofType(protocol.TypeAnswer)[1].ev.(protocol.Answer).Attempt)
}

func TestDirectRoutingIsFixed(t *testing.T) {
	f := newDirectFixture(t, "U2", 2)
	require.NoError(t, f.d.PrepareAsReceiver("C1", "U1", call.KindVoice))

	err := f.d.HandleSignal("U3", protocol.Offer{CallID: "C1", Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}})
	assert.ErrorIs(t, err, call.ErrSignaling)

	err = f.d.HandleSignal("U1", offer("C9", "x", 1))
	assert.ErrorIs(t, err, call.ErrStaleState)

	err = f.d.HandleSignal("U1", protocol.CallAccepted{CallID: "C1"})
	assert.ErrorIs(t, err, call.ErrSignaling)
}

func TestDirectRetryBound(t *testing.T) {
	f := newDirectFixture(t, "U1", 2)
	ctx := context.Background()

	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVoice))
	require.NoError(t, f.d.StartAsInitiator(ctx, "C1", "U2"))
	events := f.d.Events()

	for attempt := 1; attempt <= 2; attempt++ {
		failing := f.peers.last()
		failing.setState(webrtc.PeerConnectionStateFailed)

		r := waitEvent[Retrying](t, events)
		assert.Equal(t, attempt, r.Attempt)
		assert.Equal(t, 2, r.Max)
		require.Eventually(t, func() bool { return f.peers.count() == attempt+1 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, failing.isClosed, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return len(f.signals.ofType(protocol.TypeOffer)) == attempt+1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, attempt, f.d.RetryCount())
	}

	f.peers.last().setState(webrtc.PeerConnectionStateFailed)
	failure := waitEvent[Failure](t, events)
	assert.Equal(t, "C1", failure.CallID)
	assert.ErrorIs(t, failure.Err, call.ErrTransport)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, f.peers.count(), "rebuilt beyond the retry budget")
	assert.LessOrEqual(t, f.d.RetryCount(), 2)

	// Retries keep the local capture.
	assert.Equal(t, "C1", f.gateway.Owner())
}

func TestDirectConnectedResetsRetries(t *testing.T) {
	f := newDirectFixture(t, "U1", 2)
	ctx := context.Background()

	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVoice))
	require.NoError(t, f.d.StartAsInitiator(ctx, "C1", "U2"))
	events := f.d.Events()

	f.peers.last().setState(webrtc.PeerConnectionStateFailed)
	waitEvent[Retrying](t, events)
	require.Eventually(t, func() bool { return f.peers.count() == 2 }, time.Second, 5*time.Millisecond)

	// Late callbacks from the replaced connection are ignored.
	f.peers.peers[0].setState(webrtc.PeerConnectionStateConnected)

	pc := f.peers.last()
	pc.setState(webrtc.PeerConnectionStateConnected)
	waitEvent[Connected](t, events)
	assert.Equal(t, 0, f.d.RetryCount())

	pc.setState(webrtc.PeerConnectionStateDisconnected)
	pc.setState(webrtc.PeerConnectionStateConnected)
	noEvent[Connected](t, events, 50*time.Millisecond)
}

func TestDirectToggleAndTeardown(t *testing.T) {
	f := newDirectFixture(t, "U1", 2)
	ctx := context.Background()

	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVideo))
	require.NoError(t, f.d.StartAsInitiator(ctx, "C1", "U2"))
	pc := f.peers.last()

	state, err := f.d.ToggleAudio(false)
	require.NoError(t, err)
	assert.Equal(t, call.MediaState{Audio: false, Video: true}, state)
	assert.Nil(t, pc.sender(webrtc.RTPCodecTypeAudio).Track())

	state, err = f.d.ToggleAudio(true)
	require.NoError(t, err)
	assert.True(t, state.Audio)
	assert.NotNil(t, pc.sender(webrtc.RTPCodecTypeAudio).Track())

	f.d.Teardown("C9")
	assert.False(t, pc.isClosed())
	f.d.Teardown("C1")
	f.d.Teardown("C1")
	assert.True(t, pc.isClosed())
	assert.Empty(t, f.gateway.Owner())

	_, err = f.d.ToggleVideo(false)
	assert.ErrorIs(t, err, call.ErrStaleState)
	assert.ErrorIs(t, f.d.HandleSignal("U2", candidate("C1", "c", 1)), call.ErrStaleState)
}

func TestDirectSampleRTT(t *testing.T) {
	f := newDirectFixture(t, "U1", 2)
	ctx := context.Background()

	_, err := f.d.SampleRTT(ctx)
	assert.ErrorIs(t, err, ErrNoRTT)

	require.NoError(t, f.d.InitializeMedia(ctx, "C1", call.KindVoice))
	require.NoError(t, f.d.StartAsInitiator(ctx, "C1", "U2"))
	pc := f.peers.last()
	pc.mu.Lock()
	pc.rtt = 42 * time.Millisecond
	pc.mu.Unlock()

	_, err = f.d.SampleRTT(ctx)
	assert.ErrorIs(t, err, ErrNoRTT, "sampled before connected")

	pc.setState(webrtc.PeerConnectionStateConnected)
	rtt, err := f.d.SampleRTT(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42*time.Millisecond, rtt)
	s := waitEvent[QualitySample](t, f.d.Events())
	assert.Equal(t, 42*time.Millisecond, s.RTT)
}
