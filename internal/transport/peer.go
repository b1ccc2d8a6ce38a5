package transport

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/config"
	"github.com/1ureka/rtcall/internal/media"
	"github.com/1ureka/rtcall/internal/util"
)

// ErrNoRTT is returned while no candidate pair has measured a round trip yet.
var ErrNoRTT = errors.New("no round-trip measurement yet")

// Sender is the send side of one local track on a PeerConnection.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack describes a track announced by the remote side.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}

// PeerConn is the part of *webrtc.PeerConnection the strategies drive.
type PeerConn interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	AddRecvOnly(kind webrtc.RTPCodecType) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	GatheringComplete() <-chan struct{}
	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(RemoteTrack))
	RTT() (time.Duration, error)
	Close() error
}

// PeerFactory creates a fresh PeerConn. Strategies call it once per attempt.
type PeerFactory func() (PeerConn, error)

// NewAPI builds the pion API every PeerConnection is created from: the
// capturer's codecs, the default interceptors (NACK, RTCP reports, TWCC) and
// the configured ICE timeouts, with pion logs routed to the call log.
func NewAPI(ice config.ICE, capturer media.Capturer) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := capturer.RegisterCodecs(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	se.SetICETimeouts(
		time.Duration(ice.DisconnectedTimeout),
		time.Duration(ice.FailedTimeout),
		time.Duration(ice.KeepAliveInterval),
	)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// PionFactory returns a PeerFactory creating PeerConnections from api with
// the given STUN servers.
func PionFactory(api *webrtc.API, stunServers []string) PeerFactory {
	return func() (PeerConn, error) {
		cfg := webrtc.Configuration{}
		if len(stunServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
		}
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionPeer{PeerConnection: pc}, nil
	}
}

// pionPeer adapts *webrtc.PeerConnection to PeerConn.
type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// RTCP has to be read for the interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (p *pionPeer) AddRecvOnly(kind webrtc.RTPCodecType) error {
	_, err := p.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.PeerConnection.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.PeerConnection.CreateAnswer(nil)
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.PeerConnection)
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.PeerConnection.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind()})
		// Nothing renders remote media here; drain it so pion's buffers never fill.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})
}

// RTT reads the current round-trip time of the nominated candidate pair.
func (p *pionPeer) RTT() (time.Duration, error) {
	for _, s := range p.GetStats() {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime <= 0 {
			continue
		}
		return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), nil
	}
	return 0, ErrNoRTT
}
