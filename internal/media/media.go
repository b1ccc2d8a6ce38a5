// Package media owns local capture: it hands out the tracks of the live call
// and keeps their enable state.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/util"
)

// Track is a local capture track that can be added to a PeerConnection.
// Disabling a track mutes it without releasing the device.
type Track interface {
	webrtc.TrackLocal
	SetEnabled(on bool)
	Enabled() bool
	Close() error
}

// Capturer opens capture devices.
type Capturer interface {
	// Capture opens an audio track, plus a video track for video calls.
	Capture(ctx context.Context, kind call.Kind) ([]Track, error)
	// RegisterCodecs registers the codecs the captured tracks produce.
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// Gateway holds the capture of the single live call. The owner is the call id
// that acquired it; every other caller is refused.
type Gateway struct {
	capturer Capturer

	mu      sync.Mutex
	owner   string
	tracks  []Track
	enabled call.MediaState
}

// NewGateway creates a gateway over c.
func NewGateway(c Capturer) *Gateway {
	return &Gateway{capturer: c}
}

// Capturer returns the underlying capturer.
func (g *Gateway) Capturer() Capturer { return g.capturer }

// Acquire opens capture for kind on behalf of owner. Acquiring again for the
// same owner returns the tracks already held; a capture held by a different
// owner is refused with a conflict error. Device failures are returned as
// capture errors.
func (g *Gateway) Acquire(ctx context.Context, owner string, kind call.Kind) ([]Track, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.owner == owner && len(g.tracks) > 0 {
		return append([]Track(nil), g.tracks...), nil
	}
	if g.owner != "" && g.owner != owner {
		return nil, call.Conflict("acquire "+string(kind), owner, errors.New("capture held by call "+g.owner))
	}

	tracks, err := g.capturer.Capture(ctx, kind)
	if err != nil {
		return nil, call.Capture("acquire "+string(kind), err)
	}
	if len(tracks) == 0 {
		return nil, call.Capture("acquire "+string(kind), nil)
	}

	g.owner = owner
	g.tracks = tracks
	g.enabled = call.MediaState{}
	for _, t := range tracks {
		t.SetEnabled(true)
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			g.enabled.Audio = true
		case webrtc.RTPCodecTypeVideo:
			g.enabled.Video = true
		}
	}
	util.Call(owner).Debug("capture acquired (%d tracks)", len(tracks))
	return append([]Track(nil), tracks...), nil
}

// Release closes the capture if owner holds it.
func (g *Gateway) Release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != owner || g.owner == "" {
		return
	}
	g.releaseLocked()
	util.Call(owner).Debug("capture released")
}

func (g *Gateway) releaseLocked() {
	for _, t := range g.tracks {
		if err := t.Close(); err != nil {
			util.LogDebug("closing track %s: %v", t.ID(), err)
		}
	}
	g.owner = ""
	g.tracks = nil
	g.enabled = call.MediaState{}
}

// SetAudioEnabled mutes or unmutes the audio track of owner.
func (g *Gateway) SetAudioEnabled(owner string, on bool) (call.MediaState, error) {
	return g.setEnabled(owner, webrtc.RTPCodecTypeAudio, on)
}

// SetVideoEnabled turns the camera track of owner on or off.
func (g *Gateway) SetVideoEnabled(owner string, on bool) (call.MediaState, error) {
	return g.setEnabled(owner, webrtc.RTPCodecTypeVideo, on)
}

func (g *Gateway) setEnabled(owner string, kind webrtc.RTPCodecType, on bool) (call.MediaState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == "" || g.owner != owner {
		return g.enabled, call.Stale("toggle "+kind.String(), owner)
	}
	found := false
	for _, t := range g.tracks {
		if t.Kind() == kind {
			t.SetEnabled(on)
			found = true
		}
	}
	if !found {
		return g.enabled, call.Capture("toggle "+kind.String(), nil)
	}
	if kind == webrtc.RTPCodecTypeAudio {
		g.enabled.Audio = on
	} else {
		g.enabled.Video = on
	}
	return g.enabled, nil
}

// Tracks returns the tracks held by owner.
func (g *Gateway) Tracks(owner string) []Track {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != owner {
		return nil
	}
	return append([]Track(nil), g.tracks...)
}

// Owner returns the call id holding the capture, or "".
func (g *Gateway) Owner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

// State returns the enable state of the held tracks.
func (g *Gateway) State() call.MediaState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}
