package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/rtcall/internal/call"
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = time.Second / 30
)

// opusSilence is a single Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticCapturer produces generated Opus/VP8 tracks without touching any
// device. It is used on headless hosts and in tests.
type SyntheticCapturer struct{}

func (SyntheticCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (SyntheticCapturer) Capture(ctx context.Context, kind call.Kind) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := "rtcall-" + uuid.NewString()[:8]

	audio, err := newSyntheticTrack(webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
	}, "audio", stream, audioFrame, opusSilence)
	if err != nil {
		return nil, err
	}
	tracks := []Track{audio}

	if kind.WantsVideo() {
		video, err := newSyntheticTrack(webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
		}, "video", stream, videoFrame, blankVP8Frame())
		if err != nil {
			audio.Close()
			return nil, err
		}
		tracks = append(tracks, video)
	}
	return tracks, nil
}

// syntheticTrack writes the same payload every frame interval while enabled.
type syntheticTrack struct {
	*webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	written atomic.Int64
	stop    chan struct{}
	once    sync.Once
}

func newSyntheticTrack(codec webrtc.RTPCodecCapability, id, stream string, frame time.Duration, payload []byte) (*syntheticTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, stream)
	if err != nil {
		return nil, err
	}
	t := &syntheticTrack{TrackLocalStaticSample: local, stop: make(chan struct{})}
	go t.pump(frame, payload)
	return t, nil
}

func (t *syntheticTrack) pump(frame time.Duration, payload []byte) {
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			if err := t.WriteSample(pmedia.Sample{Data: payload, Duration: frame}); err == nil {
				t.written.Add(1)
			}
		}
	}
}

func (t *syntheticTrack) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *syntheticTrack) Enabled() bool { return t.enabled.Load() }

// Samples returns how many frames were written so far.
func (t *syntheticTrack) Samples() int64 { return t.written.Load() }

func (t *syntheticTrack) Close() error {
	t.once.Do(func() { close(t.stop) })
	return nil
}

// blankVP8Frame returns a minimal VP8 key frame header for a 16x16 picture.
func blankVP8Frame() []byte {
	return []byte{
		0x10, 0x02, 0x00, // frame tag: key frame, version 0, show frame
		0x9d, 0x01, 0x2a, // start code
		0x10, 0x00, 0x10, 0x00, // 16x16
		0x00, 0x00, 0x00, 0x00,
	}
}
