//go:build linux

package media

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/util"
)

// DeviceCapturer captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo).
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceCapturer builds the VP8/Opus encoder selection.
func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceCapturer{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (d *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *DeviceCapturer) Capture(ctx context.Context, kind call.Kind) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("no media devices found")
	}
	for _, dev := range devices {
		util.LogDebug("media device: kind=%v label=%q", dev.Kind, dev.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if kind.WantsVideo() {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes of some cameras produce frames the VP8 encoder chokes on.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("GetUserMedia: %w", err)
	}

	var tracks []Track
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				util.LogWarning("local track ended: %v", err)
			}
		})
		tracks = append(tracks, &deviceTrack{Track: t})
	}
	return tracks, nil
}

// deviceTrack keeps the enable flag for a device track. The device stays open
// while disabled; the transport stops sending it.
type deviceTrack struct {
	mediadevices.Track
	enabled atomic.Bool
}

func (t *deviceTrack) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *deviceTrack) Enabled() bool { return t.enabled.Load() }
