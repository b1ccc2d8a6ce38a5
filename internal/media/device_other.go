//go:build !linux

package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/call"
)

// DeviceCapturer is unavailable off Linux: pion/mediadevices needs the V4L2
// and malgo drivers.
type DeviceCapturer struct{}

// NewDeviceCapturer returns a capturer whose Capture always fails.
func NewDeviceCapturer() (*DeviceCapturer, error) { return &DeviceCapturer{}, nil }

func (*DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (*DeviceCapturer) Capture(context.Context, call.Kind) ([]Track, error) {
	return nil, errors.New("device capture is not supported on this platform")
}
