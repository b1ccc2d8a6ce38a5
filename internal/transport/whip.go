package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// RoomProvider admits a PeerConnection into an SFU room.
type RoomProvider interface {
	// Join sends the complete offer for roomID and returns the SFU answer and
	// a func that leaves the room.
	Join(ctx context.Context, roomID, token string, offer webrtc.SessionDescription) (webrtc.SessionDescription, func(context.Context) error, error)
}

// WHIPProvider joins rooms through WHIP-style HTTP ingestion: the offer is
// POSTed as application/sdp to {BaseURL}/{roomID}, the answer comes back in
// the body and the Location header names the session to DELETE on leave.
type WHIPProvider struct {
	BaseURL string
	HTTP    *http.Client
}

// NewWHIPProvider creates a provider for the endpoint at baseURL.
func NewWHIPProvider(baseURL string) *WHIPProvider {
	return &WHIPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WHIPProvider) Join(ctx context.Context, roomID, token string, offer webrtc.SessionDescription) (webrtc.SessionDescription, func(context.Context) error, error) {
	endpoint := w.BaseURL + "/" + url.PathEscape(roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(offer.SDP)))
	if err != nil {
		return webrtc.SessionDescription{}, nil, err
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.HTTP.Do(req)
	if err != nil {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("join room %s: %w", roomID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("join room %s: %w", roomID, err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("join room %s: status %s", roomID, resp.Status)
	}

	session, err := w.resolve(endpoint, resp.Header.Get("Location"))
	if err != nil {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("join room %s: %w", roomID, err)
	}
	leave := func(ctx context.Context) error {
		if session == "" {
			return nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, session, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := w.HTTP.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
			return fmt.Errorf("leave room %s: status %s", roomID, resp.Status)
		}
		return nil
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)}, leave, nil
}

func (w *WHIPProvider) resolve(endpoint, location string) (string, error) {
	if location == "" {
		return "", nil
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
