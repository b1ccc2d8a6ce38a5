package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/1ureka/rtcall/internal/call"
)

// Envelope is the response body of every REST endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail is the error part of an Envelope.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client is the HTTP implementation of Service.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient creates a client for the REST service at baseURL, authenticated
// with the given user token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// do sends one request and decodes the envelope data into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	var env Envelope
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	if resp.StatusCode/100 != 2 {
		return statusError(method, path, resp.StatusCode, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

func statusError(method, path string, status int, detail *ErrorDetail) error {
	msg := http.StatusText(status)
	if detail != nil && detail.Message != "" {
		msg = detail.Message
	}
	switch status {
	case http.StatusConflict:
		return call.Conflict("initiate", "", errors.New(msg))
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, ErrNotFound)
	case http.StatusGone:
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, ErrTerminal)
	case http.StatusForbidden:
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, ErrForbidden)
	}
	return fmt.Errorf("%s %s: status %d: %s", method, path, status, msg)
}

func callPath(callID, action string) string {
	return "/api/calls/" + url.PathEscape(callID) + "/" + action
}

func (c *Client) InitiateCall(ctx context.Context, req InitiateRequest) (*call.Record, error) {
	var rec call.Record
	if err := c.do(ctx, http.MethodPost, "/api/calls", req, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, errors.New("initiate: response has no call id")
	}
	return &rec, nil
}

func (c *Client) AcceptCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, callPath(callID, "accept"), nil, nil)
}

func (c *Client) DeclineCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, callPath(callID, "decline"), nil, nil)
}

func (c *Client) EndCall(ctx context.Context, callID string, reason call.EndReason) error {
	body := map[string]call.EndReason{"endReason": reason}
	return c.do(ctx, http.MethodPost, callPath(callID, "end"), body, nil)
}

func (c *Client) UpdateCallStatus(ctx context.Context, callID string, status string) error {
	body := map[string]string{"status": status}
	return c.do(ctx, http.MethodPut, callPath(callID, "status"), body, nil)
}

func (c *Client) GetActiveCall(ctx context.Context) (*call.Record, error) {
	var rec *call.Record
	if err := c.do(ctx, http.MethodGet, "/api/calls/active", nil, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Client) GetRoomToken(ctx context.Context, callID string, role call.Role) (*call.RoomToken, error) {
	var tok call.RoomToken
	body := map[string]call.Role{"role": role}
	if err := c.do(ctx, http.MethodPost, callPath(callID, "room-token"), body, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// RequestToken asks a development relay for a user token. It works without
// an existing token.
func (c *Client) RequestToken(ctx context.Context, userID, username string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"userId": userID, "username": username}
	if err := c.do(ctx, http.MethodPost, "/api/tokens", body, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("token response is empty")
	}
	return out.Token, nil
}
