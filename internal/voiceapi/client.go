// Package voiceapi is the operator-side HTTP client for the voice back-end:
// the token endpoint used by device registration and the bridge endpoint used
// when accepting an inbound call.
package voiceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/device"
	"crm-voice/internal/recording"
)

const maxBody = 64 << 10

// TokenResponse is the body of POST /v1/voice/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BridgeRequest is the body of POST /v1/voice/bridge.
type BridgeRequest struct {
	LegID string `json:"leg_id"`
}

// Settings is the body of GET /v1/voice/settings: the workspace's
// post-call recording policy.
type Settings struct {
	RecordingPollIntervalMS int64 `json:"recording_poll_interval_ms"`
	RecordingMaxAttempts    int   `json:"recording_max_attempts"`
	RecordingDeadlineMS     int64 `json:"recording_deadline_ms"`
	GraceDelayMS            int64 `json:"grace_delay_ms"`
}

// RecordingConfig converts s for the resolver. Zero fields keep resolver defaults.
func (s Settings) RecordingConfig() recording.Config {
	return recording.Config{
		Interval:    time.Duration(s.RecordingPollIntervalMS) * time.Millisecond,
		MaxAttempts: s.RecordingMaxAttempts,
		Deadline:    time.Duration(s.RecordingDeadlineMS) * time.Millisecond,
	}
}

func (s Settings) GraceDelay() time.Duration {
	return time.Duration(s.GraceDelayMS) * time.Millisecond
}

type errorBody struct {
	Error string `json:"error"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("voiceapi: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("voiceapi: status %d", e.Status)
}

// Client calls the voice back-end on behalf of one authenticated operator.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken func(ctx context.Context) (string, error)
}

// NewClient builds a client. accessToken returns the operator's bearer token
// for each request.
func NewClient(baseURL string, accessToken func(ctx context.Context) (string, error)) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
	}
}

// VoiceToken fetches a fresh voice credential. It is never cached.
func (c *Client) VoiceToken(ctx context.Context) (device.Credential, error) {
	var out TokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/voice/token", nil, &out); err != nil {
		return device.Credential{}, err
	}
	if out.Token == "" || out.Identity == "" {
		return device.Credential{}, errors.New("voiceapi: token response missing token or identity")
	}
	return device.Credential{Token: out.Token, Identity: out.Identity, ExpiresAt: out.ExpiresAt}, nil
}

// Bridge asks the back-end to connect the provider leg to this operator's
// device. A 409 means the call was already answered (by another operator or
// another of our devices) and is reported as calls.ErrAlreadyHandled; a 404
// as calls.ErrNotFound.
func (c *Client) Bridge(ctx context.Context, legID string) error {
	err := c.do(ctx, http.MethodPost, "/v1/voice/bridge", BridgeRequest{LegID: legID}, nil)
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusConflict:
			return fmt.Errorf("voiceapi: leg %s: %w", legID, calls.ErrAlreadyHandled)
		case http.StatusNotFound:
			return fmt.Errorf("voiceapi: leg %s: %w", legID, calls.ErrNotFound)
		}
	}
	return err
}

// Settings fetches the recording policy the call controller should use.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var out Settings
	if err := c.do(ctx, http.MethodGet, "/v1/voice/settings", nil, &out); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("voiceapi: marshalling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("voiceapi: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != nil {
		tok, err := c.accessToken(ctx)
		if err != nil {
			return fmt.Errorf("voiceapi: access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("voiceapi: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("voiceapi: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(respBody, &eb)
		return &StatusError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("voiceapi: decoding response: %w", err)
	}
	return nil
}
