package voiceapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crm-voice/internal/calls"
)

func staticToken(ctx context.Context) (string, error) { return "access-1", nil }

func TestVoiceToken(t *testing.T) {
	exp := time.Unix(1700003600, 0).UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/voice/token" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer access-1" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{Token: "vt", Identity: "op_1", ExpiresAt: exp})
	}))
	defer srv.Close()

	cred, err := NewClient(srv.URL+"/", staticToken).VoiceToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cred.Token != "vt" || cred.Identity != "op_1" || !cred.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestVoiceToken_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, staticToken).VoiceToken(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized || se.Message != "invalid token" {
		t.Fatalf("expected 401 status error, got %v", err)
	}
}

func TestBridge(t *testing.T) {
	var got BridgeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		switch got.LegID {
		case "CA-taken":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"already claimed"}`))
		case "CA-broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"bridged"}`))
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL, staticToken)

	if err := c.Bridge(context.Background(), "CA1"); err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if got.LegID != "CA1" {
		t.Fatalf("unexpected body: %+v", got)
	}
	if err := c.Bridge(context.Background(), "CA-taken"); !errors.Is(err, calls.ErrAlreadyHandled) {
		t.Fatalf("expected ErrAlreadyHandled, got %v", err)
	}
	err := c.Bridge(context.Background(), "CA-broken")
	if err == nil || errors.Is(err, calls.ErrAlreadyHandled) {
		t.Fatalf("expected plain failure, got %v", err)
	}
}

func TestSettings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/voice/settings" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Settings{RecordingPollIntervalMS: 1500, RecordingMaxAttempts: 4, RecordingDeadlineMS: 10000, GraceDelayMS: 2000})
	}))
	defer srv.Close()

	s, err := NewClient(srv.URL, staticToken).Settings(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	rc := s.RecordingConfig()
	if rc.Interval != 1500*time.Millisecond || rc.MaxAttempts != 4 || rc.Deadline != 10*time.Second {
		t.Fatalf("unexpected recording config: %+v", rc)
	}
	if s.GraceDelay() != 2*time.Second {
		t.Fatalf("unexpected grace delay %s", s.GraceDelay())
	}
}
