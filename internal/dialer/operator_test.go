package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/callsession"
	"crm-voice/internal/device/devicetest"
	"crm-voice/internal/feed"
	"crm-voice/internal/voiceapi"
)

type shownCalls struct {
	mu    sync.Mutex
	shown []string
}

func (d *shownCalls) Show(a calls.Announcement) {
	d.mu.Lock()
	d.shown = append(d.shown, a.ID)
	d.mu.Unlock()
}
func (d *shownCalls) Hide(string)       {}
func (d *shownCalls) StartAlert(string) {}
func (d *shownCalls) StopAlert(string)  {}

// voiceBackend serves the token, settings and bridge endpoints against an
// in-memory announcement table.
func voiceBackend(t *testing.T, store calls.AnnouncementStore, operatorID string, settingsCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/voice/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(voiceapi.TokenResponse{
			Token: "vt", Identity: "op_1", ExpiresAt: time.Now().Add(time.Hour),
		})
	})
	mux.HandleFunc("/v1/voice/settings", func(w http.ResponseWriter, r *http.Request) {
		settingsCalls.Add(1)
		_ = json.NewEncoder(w).Encode(voiceapi.Settings{GraceDelayMS: 3600000})
	})
	mux.HandleFunc("/v1/voice/bridge", func(w http.ResponseWriter, r *http.Request) {
		var req voiceapi.BridgeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		a, err := store.GetByLegID(r.Context(), req.LegID)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if _, won, _ := store.Transition(r.Context(), a.ID, calls.AnnouncementRinging, calls.AnnouncementAnswered, operatorID); !won {
			w.WriteHeader(http.StatusConflict)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "bridged"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOperator_AcceptedCallBecomesInboundSession(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewMemoryBus(nil)
	defer bus.Close()
	announcements := calls.NewMemoryAnnouncementStore(feed.NewEmitter(bus, nil))
	records := calls.NewMemoryRecordStore(nil)
	var settingsCalls atomic.Int32
	srv := voiceBackend(t, announcements, "op-1", &settingsCalls)
	factory := &devicetest.Factory{}

	api := voiceapi.NewClient(srv.URL, func(context.Context) (string, error) { return "access", nil })
	op, err := NewOperator(ctx, OperatorConfig{WorkspaceID: "w1", OperatorID: "op-1"}, OperatorDeps{
		API:           api,
		Factory:       factory.New,
		Feed:          bus,
		Records:       records,
		Announcements: announcements,
		Display:       &shownCalls{},
	})
	if err != nil {
		t.Fatalf("new operator: %v", err)
	}
	if settingsCalls.Load() != 1 {
		t.Fatalf("expected settings to be fetched once, got %d", settingsCalls.Load())
	}
	started := make(chan *callsession.Controller, 1)
	op.Dialer.OnCall = func(c *callsession.Controller) { started <- c }

	if err := op.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer op.Close(ctx)
	if !op.Device.Ready() {
		t.Fatalf("expected device ready after start")
	}
	waitUntil(t, "announcement subscription", func() bool { return bus.Subscribers(feed.ChannelAnnouncements) == 1 })

	a, err := announcements.Create(ctx, calls.Announcement{
		WorkspaceID: "w1", ExternalLegID: "CA-parent", CallerNumber: "+15550100", CalleeNumber: "+15550199",
	})
	if err != nil {
		t.Fatalf("create announcement: %v", err)
	}
	waitUntil(t, "offer", func() bool { return len(op.Announcer.Pending()) == 1 })

	if err := op.Announcer.Accept(ctx, a.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	row, _ := announcements.Get(ctx, a.ID)
	if row.Status != calls.AnnouncementAnswered || row.HandledBy != "op-1" {
		t.Fatalf("expected row answered by op-1, got %+v", row)
	}

	factory.Last().Ring(devicetest.NewLeg("CA-client", "client:op_1"))
	select {
	case ctrl := <-started:
		defer ctrl.Close()
		rec := ctrl.Record()
		if rec.Direction != calls.DirectionInbound || rec.ExternalLegID != "CA-parent" || rec.PhoneNumber != "+15550100" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no inbound session started")
	}
}

func TestOperator_SettingsFailureKeepsDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	bus := feed.NewMemoryBus(nil)
	defer bus.Close()
	op, err := NewOperator(context.Background(), OperatorConfig{WorkspaceID: "w1", OperatorID: "op-1"}, OperatorDeps{
		API:           voiceapi.NewClient(srv.URL, func(context.Context) (string, error) { return "access", nil }),
		Factory:       (&devicetest.Factory{}).New,
		Feed:          bus,
		Records:       calls.NewMemoryRecordStore(nil),
		Announcements: calls.NewMemoryAnnouncementStore(nil),
		Display:       &shownCalls{},
	})
	if err != nil {
		t.Fatalf("expected operator despite settings failure, got %v", err)
	}
	// the token endpoint fails too, so the device cannot register
	if err := op.Start(context.Background()); !errors.Is(err, calls.ErrAuthFailure) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	op.Close(context.Background())
}

func TestNewOperator_RequiresDeps(t *testing.T) {
	_, err := NewOperator(context.Background(), OperatorConfig{WorkspaceID: "w1", OperatorID: "op-1"}, OperatorDeps{})
	if !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	_, err = NewOperator(context.Background(), OperatorConfig{OperatorID: "op-1"}, OperatorDeps{})
	if !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument without workspace, got %v", err)
	}
}
