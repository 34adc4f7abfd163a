package dialer

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/callsession"
	"crm-voice/internal/device"
	"crm-voice/internal/device/devicetest"
)

func TestNormalizeNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+1 (555) 123-4567", "+15551234567", true},
		{" 0612.34.56.78 ", "0612345678", true},
		{"555-12", "", false},
		{"+1555abc4567", "", false},
		{"1+5551234567", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeNumber(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("%q: got %q, %v", tc.in, got, err)
		}
		if !tc.ok && !errors.Is(err, calls.ErrInvalidArgument) {
			t.Fatalf("%q: expected ErrInvalidArgument, got %q, %v", tc.in, got, err)
		}
	}
}

type harness struct {
	dialer   *Dialer
	session  *device.Session
	factory  *devicetest.Factory
	store    *calls.MemoryRecordStore
	contacts *MemoryContacts
}

func newHarness(t *testing.T, ready bool) *harness {
	t.Helper()
	h := &harness{
		factory:  &devicetest.Factory{},
		store:    calls.NewMemoryRecordStore(nil),
		contacts: NewMemoryContacts(),
	}
	h.session = device.NewSession(&devicetest.StaticTokens{Identity: "op_1"}, h.factory.New, device.Config{}, nil, nil, nil)
	if ready {
		if err := h.session.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	h.dialer = New(h.session, h.contacts,
		callsession.Config{WorkspaceID: "w1", OperatorID: "op-1", GraceDelay: time.Hour},
		callsession.Deps{Store: h.store},
	)
	return h
}

func waitState(t *testing.T, c *callsession.Controller, state string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("controller stuck in %s, want %s", c.State(), state)
}

func TestDial_NotReady(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.dialer.Dial(context.Background(), "+15551234567")
	if !errors.Is(err, calls.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if n := len(h.store.Records()); n != 0 {
		t.Fatalf("no record expected, got %d", n)
	}
}

func TestDial_StartsSessionWithContact(t *testing.T) {
	h := newHarness(t, true)
	h.contacts.Add("w1", Contact{ID: "client-7", Name: "Acme", Phone: "+15551234567"})

	ctrl, err := h.dialer.Dial(context.Background(), "+1 555 123 4567")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ctrl.Close()

	rec := ctrl.Record()
	if rec.ContactID != "client-7" || rec.Direction != calls.DirectionOutbound || rec.PhoneNumber != "+15551234567" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	legs := h.factory.Last().Legs()
	if len(legs) != 1 || rec.ExternalLegID != legs[0].SID() {
		t.Fatalf("leg id not attached: %+v", rec)
	}

	if err := legs[0].Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitState(t, ctrl, callsession.StateEnding)
	if ctrl.EndedBy() != callsession.TriggerDevice {
		t.Fatalf("expected device trigger, got %s", ctrl.EndedBy())
	}
}

func TestIncoming_PairsAcceptedAnnouncement(t *testing.T) {
	h := newHarness(t, true)
	got := make(chan *callsession.Controller, 1)
	h.dialer.OnCall = func(c *callsession.Controller) { got <- c }
	if err := h.dialer.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	h.dialer.Accepted(context.Background(), calls.Announcement{
		ID:            "ann-1",
		ExternalLegID: "CA-parent",
		CallerNumber:  "+15550100",
	})
	h.factory.Last().Ring(devicetest.NewLeg("CA-client", "client:op_1"))

	select {
	case ctrl := <-got:
		defer ctrl.Close()
		rec := ctrl.Record()
		if rec.Direction != calls.DirectionInbound || rec.PhoneNumber != "+15550100" || rec.ExternalLegID != "CA-parent" {
			t.Fatalf("unexpected record: %+v", rec)
		}
		if _, err := h.store.GetByLegID(context.Background(), "CA-parent"); err != nil {
			t.Fatalf("record not stored by provider leg: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("no controller started")
	}
}

func TestIncoming_WithoutAnnouncementUsesLeg(t *testing.T) {
	h := newHarness(t, true)
	got := make(chan *callsession.Controller, 1)
	h.dialer.OnCall = func(c *callsession.Controller) { got <- c }
	if err := h.dialer.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	h.dialer.pairWait = 20 * time.Millisecond
	h.factory.Last().Ring(devicetest.NewLeg("CA-direct", "+15550142"))
	select {
	case ctrl := <-got:
		defer ctrl.Close()
		if rec := ctrl.Record(); rec.ExternalLegID != "CA-direct" || rec.PhoneNumber != "+15550142" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatalf("no controller started")
	}
}

func TestIncoming_LegBeforeAcceptance(t *testing.T) {
	h := newHarness(t, true)
	got := make(chan *callsession.Controller, 1)
	h.dialer.OnCall = func(c *callsession.Controller) { got <- c }
	if err := h.dialer.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	h.factory.Last().Ring(devicetest.NewLeg("CA-client", "client:op_1"))
	time.Sleep(20 * time.Millisecond)
	h.dialer.Accepted(context.Background(), calls.Announcement{ID: "ann-2", ExternalLegID: "CA-parent-2", CallerNumber: "+15550177"})

	select {
	case ctrl := <-got:
		defer ctrl.Close()
		if rec := ctrl.Record(); rec.ExternalLegID != "CA-parent-2" || rec.PhoneNumber != "+15550177" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no controller started")
	}
}

func TestAccepted_StaleEntriesDropped(t *testing.T) {
	h := newHarness(t, false)
	now := time.Unix(1700000000, 0)
	h.dialer.now = func() time.Time { return now }
	h.dialer.Accepted(context.Background(), calls.Announcement{ID: "old"})
	now = now.Add(3 * time.Minute)
	h.dialer.Accepted(context.Background(), calls.Announcement{ID: "fresh"})

	a, ok := h.dialer.nextAccepted()
	if !ok || a.ID != "fresh" {
		t.Fatalf("expected fresh entry, got %+v %v", a, ok)
	}
	if _, ok := h.dialer.nextAccepted(); ok {
		t.Fatalf("queue should be empty")
	}
}
