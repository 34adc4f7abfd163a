package callsession

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"crm-voice/internal/audit"
	"crm-voice/internal/calls"
	"crm-voice/internal/device"
	"crm-voice/internal/feed"
	"crm-voice/internal/notice"
	"crm-voice/internal/recording"
	"crm-voice/internal/tickets"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testStore wraps the memory store with failure injection and a recording
// that appears on a given read.
type testStore struct {
	*calls.MemoryRecordStore

	mu             sync.Mutex
	createFailures int
	updateErr      error
	reads          int
	recordingOn    int
}

func (s *testStore) Create(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error) {
	s.mu.Lock()
	if s.createFailures > 0 {
		s.createFailures--
		s.mu.Unlock()
		return calls.CallRecord{}, errors.New("db unavailable")
	}
	s.mu.Unlock()
	return s.MemoryRecordStore.Create(ctx, rec)
}

func (s *testStore) Update(ctx context.Context, id string, p calls.Patch) (calls.CallRecord, error) {
	s.mu.Lock()
	err := s.updateErr
	s.mu.Unlock()
	if err != nil {
		return calls.CallRecord{}, err
	}
	return s.MemoryRecordStore.Update(ctx, id, p)
}

func (s *testStore) GetByLegID(ctx context.Context, legID string) (calls.CallRecord, error) {
	s.mu.Lock()
	s.reads++
	attach := s.recordingOn > 0 && s.reads == s.recordingOn
	s.mu.Unlock()
	if attach {
		rec, err := s.MemoryRecordStore.GetByLegID(ctx, legID)
		if err != nil {
			return calls.CallRecord{}, err
		}
		if _, err := s.MemoryRecordStore.Update(ctx, rec.ID, calls.Patch{RecordingURL: "https://rec.example/RE1.mp3", RecordingID: "RE1"}); err != nil {
			return calls.CallRecord{}, err
		}
	}
	return s.MemoryRecordStore.GetByLegID(ctx, legID)
}

func (s *testStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type env struct {
	store   *testStore
	clock   *fakeClock
	notices *notice.Recorder
	audit   *audit.MemoryRepo
	tickets *tickets.MemoryRepo
	bus     *feed.MemoryBus
	deps    Deps
	cfg     Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	bus := feed.NewMemoryBus(nil)
	emitter := feed.NewEmitter(bus, nil)
	e := &env{
		store:   &testStore{MemoryRecordStore: calls.NewMemoryRecordStore(emitter)},
		clock:   &fakeClock{now: time.Unix(1700000000, 0).UTC()},
		notices: &notice.Recorder{},
		audit:   audit.NewMemoryRepo(),
		tickets: tickets.NewMemoryRepo(),
		bus:     bus,
	}
	e.deps = Deps{
		Store:         e.store,
		Changes:       feed.NewSubscriber(bus, nil),
		Notifications: emitter,
		Tickets:       tickets.NewService(e.tickets),
		Audit:         audit.NewService(e.audit),
		Notices:       e.notices,
		Now:           e.clock.Now,
	}
	e.cfg = Config{
		WorkspaceID: "w1",
		OperatorID:  "op-1",
		GraceDelay:  10 * time.Millisecond,
		Recording:   recording.Config{Interval: 10 * time.Millisecond, MaxAttempts: 8, Deadline: 2 * time.Second},
	}
	t.Cleanup(func() { _ = bus.Close() })
	return e
}

func (e *env) controller(t *testing.T) *Controller {
	t.Helper()
	c := New(e.cfg, e.deps)
	t.Cleanup(c.Close)
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
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

func TestHappyPathOutbound(t *testing.T) {
	e := newEnv(t)
	e.store.recordingOn = 3 // immediate read, first poll, second poll
	c := e.controller(t)
	ctx := context.Background()

	rec, err := c.Start(ctx, StartParams{Direction: calls.DirectionOutbound, Number: "+15551234567", ExternalLegID: "CA100"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.ID == "" || rec.Status != calls.CallStatusInProgress {
		t.Fatalf("expected stored in_progress record, got %+v", rec)
	}
	if c.State() != StateActive {
		t.Fatalf("expected active, got %s", c.State())
	}

	e.clock.Advance(5 * time.Second)
	c.End(ctx)
	if c.State() != StateEnding {
		t.Fatalf("expected ending, got %s", c.State())
	}

	eventually(t, "recording", func() bool { return c.Record().HasRecording() })
	if n := e.notices.Count("call:recording"); n != 1 {
		t.Fatalf("expected one recording notice, got %d", n)
	}
	if reads := e.store.Reads(); reads != 3 {
		t.Fatalf("expected 3 reads, got %d", reads)
	}

	res, err := c.Save(ctx, SaveParams{Disposition: calls.DispositionCompleted, Notes: "discussed pricing"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if c.State() != StateSaved {
		t.Fatalf("expected saved, got %s", c.State())
	}

	stored, err := e.store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, r := range []calls.CallRecord{res.Record, stored} {
		if r.Status != calls.CallStatusCompleted || r.Disposition != calls.DispositionCompleted {
			t.Fatalf("expected completed, got status=%q disposition=%q", r.Status, r.Disposition)
		}
		if r.DurationSeconds != 5 {
			t.Fatalf("expected 5s duration, got %d", r.DurationSeconds)
		}
		if r.Notes != "discussed pricing" || r.RecordingURL == "" || r.EndedAt == nil {
			t.Fatalf("unexpected saved record: %+v", r)
		}
	}
	if n := len(e.store.Records()); n != 1 {
		t.Fatalf("expected exactly one record, got %d", n)
	}
	if evs := e.audit.Events(); len(evs) != 1 || evs[0].Type != audit.EventTypeCallSaved {
		t.Fatalf("expected call_saved audit, got %+v", evs)
	}
}

func TestExactlyOneRecordAcrossLegIDs(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	ctx := context.Background()

	if _, err := c.Start(ctx, StartParams{Direction: calls.DirectionOutbound, Number: "+15550001"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.AttachExternalLegID(ctx, "CA1")
	c.AttachExternalLegID(ctx, "CA1")
	c.AttachExternalLegID(ctx, "CA2")
	c.End(ctx)
	c.AttachExternalLegID(ctx, "CA3")
	if _, err := c.Save(ctx, SaveParams{Disposition: calls.DispositionVoicemail}); err != nil {
		t.Fatalf("save: %v", err)
	}

	recs := e.store.Records()
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	if recs[0].ExternalLegID != "CA1" {
		t.Fatalf("expected first leg id to stick, got %q", recs[0].ExternalLegID)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	ctx := context.Background()

	if _, err := c.Start(ctx, StartParams{Direction: calls.DirectionOutbound, Number: "+15550001"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.clock.Advance(3 * time.Second)
	c.End(ctx)
	first := c.Record()
	e.clock.Advance(10 * time.Second)
	c.End(ctx)
	second := c.Record()

	if c.State() != StateEnding || c.EndedBy() != TriggerUser {
		t.Fatalf("unexpected state %s / %s", c.State(), c.EndedBy())
	}
	if first.DurationSeconds != 3 || second.DurationSeconds != 3 || c.Elapsed() != 3*time.Second {
		t.Fatalf("second end moved the timer: %d / %d / %v", first.DurationSeconds, second.DurationSeconds, c.Elapsed())
	}
	if first.Status != second.Status {
		t.Fatalf("status changed: %q -> %q", first.Status, second.Status)
	}
}

type fakeLeg struct {
	sid    string
	events chan device.LegEvent
}

func (l *fakeLeg) Events() <-chan device.LegEvent { return l.events }
func (l *fakeLeg) SID() string                    { return l.sid }

func TestDeviceDisconnectEnds(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	ctx := context.Background()

	if _, err := c.Start(ctx, StartParams{Direction: calls.DirectionInbound, Number: "+15550002"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	leg := &fakeLeg{events: make(chan device.LegEvent, 4)}
	c.Follow(leg)
	leg.events <- device.LegEvent{Kind: device.LegAccepted, SID: "CA55"}
	leg.events <- device.LegEvent{Kind: device.LegDisconnected, SID: "CA55"}
	close(leg.events)

	eventually(t, "ending", func() bool { return c.State() == StateEnding })
	c.End(ctx)
	if c.EndedBy() != TriggerDevice {
		t.Fatalf("expected device trigger to win, got %s", c.EndedBy())
	}
	eventually(t, "leg attached", func() bool {
		rec, err := e.store.GetByLegID(ctx, "CA55")
		return err == nil && rec.ID == c.Record().ID
	})
}

func TestFeedTerminalStatusAndRecording(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	ctx := context.Background()

	rec, err := c.Start(ctx, StartParams{Direction: calls.DirectionOutbound, Number: "+15550003", ExternalLegID: "CA7"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// provider webhook path
	if _, err := e.store.MemoryRecordStore.Update(ctx, rec.ID, calls.Patch{
		Status:       calls.CallStatusNoAnswer,
		RecordingURL: "https://rec.example/RE7.mp3",
		RecordingID:  "RE7",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	eventually(t, "feed end", func() bool { return c.State() == StateEnding })
	if c.EndedBy() != TriggerFeed {
		t.Fatalf("expected feed trigger, got %s", c.EndedBy())
	}
	eventually(t, "recording", func() bool { return c.Record().HasRecording() })

	time.Sleep(50 * time.Millisecond)
	if n := e.notices.Count("call:recording"); n != 1 {
		t.Fatalf("expected a single recording notice, got %d", n)
	}

	res, err := c.Save(ctx, SaveParams{Disposition: calls.DispositionCompleted, Notes: "left message"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Record.Status != calls.CallStatusNoAnswer || res.Record.Disposition != calls.DispositionCompleted {
		t.Fatalf("expected provider status kept next to disposition, got %q / %q", res.Record.Status, res.Record.Disposition)
	}
}

func TestTicketFailureDoesNotRollBackSave(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	ctx := context.Background()

	rec, err := c.Start(ctx, StartParams{Direction: calls.DirectionOutbound, Number: "+15550004"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := c.Save(ctx, SaveParams{
		Disposition:  calls.DispositionCompleted,
		Notes:        "notes",
		CreateTicket: true,
		Ticket:       tickets.Fields{Title: ""},
	})
	if err != nil {
		t.Fatalf("save must succeed, got %v", err)
	}
	if !errors.Is(res.TicketErr, calls.ErrSideEffectFailure) || !errors.Is(res.TicketErr, tickets.ErrInvalidFields) {
		t.Fatalf("expected side effect failure, got %v", res.TicketErr)
	}
	if res.Ticket != nil {
		t.Fatalf("no ticket expected")
	}
	stored, _ := e.store.Get(ctx, rec.ID)
	if stored.Status != calls.CallStatusCompleted || stored.Notes != "notes" {
		t.Fatalf("call not saved: %+v", stored)
	}
	if e.notices.Count("call:ticket") != 1 {
		t.Fatalf("expected ticket notice")
	}
}

func TestSaveCreatesTicket(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	ctx := context.Background()

	rec, _ := c.Start(ctx, StartParams{Direction: calls.DirectionOutbound, Number: "+15550004", ContactID: "client-1"})
	res, err := c.Save(ctx, SaveParams{
		Disposition:  calls.DispositionCallbackRequested,
		CreateTicket: true,
		Ticket:       tickets.Fields{Title: "Call back Tuesday", Priority: tickets.PriorityHigh},
	})
	if err != nil || res.TicketErr != nil {
		t.Fatalf("save: %v / %v", err, res.TicketErr)
	}
	if res.Ticket == nil || res.Ticket.CallID != rec.ID || res.Ticket.ContactID != "client-1" || res.Ticket.CreatedBy != "op-1" {
		t.Fatalf("unexpected ticket: %+v", res.Ticket)
	}
}

func TestSaveSurfacesRecordWriteFailure(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	ctx := context.Background()

	if _, err := c.Start(ctx, StartParams{Direction: calls.DirectionOutbound, Number: "+15550005"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.store.mu.Lock()
	e.store.updateErr = errors.New("deadlock detected")
	e.store.mu.Unlock()

	_, err := c.Save(ctx, SaveParams{Disposition: calls.DispositionCompleted, Notes: "keep me"})
	if !errors.Is(err, calls.ErrRecordWriteFailure) {
		t.Fatalf("expected ErrRecordWriteFailure, got %v", err)
	}
	if c.State() != StateEnding {
		t.Fatalf("failed save must leave the call retryable, state=%s", c.State())
	}
	if e.notices.Count(CauseRecordWrite) != 1 {
		t.Fatalf("expected record write notice")
	}

	e.store.mu.Lock()
	e.store.updateErr = nil
	e.store.mu.Unlock()
	if _, err := c.Save(ctx, SaveParams{Disposition: calls.DispositionCompleted, Notes: "keep me"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestCreateFailureReconciles(t *testing.T) {
	e := newEnv(t)
	e.store.createFailures = 1
	c := e.controller(t)
	ctx := context.Background()

	rec, err := c.Start(ctx, StartParams{Direction: calls.DirectionOutbound, Number: "+15550006"})
	if err != nil {
		t.Fatalf("live call must not fail on a record write: %v", err)
	}
	if rec.ID != "" || !c.NeedsReconcile() || c.State() != StateActive {
		t.Fatalf("expected local-only active call, got id=%q state=%s", rec.ID, c.State())
	}

	c.AttachExternalLegID(ctx, "CA9")
	if n := len(e.store.Records()); n != 0 {
		t.Fatalf("leg id must not create a record, got %d", n)
	}

	if err := c.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	recs := e.store.Records()
	if len(recs) != 1 || recs[0].ExternalLegID != "CA9" || recs[0].Status != calls.CallStatusInProgress {
		t.Fatalf("unexpected records after reconcile: %+v", recs)
	}
	if c.NeedsReconcile() {
		t.Fatalf("still flagged after reconcile")
	}
}

func TestTransfer(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	ctx := context.Background()

	rec, _ := c.Start(ctx, StartParams{Direction: calls.DirectionInbound, Number: "+15550007"})
	c.End(ctx)

	if _, err := c.Transfer(ctx, "op-2", "please follow up"); !errors.Is(err, calls.ErrNotTransferable) {
		t.Fatalf("in-progress call must not transfer, got %v", err)
	}

	if _, err := e.store.MemoryRecordStore.Update(ctx, rec.ID, calls.Patch{Status: calls.CallStatusNoAnswer}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := c.Transfer(ctx, "op-2", "please follow up")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got.OperatorID != "op-2" {
		t.Fatalf("expected op-2, got %q", got.OperatorID)
	}
	if !strings.Contains(got.Notes, "transferred from op-1 to op-2: please follow up") {
		t.Fatalf("missing transfer note: %q", got.Notes)
	}
	evs := e.audit.Events()
	if len(evs) != 1 || evs[0].Type != audit.EventTypeCallTransferred {
		t.Fatalf("expected transfer audit, got %+v", evs)
	}
}

func TestTransferWriteFailure(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	ctx := context.Background()

	rec, _ := c.Start(ctx, StartParams{Direction: calls.DirectionInbound, Number: "+15550008"})
	if _, err := e.store.MemoryRecordStore.Update(ctx, rec.ID, calls.Patch{Status: calls.CallStatusBusy}); err != nil {
		t.Fatalf("update: %v", err)
	}
	e.store.mu.Lock()
	e.store.updateErr = errors.New("timeout")
	e.store.mu.Unlock()

	if _, err := c.Transfer(ctx, "op-2", ""); !errors.Is(err, calls.ErrSideEffectFailure) {
		t.Fatalf("expected ErrSideEffectFailure, got %v", err)
	}
}

func TestStartValidates(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	if _, err := c.Start(context.Background(), StartParams{Direction: "sideways", Number: "+1"}); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := c.Save(context.Background(), SaveParams{Disposition: calls.DispositionCompleted}); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("save before start should fail, got %v", err)
	}
}

func TestCloseStopsRecordingLookup(t *testing.T) {
	e := newEnv(t)
	e.cfg.GraceDelay = 50 * time.Millisecond
	c := New(e.cfg, e.deps)
	ctx := context.Background()

	if _, err := c.Start(ctx, StartParams{Direction: calls.DirectionOutbound, Number: "+15550009", ExternalLegID: "CA11"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.End(ctx)
	c.Close()

	time.Sleep(120 * time.Millisecond)
	if reads := e.store.Reads(); reads != 0 {
		t.Fatalf("lookup ran after close: %d reads", reads)
	}
}
