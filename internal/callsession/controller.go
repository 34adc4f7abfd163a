// Package callsession owns one call's CallRecord from origination or
// acceptance through the operator's final save.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/calltimer"
	"crm-voice/internal/device"
	"crm-voice/internal/feed"
	"crm-voice/internal/metrics"
	"crm-voice/internal/notice"
	"crm-voice/internal/recording"
	"crm-voice/internal/tickets"
	"crm-voice/pkg/logger"

	"github.com/looplab/fsm"
)

const (
	StateCreated = "created"
	StateActive  = "active"
	StateEnding  = "ending"
	StateSaved   = "saved"
)

const (
	eventActivate = "activate"
	eventEnd      = "end"
	eventSave     = "save"
)

// Trigger names the path that ended a call.
type Trigger string

const (
	TriggerDevice Trigger = "device"
	TriggerFeed   Trigger = "feed"
	TriggerUser   Trigger = "user"
)

const CauseRecordWrite = "call:record_write"

// Notifications is the outward call.started / call.saved contract.
type Notifications interface {
	CallStarted(ctx context.Context, rec calls.CallRecord)
	CallSaved(ctx context.Context, rec calls.CallRecord)
}

// Changes streams change-feed events for one leg.
type Changes interface {
	CallRecords(ctx context.Context, legID string) (*feed.Stream[feed.RecordEvent], error)
}

type TicketCreator interface {
	CreateForCall(ctx context.Context, rec calls.CallRecord, f tickets.Fields, createdBy string) (tickets.Ticket, error)
}

type Auditor interface {
	CallSaved(ctx context.Context, workspaceID, actorUserID, callID, disposition string) error
	CallTransferred(ctx context.Context, workspaceID, actorUserID, callID, fromOperator, toOperator string) error
}

// Leg is the device-side view the controller follows.
type Leg interface {
	Events() <-chan device.LegEvent
	SID() string
}

// Config carries the owning operator and timing. Zero durations take defaults.
type Config struct {
	WorkspaceID string
	OperatorID  string
	// GraceDelay separates the end of a call from the first recording lookup.
	GraceDelay time.Duration
	Recording  recording.Config
	// WriteTimeout bounds background record writes.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GraceDelay <= 0 {
		c.GraceDelay = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Deps are the collaborators a Controller talks to. Store is required.
type Deps struct {
	Store         calls.RecordStore
	Changes       Changes
	Notifications Notifications
	Tickets       TicketCreator
	Audit         Auditor
	Notices       notice.Notifier
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	// Now drives the call timer. Defaults to time.Now.
	Now func() time.Time
}

// StartParams describe the call being started.
type StartParams struct {
	Direction     calls.Direction
	Number        string
	ContactID     string
	ExternalLegID string
}

// SaveParams are the operator's closing choices.
type SaveParams struct {
	Disposition  calls.Disposition
	Notes        string
	CreateTicket bool
	Ticket       tickets.Fields
}

// SaveResult reports a successful save. TicketErr is set, wrapping
// calls.ErrSideEffectFailure, when the ticket could not be created; the call
// record is saved regardless.
type SaveResult struct {
	Record    calls.CallRecord
	Ticket    *tickets.Ticket
	TicketErr error
}

// Controller reconciles device events, change-feed events and operator
// actions for exactly one call. Every method is safe for concurrent use.
type Controller struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	timer    *calltimer.Timer
	resolver *recording.Resolver
	machine  *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu orders store writes so no update is issued before the create.
	writeMu sync.Mutex

	mu              sync.Mutex
	rec             calls.CallRecord
	created         bool
	legID           string
	stream          *feed.Stream[feed.RecordEvent]
	grace           *time.Timer
	recordingNotice bool
	endedBy         Trigger
	closed          bool
}

// New returns a controller in the created state. Call Start before anything else.
func New(cfg Config, deps Deps) *Controller {
	if deps.Notices == nil {
		deps.Notices = notice.Discard
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.withDefaults()
	log := logger.Component(deps.Logger, "callsession")
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		timer:  calltimer.New(deps.Now),
		ctx:    ctx,
		cancel: cancel,
	}
	c.resolver = recording.New(deps.Store, cfg.Recording, recording.WithLogger(deps.Logger), recording.WithMetrics(deps.Metrics))
	c.machine = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: eventActivate, Src: []string{StateCreated}, Dst: StateActive},
			{Name: eventEnd, Src: []string{StateCreated, StateActive}, Dst: StateEnding},
			{Name: eventSave, Src: []string{StateEnding, StateSaved}, Dst: StateSaved},
		},
		nil,
	)
	return c
}

// State returns the controller state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Current()
}

// Record returns the local view of the call record.
func (c *Controller) Record() calls.CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

// NeedsReconcile reports whether the record has not reached the store yet.
func (c *Controller) NeedsReconcile() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.created
}

// Elapsed is the live call duration for timer display.
func (c *Controller) Elapsed() time.Duration { return c.timer.Elapsed() }

// Tick calls fn with the elapsed duration every interval until the call ends
// or ctx is done.
func (c *Controller) Tick(ctx context.Context, every time.Duration, fn func(time.Duration)) {
	c.timer.Tick(ctx, every, fn)
}

// EndedBy returns the trigger that moved the call to ending, if any.
func (c *Controller) EndedBy() Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endedBy
}

// Start writes the record with status in_progress and starts the timer. A
// failed write does not fail the call: the record is kept locally and
// reconciled on the next write.
func (c *Controller) Start(ctx context.Context, p StartParams) (calls.CallRecord, error) {
	if !p.Direction.Valid() || strings.TrimSpace(p.Number) == "" {
		return calls.CallRecord{}, fmt.Errorf("callsession: direction and number required: %w", calls.ErrInvalidArgument)
	}

	c.mu.Lock()
	if c.machine.Current() != StateCreated || !c.rec.StartedAt.IsZero() {
		c.mu.Unlock()
		return calls.CallRecord{}, fmt.Errorf("callsession: already started: %w", calls.ErrInvalidArgument)
	}
	started := c.timer.Start()
	c.rec = calls.CallRecord{
		WorkspaceID:   c.cfg.WorkspaceID,
		OperatorID:    c.cfg.OperatorID,
		Direction:     p.Direction,
		PhoneNumber:   p.Number,
		ContactID:     p.ContactID,
		Status:        calls.CallStatusInProgress,
		ExternalLegID: p.ExternalLegID,
		StartedAt:     started.UTC(),
	}
	c.legID = p.ExternalLegID
	c.mu.Unlock()

	c.deps.Metrics.CallStarted(string(p.Direction))
	if err := c.ensureCreated(ctx); err != nil {
		c.log.Warn("call record create failed, continuing locally", "err", err)
	}

	c.mu.Lock()
	if err := c.machine.Event(ctx, eventActivate); err != nil {
		c.log.Debug("activate skipped", "state", c.machine.Current(), "err", err)
	}
	rec := c.rec
	legID := c.legID
	c.mu.Unlock()

	if legID != "" {
		c.follow(legID)
	}
	return rec, nil
}

// ensureCreated inserts the record if it is not in the store yet. Holding
// writeMu keeps every later update behind this insert.
func (c *Controller) ensureCreated(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.created {
		c.mu.Unlock()
		return nil
	}
	local := c.rec
	c.mu.Unlock()

	stored, err := c.deps.Store.Create(ctx, local)
	if err != nil {
		c.deps.Metrics.RecordWriteFailed("create")
		return fmt.Errorf("%w: creating call record: %w", calls.ErrRecordWriteFailure, err)
	}

	c.mu.Lock()
	c.created = true
	c.rec = calls.Merge(stored, c.rec)
	pendingLeg := c.legID != "" && stored.ExternalLegID == ""
	rec := c.rec
	c.mu.Unlock()

	c.log.Info("call record created", "call_id", rec.ID, "direction", rec.Direction)
	if pendingLeg {
		// leg id arrived while the create was in flight
		if _, err := c.updateLocked(ctx, "attach_leg", calls.Patch{ExternalLegID: rec.ExternalLegID}); err != nil {
			c.log.Warn("attaching leg id after create failed", "err", err)
		}
	}
	c.notifyStarted(ctx)
	return nil
}

// update issues p behind any pending create.
func (c *Controller) update(ctx context.Context, op string, p calls.Patch) (calls.CallRecord, error) {
	if err := c.ensureCreated(ctx); err != nil {
		return calls.CallRecord{}, err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.updateLocked(ctx, op, p)
}

func (c *Controller) updateLocked(ctx context.Context, op string, p calls.Patch) (calls.CallRecord, error) {
	c.mu.Lock()
	id := c.rec.ID
	c.mu.Unlock()

	stored, err := c.deps.Store.Update(ctx, id, p)
	if err != nil {
		c.deps.Metrics.RecordWriteFailed(op)
		return calls.CallRecord{}, fmt.Errorf("%w: %s on call %s: %w", calls.ErrRecordWriteFailure, op, id, err)
	}
	c.mu.Lock()
	// the stored row already carries this write; local fills only its gaps
	c.rec = calls.Merge(stored, c.rec)
	rec := c.rec
	c.mu.Unlock()
	return rec, nil
}

// AttachExternalLegID binds the provider leg id to the existing record. The
// first id wins; repeating it is a no-op and a different late id is ignored.
// It never creates a record.
func (c *Controller) AttachExternalLegID(ctx context.Context, legID string) {
	if legID == "" {
		return
	}
	c.mu.Lock()
	switch {
	case c.legID == legID:
		c.mu.Unlock()
		return
	case c.legID != "":
		current := c.legID
		c.mu.Unlock()
		c.log.Warn("ignoring second leg id", "leg_id", current, "late_leg_id", legID)
		return
	}
	c.legID = legID
	c.rec.ExternalLegID = legID
	created := c.created
	c.mu.Unlock()

	if created {
		if _, err := c.update(ctx, "attach_leg", calls.Patch{ExternalLegID: legID}); err != nil {
			c.log.Warn("attaching leg id failed", "leg_id", legID, "err", err)
		} else {
			c.notifyStarted(ctx)
		}
	}
	c.follow(legID)
}

// Follow consumes a device leg's events until it ends: the provider leg id is
// attached when it shows up and the terminal event ends the call.
func (c *Controller) Follow(leg Leg) {
	go func() {
		if sid := leg.SID(); sid != "" {
			c.AttachExternalLegID(c.ctx, sid)
		}
		for {
			select {
			case <-c.ctx.Done():
				return
			case ev, ok := <-leg.Events():
				if !ok {
					c.endFrom(c.ctx, TriggerDevice)
					return
				}
				if ev.SID != "" {
					c.AttachExternalLegID(c.ctx, ev.SID)
				}
				if ev.Terminal() {
					c.endFrom(c.ctx, TriggerDevice)
					return
				}
			}
		}
	}()
}

// follow subscribes to change-feed updates for legID once.
func (c *Controller) follow(legID string) {
	if c.deps.Changes == nil {
		return
	}
	c.mu.Lock()
	if c.stream != nil || c.closed {
		c.mu.Unlock()
		return
	}
	stream, err := c.deps.Changes.CallRecords(c.ctx, legID)
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("change feed subscribe failed", "leg_id", legID, "err", err)
		return
	}
	c.stream = stream
	c.mu.Unlock()

	go func() {
		for ev := range stream.Events() {
			c.applyRemote(ev.Record)
		}
	}()
}

// applyRemote folds a change-feed row into the local record in receipt order.
func (c *Controller) applyRemote(remote calls.CallRecord) {
	c.mu.Lock()
	if c.rec.ID != "" && remote.ID != "" && remote.ID != c.rec.ID {
		c.mu.Unlock()
		return
	}
	c.rec = calls.Merge(c.rec, remote)
	terminal := remote.Status.IsTerminal()
	c.mu.Unlock()

	if remote.HasRecording() {
		c.recordingFound(remote.Recording())
	}
	if terminal {
		c.endFrom(c.ctx, TriggerFeed)
	}
}

// End is the operator's manual hang-up path.
func (c *Controller) End(ctx context.Context) {
	c.endFrom(ctx, TriggerUser)
}

// endFrom collapses every terminal trigger into one transition. Only the
// first trigger stops the timer and schedules recording resolution.
func (c *Controller) endFrom(ctx context.Context, trigger Trigger) {
	c.mu.Lock()
	if c.rec.StartedAt.IsZero() || !c.machine.Can(eventEnd) {
		c.mu.Unlock()
		return
	}
	if err := c.machine.Event(ctx, eventEnd); err != nil {
		c.mu.Unlock()
		c.log.Warn("end transition failed", "err", err)
		return
	}
	c.endedBy = trigger
	c.timer.Stop()
	ended := c.timer.StoppedAt().UTC()
	c.rec.DurationSeconds = c.timer.Seconds()
	c.rec.EndedAt = &ended
	duration := c.rec.DurationSeconds
	if !c.closed && !c.recordingNotice {
		c.grace = time.AfterFunc(c.cfg.GraceDelay, c.resolveRecording)
	}
	id := c.rec.ID
	c.mu.Unlock()

	c.log.Info("call ended", "call_id", id, "trigger", trigger, "duration_seconds", duration)

	// Live-call write: failures are logged only.
	go func() {
		wctx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
		defer cancel()
		if _, err := c.update(wctx, "end", calls.Patch{DurationSeconds: &duration, EndedAt: &ended}); err != nil {
			c.log.Warn("recording call end failed", "call_id", id, "err", err)
		}
	}()
}

func (c *Controller) resolveRecording() {
	c.mu.Lock()
	legID := c.legID
	skip := c.closed || c.recordingNotice
	c.mu.Unlock()
	if skip {
		return
	}
	if legID == "" {
		c.log.Info("no provider leg id, skipping recording lookup")
		return
	}
	c.resolver.Resolve(c.ctx, legID, c.recordingFound)
}

// recordingFound is reached from the poller and from the change feed; the
// operator is told once, whichever wins.
func (c *Controller) recordingFound(r calls.Recording) {
	c.mu.Lock()
	if c.recordingNotice {
		c.mu.Unlock()
		return
	}
	c.recordingNotice = true
	if !c.rec.HasRecording() {
		c.rec.RecordingURL = r.URL
		c.rec.RecordingID = r.ID
	}
	if c.grace != nil {
		c.grace.Stop()
	}
	c.mu.Unlock()

	c.resolver.Cancel()
	c.deps.Notices.Notify(notice.Notice{
		Kind:    notice.KindSuccess,
		Cause:   "call:recording",
		Message: "Call recording is available.",
	})
}

// Save persists the operator's disposition in one update. A call still live
// is ended first. Ticket creation runs afterwards as an independent write.
func (c *Controller) Save(ctx context.Context, p SaveParams) (SaveResult, error) {
	if !p.Disposition.Valid() {
		return SaveResult{}, fmt.Errorf("callsession: disposition %q: %w", p.Disposition, calls.ErrInvalidArgument)
	}
	c.endFrom(ctx, TriggerUser)

	c.mu.Lock()
	if !c.machine.Can(eventSave) {
		state := c.machine.Current()
		c.mu.Unlock()
		return SaveResult{}, fmt.Errorf("callsession: cannot save in state %s: %w", state, calls.ErrInvalidArgument)
	}
	local := c.rec
	c.mu.Unlock()

	notes := p.Notes
	duration := local.DurationSeconds
	patch := calls.Patch{
		Disposition:     p.Disposition,
		CloseStatus:     p.Disposition.CloseStatus(),
		DurationSeconds: &duration,
		Notes:           &notes,
		RecordingURL:    local.RecordingURL,
		RecordingID:     local.RecordingID,
		EndedAt:         local.EndedAt,
	}
	rec, err := c.update(ctx, "save", patch)
	if err != nil {
		c.deps.Notices.Notify(notice.Notice{
			Kind:    notice.KindError,
			Cause:   CauseRecordWrite,
			Message: "Call could not be saved. Your notes are kept, try again.",
		})
		return SaveResult{}, err
	}

	c.mu.Lock()
	if err := c.machine.Event(ctx, eventSave); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			c.log.Warn("save transition failed", "err", err)
		}
	}
	c.mu.Unlock()

	c.deps.Metrics.CallSaved(string(p.Disposition))
	if c.deps.Notifications != nil {
		c.deps.Notifications.CallSaved(ctx, rec)
	}
	if c.deps.Audit != nil {
		if err := c.deps.Audit.CallSaved(ctx, rec.WorkspaceID, c.cfg.OperatorID, rec.ID, string(p.Disposition)); err != nil {
			c.log.Warn("audit call_saved failed", "call_id", rec.ID, "err", err)
		}
	}
	c.log.Info("call saved", "call_id", rec.ID, "disposition", p.Disposition, "status", rec.Status)

	res := SaveResult{Record: rec}
	if p.CreateTicket {
		res.Ticket, res.TicketErr = c.createTicket(ctx, rec, p.Ticket)
	}
	return res, nil
}

func (c *Controller) createTicket(ctx context.Context, rec calls.CallRecord, f tickets.Fields) (*tickets.Ticket, error) {
	if c.deps.Tickets == nil {
		return nil, fmt.Errorf("%w: ticket service not configured", calls.ErrSideEffectFailure)
	}
	t, err := c.deps.Tickets.CreateForCall(ctx, rec, f, c.cfg.OperatorID)
	if err != nil {
		c.log.Warn("ticket creation failed", "call_id", rec.ID, "err", err)
		c.deps.Notices.Notify(notice.Notice{
			Kind:    notice.KindError,
			Cause:   "call:ticket",
			Message: "Call saved, but the ticket could not be created.",
		})
		return nil, fmt.Errorf("%w: creating ticket: %w", calls.ErrSideEffectFailure, err)
	}
	return &t, nil
}

// Transfer reassigns a missed call to another operator and appends a transfer
// note. It only applies to failed, unanswered or busy calls; live media is
// never transferred.
func (c *Controller) Transfer(ctx context.Context, toOperatorID, notes string) (calls.CallRecord, error) {
	if strings.TrimSpace(toOperatorID) == "" {
		return calls.CallRecord{}, fmt.Errorf("callsession: target operator required: %w", calls.ErrInvalidArgument)
	}
	if err := c.ensureCreated(ctx); err != nil {
		return calls.CallRecord{}, fmt.Errorf("%w: %w", calls.ErrSideEffectFailure, err)
	}

	c.mu.Lock()
	id := c.rec.ID
	c.mu.Unlock()

	current, err := c.deps.Store.Get(ctx, id)
	if err != nil {
		return calls.CallRecord{}, fmt.Errorf("%w: reading call %s: %w", calls.ErrSideEffectFailure, id, err)
	}
	c.mu.Lock()
	c.rec = calls.Merge(current, c.rec)
	local := c.rec
	c.mu.Unlock()

	if !local.Status.Transferable() {
		return calls.CallRecord{}, fmt.Errorf("callsession: call %s is %s: %w", id, local.Status, calls.ErrNotTransferable)
	}

	annotated := appendTransferNote(local.Notes, c.cfg.OperatorID, toOperatorID, notes, c.deps.Now())
	rec, err := c.update(ctx, "transfer", calls.Patch{OperatorID: toOperatorID, Notes: &annotated})
	if err != nil {
		return calls.CallRecord{}, fmt.Errorf("%w: %w", calls.ErrSideEffectFailure, err)
	}

	if c.deps.Audit != nil {
		if err := c.deps.Audit.CallTransferred(ctx, rec.WorkspaceID, c.cfg.OperatorID, rec.ID, local.OperatorID, toOperatorID); err != nil {
			c.log.Warn("audit call_transferred failed", "call_id", rec.ID, "err", err)
		}
	}
	c.log.Info("call transferred", "call_id", rec.ID, "from", local.OperatorID, "to", toOperatorID)
	return rec, nil
}

func appendTransferNote(existing, from, to, note string, at time.Time) string {
	line := fmt.Sprintf("[%s] transferred from %s to %s", at.UTC().Format(time.RFC3339), from, to)
	if note = strings.TrimSpace(note); note != "" {
		line += ": " + note
	}
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}

// Reconcile retries a failed create. It is a no-op once the record is stored.
func (c *Controller) Reconcile(ctx context.Context) error {
	return c.ensureCreated(ctx)
}

// Close releases the change-feed subscription and every pending timer. The
// controller must not be used afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stream := c.stream
	grace := c.grace
	c.mu.Unlock()

	if grace != nil {
		grace.Stop()
	}
	c.resolver.Cancel()
	if stream != nil {
		_ = stream.Close()
	}
	c.cancel()
}

func (c *Controller) notifyStarted(ctx context.Context) {
	if c.deps.Notifications == nil {
		return
	}
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	c.deps.Notifications.CallStarted(ctx, rec)
}
