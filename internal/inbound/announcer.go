// Package inbound presents ringing inbound calls to an operator and makes sure
// only one acceptance path runs per call.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/feed"
	"crm-voice/internal/metrics"
	"crm-voice/internal/notice"
	"crm-voice/pkg/logger"
)

// Display renders the accept/reject affordance and the audible alert.
type Display interface {
	Show(a calls.Announcement)
	Hide(id string)
	StartAlert(id string)
	StopAlert(id string)
}

// Bridger connects the operator's device to the provider leg. The back-end
// marks the announcement answered before bridging and puts it back to
// ringing if the bridge fails. A conflict (the call was already answered) is
// reported as calls.ErrAlreadyHandled.
type Bridger interface {
	Bridge(ctx context.Context, legID string) error
}

// Source streams announcement changes.
type Source interface {
	Announcements(ctx context.Context) (*feed.Stream[feed.AnnouncementEvent], error)
}

type Deps struct {
	Store   calls.AnnouncementStore
	Feed    Source
	Bridge  Bridger
	Display Display
	Notices notice.Notifier
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// OnAccepted opens the live-call UI once the announcement is answered.
	OnAccepted func(ctx context.Context, a calls.Announcement)
	// Retain is how long a settled announcement is remembered so late
	// duplicate inserts are not offered again. Default 10m.
	Retain time.Duration
	Now    func() time.Time
}

const CauseBridge = "inbound:bridge"

type offerState int

const (
	offerShown offerState = iota + 1
	offerDeciding
	offerClosed
)

// Announcer tracks the ringing calls shown to one operator.
type Announcer struct {
	operatorID string
	deps       Deps
	log        *slog.Logger

	mu     sync.Mutex
	offers map[string]*offer
}

type offer struct {
	a        calls.Announcement
	state    offerState
	closedAt time.Time
}

func New(operatorID string, deps Deps) *Announcer {
	if deps.Notices == nil {
		deps.Notices = notice.Discard
	}
	if deps.Retain <= 0 {
		deps.Retain = 10 * time.Minute
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Announcer{
		operatorID: operatorID,
		deps:       deps,
		log:        logger.Component(deps.Logger, "inbound").With("operator_id", operatorID),
		offers:     map[string]*offer{},
	}
}

// Run consumes announcement changes until ctx is done.
func (n *Announcer) Run(ctx context.Context) error {
	stream, err := n.deps.Feed.Announcements(ctx)
	if err != nil {
		return fmt.Errorf("inbound: subscribing to announcements: %w", err)
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			n.Handle(ev)
		}
	}
}

// Handle applies one change event. Inserts of ringing rows are offered; a
// row that went back to ringing after a failed bridge is offered again. Any
// row that left ringing is retracted, whoever moved it.
func (n *Announcer) Handle(ev feed.AnnouncementEvent) {
	a := ev.Announcement
	if a.ID == "" {
		return
	}
	n.prune()
	if a.Status == calls.AnnouncementRinging {
		n.offer(a, ev.Op == calls.OpUpdate)
		return
	}
	n.retract(a.ID, string(a.Status))
}

// prune forgets announcements settled longer than Retain ago.
func (n *Announcer) prune() {
	cutoff := n.deps.Now().Add(-n.deps.Retain)
	n.mu.Lock()
	for id, o := range n.offers {
		if o.state == offerClosed && o.closedAt.Before(cutoff) {
			delete(n.offers, id)
		}
	}
	n.mu.Unlock()
}

func (n *Announcer) offer(a calls.Announcement, reopened bool) {
	n.mu.Lock()
	if o, seen := n.offers[a.ID]; seen && (!reopened || o.state != offerClosed) {
		n.mu.Unlock()
		return
	}
	n.offers[a.ID] = &offer{a: a, state: offerShown}
	n.mu.Unlock()

	n.log.Info("inbound call ringing", "announcement_id", a.ID, "caller", a.CallerNumber)
	n.deps.Metrics.Announcement("offered")
	n.deps.Display.Show(a)
	n.deps.Display.StartAlert(a.ID)
}

func (n *Announcer) retract(id, reason string) {
	n.mu.Lock()
	o, ok := n.offers[id]
	if !ok {
		// settled before we saw it; remember it so a late insert stays hidden
		n.offers[id] = &offer{a: calls.Announcement{ID: id}, state: offerClosed, closedAt: n.deps.Now()}
		n.mu.Unlock()
		return
	}
	if o.state == offerClosed {
		n.mu.Unlock()
		return
	}
	deciding := o.state == offerDeciding
	n.close(o)
	n.mu.Unlock()

	if deciding {
		// our own accept/reject is in flight and owns the display
		return
	}
	n.log.Info("inbound call handled elsewhere", "announcement_id", id, "status", reason)
	n.deps.Display.StopAlert(id)
	n.deps.Display.Hide(id)
}

// Pending returns the announcements currently offered.
func (n *Announcer) Pending() []calls.Announcement {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []calls.Announcement
	for _, o := range n.offers {
		if o.state == offerShown {
			out = append(out, o.a)
		}
	}
	return out
}

// claim moves an offer from shown to deciding. Only one accept or reject per
// offer gets past it.
func (n *Announcer) claim(id string) (calls.Announcement, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	o, ok := n.offers[id]
	if !ok {
		return calls.Announcement{}, fmt.Errorf("inbound: announcement %s: %w", id, calls.ErrNotFound)
	}
	if o.state != offerShown {
		return calls.Announcement{}, calls.ErrAlreadyHandled
	}
	o.state = offerDeciding
	return o.a, nil
}

// close marks o settled. n.mu must be held.
func (n *Announcer) close(o *offer) {
	o.state = offerClosed
	o.closedAt = n.deps.Now()
}

func (n *Announcer) settle(id string) {
	n.mu.Lock()
	if o, ok := n.offers[id]; ok && o.state != offerClosed {
		n.close(o)
	}
	n.mu.Unlock()
}

// Accept answers a ringing call. The alert is silenced and the affordance
// hidden before the bridge request; a failed bridge shows the call again.
func (n *Announcer) Accept(ctx context.Context, id string) error {
	a, err := n.claim(id)
	if err != nil {
		return err
	}
	n.deps.Display.StopAlert(id)
	n.deps.Display.Hide(id)

	current, err := n.deps.Store.Get(ctx, id)
	if err != nil {
		n.reoffer(a)
		n.notifyBridge()
		return fmt.Errorf("%w: reading announcement %s: %w", calls.ErrBridgeFailure, id, err)
	}
	if current.Status != calls.AnnouncementRinging {
		n.settle(id)
		n.deps.Metrics.Announcement("lost")
		return calls.ErrAlreadyHandled
	}

	if err := n.deps.Bridge.Bridge(ctx, a.ExternalLegID); err != nil {
		if errors.Is(err, calls.ErrAlreadyHandled) || errors.Is(err, calls.ErrNotFound) {
			n.settle(id)
			n.deps.Metrics.Announcement("lost")
			return calls.ErrAlreadyHandled
		}
		n.log.Warn("bridge failed, re-offering call", "announcement_id", id, "err", err)
		n.reoffer(a)
		n.notifyBridge()
		n.deps.Metrics.Announcement("bridge_failed")
		return fmt.Errorf("%w: bridging leg %s: %w", calls.ErrBridgeFailure, a.ExternalLegID, err)
	}

	// the back-end answered the row before bridging
	answered := a
	answered.Status = calls.AnnouncementAnswered
	answered.HandledBy = n.operatorID
	n.settle(id)
	n.deps.Metrics.Announcement("answered")
	n.log.Info("inbound call answered", "announcement_id", id, "leg_id", a.ExternalLegID)

	if n.deps.OnAccepted != nil {
		n.deps.OnAccepted(ctx, answered)
	}
	return nil
}

// Reject declines a ringing call.
func (n *Announcer) Reject(ctx context.Context, id string) error {
	if _, err := n.claim(id); err != nil {
		return err
	}
	n.deps.Display.StopAlert(id)
	n.deps.Display.Hide(id)

	_, won, err := n.deps.Store.Transition(ctx, id, calls.AnnouncementRinging, calls.AnnouncementRejected, n.operatorID)
	n.settle(id)
	if err != nil {
		return fmt.Errorf("inbound: rejecting %s: %w", id, err)
	}
	if !won {
		return calls.ErrAlreadyHandled
	}
	n.deps.Metrics.Announcement("rejected")
	return nil
}

func (n *Announcer) reoffer(a calls.Announcement) {
	n.mu.Lock()
	o, ok := n.offers[a.ID]
	deciding := ok && o.state == offerDeciding
	if deciding {
		o.state = offerShown
	}
	n.mu.Unlock()
	if !deciding {
		// settled or already re-offered by the feed while we were bridging
		return
	}
	n.deps.Display.Show(a)
	n.deps.Display.StartAlert(a.ID)
}

func (n *Announcer) notifyBridge() {
	n.deps.Notices.Notify(notice.Notice{
		Kind:    notice.KindError,
		Cause:   CauseBridge,
		Message: "Could not connect the call. It is still ringing, try again.",
	})
}
