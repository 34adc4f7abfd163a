// Package dialer decides which number to call, matches it to a contact and
// starts a call session for it. Inbound legs delivered by the device are
// paired with the announcement the operator accepted.
package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/callsession"
	"crm-voice/internal/device"
	"crm-voice/pkg/logger"
)

// Device is the part of device.Session the dialer drives.
type Device interface {
	Originate(ctx context.Context, to string) (*device.Call, error)
	OnIncoming(handler func(*device.Call)) error
}

// acceptedTTL bounds how long an accepted announcement waits for its SDK leg.
const acceptedTTL = 2 * time.Minute

// The provider may deliver the bridged leg before the announcer reports the
// acceptance, so an unpaired inbound leg waits this long for one.
const defaultPairWait = 3 * time.Second

type Dialer struct {
	device   Device
	contacts Contacts
	cfg      callsession.Config
	deps     callsession.Deps
	log      *slog.Logger
	now      func() time.Time
	pairWait time.Duration

	// OnCall receives each controller started for an inbound leg.
	OnCall func(*callsession.Controller)

	mu       sync.Mutex
	accepted []acceptedCall
	queued   chan struct{}
}

type acceptedCall struct {
	a  calls.Announcement
	at time.Time
}

func New(dev Device, contacts Contacts, cfg callsession.Config, deps callsession.Deps) *Dialer {
	return &Dialer{
		device:   dev,
		contacts: contacts,
		cfg:      cfg,
		deps:     deps,
		log:      logger.Component(deps.Logger, "dialer"),
		now:      time.Now,
		pairWait: defaultPairWait,
		queued:   make(chan struct{}, 1),
	}
}

// NormalizeNumber strips formatting and keeps a leading '+'. It accepts 7 to
// 15 digits.
func NormalizeNumber(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("dialer: invalid character %q in %q: %w", r, raw, calls.ErrInvalidArgument)
		}
	}
	n := b.String()
	digits := len(strings.TrimPrefix(n, "+"))
	if digits < 7 || digits > 15 {
		return "", fmt.Errorf("dialer: %q is not a phone number: %w", raw, calls.ErrInvalidArgument)
	}
	return n, nil
}

// Dial places an outbound call and returns its running controller.
func (d *Dialer) Dial(ctx context.Context, raw string) (*callsession.Controller, error) {
	number, err := NormalizeNumber(raw)
	if err != nil {
		return nil, err
	}
	contactID := d.lookup(ctx, number)

	call, err := d.device.Originate(ctx, number)
	if err != nil {
		return nil, err
	}
	ctrl := callsession.New(d.cfg, d.deps)
	if _, err := ctrl.Start(ctx, callsession.StartParams{
		Direction:     calls.DirectionOutbound,
		Number:        number,
		ContactID:     contactID,
		ExternalLegID: call.SID(),
	}); err != nil {
		_ = call.Hangup()
		ctrl.Close()
		return nil, err
	}
	ctrl.Follow(call)
	return ctrl, nil
}

// Listen registers the dialer as the device's inbound handler.
func (d *Dialer) Listen() error {
	return d.device.OnIncoming(d.incoming)
}

// Accepted queues an answered announcement for the next inbound leg. It has
// the signature of the announcer's OnAccepted hook.
func (d *Dialer) Accepted(ctx context.Context, a calls.Announcement) {
	d.mu.Lock()
	d.accepted = append(d.accepted, acceptedCall{a: a, at: d.now()})
	d.mu.Unlock()
	select {
	case d.queued <- struct{}{}:
	default:
	}
}

// waitAccepted returns the next accepted announcement, waiting up to
// pairWait for one to be queued.
func (d *Dialer) waitAccepted() (calls.Announcement, bool) {
	if a, ok := d.nextAccepted(); ok {
		return a, true
	}
	timeout := time.NewTimer(d.pairWait)
	defer timeout.Stop()
	for {
		select {
		case <-d.queued:
			if a, ok := d.nextAccepted(); ok {
				return a, true
			}
		case <-timeout.C:
			return d.nextAccepted()
		}
	}
}

func (d *Dialer) nextAccepted() (calls.Announcement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for len(d.accepted) > 0 {
		next := d.accepted[0]
		d.accepted = d.accepted[1:]
		if now.Sub(next.at) <= acceptedTTL {
			return next.a, true
		}
		d.log.Warn("dropping stale accepted call", "announcement_id", next.a.ID)
	}
	return calls.Announcement{}, false
}

func (d *Dialer) incoming(call *device.Call) {
	go d.startInbound(call)
}

func (d *Dialer) startInbound(call *device.Call) {
	ctx := context.Background()
	number, legID := call.Remote(), call.SID()
	if a, ok := d.waitAccepted(); ok {
		// the provider leg, not the client leg, carries the recording
		number, legID = a.CallerNumber, a.ExternalLegID
	}
	if n, err := NormalizeNumber(number); err == nil {
		number = n
	}

	ctrl := callsession.New(d.cfg, d.deps)
	if _, err := ctrl.Start(ctx, callsession.StartParams{
		Direction:     calls.DirectionInbound,
		Number:        number,
		ContactID:     d.lookup(ctx, number),
		ExternalLegID: legID,
	}); err != nil {
		d.log.Error("starting inbound call session failed", "number", number, "err", err)
		ctrl.Close()
		return
	}
	ctrl.Follow(call)
	if d.OnCall != nil {
		d.OnCall(ctrl)
	}
}

func (d *Dialer) lookup(ctx context.Context, number string) string {
	if d.contacts == nil {
		return ""
	}
	c, ok, err := d.contacts.FindByPhone(ctx, d.cfg.WorkspaceID, number)
	if err != nil {
		d.log.Warn("contact lookup failed", "number", number, "err", err)
		return ""
	}
	if !ok {
		return ""
	}
	return c.ID
}
