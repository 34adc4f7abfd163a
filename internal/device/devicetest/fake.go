// Package devicetest provides in-memory connectors for exercising device
// sessions without a telephony SDK.
package devicetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crm-voice/internal/device"
)

// StaticTokens hands out numbered credentials for one identity.
type StaticTokens struct {
	Identity string
	Err      error

	mu    sync.Mutex
	calls int
}

func (s *StaticTokens) VoiceToken(ctx context.Context) (device.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		return device.Credential{}, s.Err
	}
	return device.Credential{
		Token:     fmt.Sprintf("token-%d", s.calls),
		Identity:  s.Identity,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

// Calls returns how many tokens were requested.
func (s *StaticTokens) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Connector is a scriptable device.Connector.
type Connector struct {
	Events device.ConnectorEvents

	// RegisterErr fails every Register call when set.
	RegisterErr error
	// ConnectErr fails every Connect call when set.
	ConnectErr error
	// OnConnect, when set, runs after the listener is attached and before
	// Connect returns, which is where a real SDK may already fire events.
	OnConnect func(leg *Leg)

	mu         sync.Mutex
	registered []device.Credential
	destroyed  int
	legs       []*Leg
	nextSID    int
}

func (c *Connector) Register(ctx context.Context, cred device.Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RegisterErr != nil {
		return c.RegisterErr
	}
	c.registered = append(c.registered, cred)
	return nil
}

func (c *Connector) Unregister(ctx context.Context) error { return nil }

func (c *Connector) Destroy() {
	c.mu.Lock()
	c.destroyed++
	c.mu.Unlock()
}

func (c *Connector) Connect(ctx context.Context, p device.ConnectParams) (device.Leg, error) {
	c.mu.Lock()
	if c.ConnectErr != nil {
		err := c.ConnectErr
		c.mu.Unlock()
		return nil, err
	}
	c.nextSID++
	leg := NewLeg(fmt.Sprintf("CA%04d", c.nextSID), p.To)
	leg.listen(p.OnEvent)
	c.legs = append(c.legs, leg)
	hook := c.OnConnect
	c.mu.Unlock()

	if hook != nil {
		hook(leg)
	}
	return leg, nil
}

// Ring delivers an inbound leg as the SDK would.
func (c *Connector) Ring(leg *Leg) {
	if c.Events.Incoming != nil {
		c.Events.Incoming(leg)
	}
}

// Fail raises a connector-level error.
func (c *Connector) Fail(code int, msg string) {
	if c.Events.Error != nil {
		c.Events.Error(device.ConnectorError{Code: code, Message: msg})
	}
}

func (c *Connector) Registrations() []device.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]device.Credential, len(c.registered))
	copy(out, c.registered)
	return out
}

func (c *Connector) Destroyed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *Connector) Legs() []*Leg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Leg, len(c.legs))
	copy(out, c.legs)
	return out
}

// Factory records every connector it builds.
type Factory struct {
	// Configure adjusts each new connector before it is returned.
	Configure func(*Connector)
	Err       error

	mu    sync.Mutex
	built []*Connector
}

func (f *Factory) New(events device.ConnectorEvents) (device.Connector, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Connector{Events: events}
	if f.Configure != nil {
		f.Configure(c)
	}
	f.mu.Lock()
	f.built = append(f.built, c)
	f.mu.Unlock()
	return c, nil
}

// Last returns the most recently built connector, or nil.
func (f *Factory) Last() *Connector {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

func (f *Factory) Built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

var ErrLegClosed = errors.New("devicetest: leg closed")

// Leg is a scriptable device.Leg.
type Leg struct {
	sid    string
	remote string

	AcceptErr error

	mu       sync.Mutex
	listener func(device.LegEvent)
	accepted bool
	rejected bool
	closed   bool
}

func NewLeg(sid, remote string) *Leg {
	return &Leg{sid: sid, remote: remote}
}

func (l *Leg) SID() string    { return l.sid }
func (l *Leg) Remote() string { return l.remote }

func (l *Leg) Listen(fn func(device.LegEvent)) { l.listen(fn) }

func (l *Leg) listen(fn func(device.LegEvent)) {
	l.mu.Lock()
	l.listener = fn
	l.mu.Unlock()
}

func (l *Leg) Accept() error {
	l.mu.Lock()
	if l.AcceptErr != nil {
		l.mu.Unlock()
		return l.AcceptErr
	}
	l.accepted = true
	l.mu.Unlock()
	l.Emit(device.LegAccepted)
	return nil
}

func (l *Leg) Reject() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLegClosed
	}
	l.rejected = true
	l.closed = true
	l.mu.Unlock()
	l.Emit(device.LegRejected)
	return nil
}

func (l *Leg) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.Emit(device.LegDisconnected)
	return nil
}

// Emit fires an event at the attached listener.
func (l *Leg) Emit(kind device.LegEventKind) {
	l.mu.Lock()
	fn := l.listener
	l.mu.Unlock()
	if fn != nil {
		fn(device.LegEvent{Kind: kind, SID: l.sid})
	}
}

func (l *Leg) Accepted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accepted
}

func (l *Leg) Rejected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejected
}
