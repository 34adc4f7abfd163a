package device

import (
	"log/slog"
	"sync"

	"crm-voice/internal/calls"
)

const legEventBuffer = 16

// Call is the session's handle on one live leg. Its listener is attached
// before the handle is returned; events are buffered until the owner reads
// them, and Events is closed after the terminal event.
type Call struct {
	leg       Leg
	direction calls.Direction
	remote    string
	log       *slog.Logger

	onAccepted func()
	onRelease  func(*Call)

	mu     sync.Mutex
	sid    string
	ended  bool
	events chan LegEvent
}

func newCall(direction calls.Direction, remote string, log *slog.Logger) *Call {
	return &Call{
		direction: direction,
		remote:    remote,
		log:       log,
		events:    make(chan LegEvent, legEventBuffer),
	}
}

func (c *Call) Events() <-chan LegEvent { return c.events }

func (c *Call) Direction() calls.Direction { return c.direction }

func (c *Call) Remote() string { return c.remote }

// SID returns the latest known provider leg id.
func (c *Call) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sid == "" && c.leg != nil {
		c.sid = c.leg.SID()
	}
	return c.sid
}

// Hangup disconnects the leg. The terminal event still arrives through Events.
func (c *Call) Hangup() error {
	c.mu.Lock()
	leg := c.leg
	c.mu.Unlock()
	if leg == nil {
		return nil
	}
	return leg.Disconnect()
}

func (c *Call) setLeg(leg Leg) {
	c.mu.Lock()
	c.leg = leg
	c.mu.Unlock()
}

// Ended reports whether the terminal event was seen.
func (c *Call) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Call) handle(ev LegEvent) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	if ev.SID != "" {
		c.sid = ev.SID
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("leg event dropped, consumer not reading", "kind", ev.Kind)
	}
	terminal := ev.Terminal()
	if terminal {
		c.ended = true
		close(c.events)
	}
	c.mu.Unlock()

	if ev.Kind == LegAccepted && c.onAccepted != nil {
		c.onAccepted()
	}
	if terminal && c.onRelease != nil {
		c.onRelease(c)
	}
}
