// Package device owns the operator's single telephony SDK connection.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/metrics"
	"crm-voice/internal/notice"
	"crm-voice/pkg/logger"
)

type State string

const (
	StateIdle        State = "idle"
	StateRegistering State = "registering"
	StateReady       State = "ready"
	// StateBroken is entered after ErrorCap consecutive errors. Only an
	// explicit Initialize leaves it.
	StateBroken    State = "broken"
	StateDestroyed State = "destroyed"
)

var ErrIncomingHandlerTaken = errors.New("device: incoming handler already registered")

// Notice causes raised by the session.
const (
	CauseAuth     = "device:auth"
	CauseRegister = "device:register"
	CauseBroken   = "device:broken"
)

// Config tunes error handling. Zero values take defaults.
type Config struct {
	// ErrorCap consecutive errors hard-reset the connection.
	ErrorCap int
	// ErrorWindow: errors further apart than this are not consecutive.
	ErrorWindow time.Duration
	// RegisterTimeout bounds token fetch plus registration on re-registration.
	RegisterTimeout time.Duration
	// NoticeWindow: a cause is shown at most once per window.
	NoticeWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.ErrorCap <= 0 {
		c.ErrorCap = 3
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = time.Minute
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 15 * time.Second
	}
	if c.NoticeWindow <= 0 {
		c.NoticeWindow = 10 * time.Second
	}
	return c
}

// Session is the process-wide device connection for one operator session.
// Create one per authenticated session and inject it where calls are placed
// or received.
type Session struct {
	tokens  TokenSource
	factory Factory
	cfg     Config
	notices *notice.Deduper
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu              sync.Mutex
	state           State
	conn            Connector
	gen             int
	incoming        func(*Call)
	active          map[*Call]struct{}
	teardownPending bool
	errCount        int
	lastErr         time.Time
}

// NewSession builds an idle session. Its notices are collapsed per cause
// within cfg.NoticeWindow, so an error burst reaches notices once.
func NewSession(tokens TokenSource, factory Factory, cfg Config, notices notice.Notifier, log *slog.Logger, m *metrics.Metrics) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		tokens:  tokens,
		factory: factory,
		cfg:     cfg,
		notices: notice.NewDeduper(notices, cfg.NoticeWindow),
		log:     logger.Component(log, "device"),
		metrics: m,
		now:     time.Now,
		state:   StateIdle,
		active:  map[*Call]struct{}{},
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Ready() bool { return s.State() == StateReady }

// Initialize fetches a voice token, builds the connector and registers it.
// Calling it on a ready session is a no-op.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateRegistering:
		s.mu.Unlock()
		return fmt.Errorf("%w: registration already in progress", calls.ErrDeviceError)
	}
	s.gen++
	gen := s.gen
	s.state = StateRegistering
	s.teardownPending = false
	s.errCount = 0
	s.mu.Unlock()

	cred, err := s.tokens.VoiceToken(ctx)
	if err != nil {
		s.setState(gen, StateIdle)
		s.metrics.DeviceError("auth")
		s.notices.Notify(notice.Notice{
			Kind:    notice.KindError,
			Cause:   CauseAuth,
			Message: "Could not get phone credentials. Check your voice settings and try again.",
			Action:  notice.SettingsVoice,
		})
		return fmt.Errorf("%w: fetching voice token: %w", calls.ErrAuthFailure, err)
	}

	conn, err := s.factory(s.eventsFor(gen))
	if err != nil {
		s.setState(gen, StateIdle)
		s.metrics.DeviceError("connect")
		s.notifyRegister()
		return fmt.Errorf("%w: building connector: %w", calls.ErrDeviceError, err)
	}
	if err := conn.Register(ctx, cred); err != nil {
		conn.Destroy()
		s.setState(gen, StateIdle)
		s.metrics.DeviceError("register")
		s.notifyRegister()
		return fmt.Errorf("%w: registering %s: %w", calls.ErrDeviceError, cred.Identity, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		conn.Destroy()
		return fmt.Errorf("%w: session torn down during registration", calls.ErrDeviceError)
	}
	s.conn = conn
	s.state = StateReady
	s.mu.Unlock()

	// a later failure is a new burst
	s.notices.ResetAll()
	s.log.Info("device registered", "identity", cred.Identity)
	return nil
}

// Originate places an outbound call. It fails fast with ErrNotReady instead
// of queueing when the session is not registered.
func (s *Session) Originate(ctx context.Context, to string) (*Call, error) {
	s.mu.Lock()
	if s.state != StateReady || s.conn == nil {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: device is %s", calls.ErrNotReady, state)
	}
	conn := s.conn
	s.mu.Unlock()

	call := s.newTrackedCall(calls.DirectionOutbound, to)
	s.track(call)
	leg, err := conn.Connect(ctx, ConnectParams{To: to, OnEvent: call.handle})
	if err != nil {
		s.untrack(call)
		s.metrics.DeviceError("connect")
		return nil, fmt.Errorf("%w: dialing %s: %w", calls.ErrDeviceError, to, err)
	}
	call.setLeg(leg)
	return call, nil
}

// OnIncoming registers the single inbound handler. Passing nil clears it.
func (s *Session) OnIncoming(handler func(*Call)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handler != nil && s.incoming != nil {
		return ErrIncomingHandlerTaken
	}
	s.incoming = handler
	return nil
}

// Teardown unregisters and destroys the connection. While a call is active
// the destruction is deferred until that call ends.
func (s *Session) Teardown(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	if len(s.active) > 0 {
		s.teardownPending = true
		s.mu.Unlock()
		s.log.Info("teardown deferred until active call ends")
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDestroyed
	s.teardownPending = false
	s.gen++
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Unregister(ctx); err != nil {
		s.log.Warn("unregister failed", "err", err)
	}
	conn.Destroy()
	s.log.Info("device destroyed")
}

// ActiveCalls returns how many legs are live.
func (s *Session) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Session) eventsFor(gen int) ConnectorEvents {
	return ConnectorEvents{
		Error:    func(e ConnectorError) { s.handleError(gen, e) },
		Incoming: func(leg Leg) { s.handleIncoming(gen, leg) },
	}
}

func (s *Session) handleIncoming(gen int, leg Leg) {
	s.mu.Lock()
	handler := s.incoming
	ok := gen == s.gen && s.state == StateReady && handler != nil
	s.mu.Unlock()
	if !ok {
		if err := leg.Reject(); err != nil {
			s.log.Warn("reject unhandled inbound leg", "err", err)
		}
		return
	}

	call := s.newTrackedCall(calls.DirectionInbound, leg.Remote())
	call.setLeg(leg)
	s.track(call)
	leg.Listen(call.handle)
	if err := leg.Accept(); err != nil {
		s.log.Warn("auto-accept inbound leg failed", "sid", leg.SID(), "err", err)
		call.handle(LegEvent{Kind: LegRejected, Err: err})
		return
	}
	handler(call)
}

func (s *Session) handleError(gen int, e ConnectorError) {
	now := s.now()

	s.mu.Lock()
	if gen != s.gen || s.state == StateBroken || s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	if !s.lastErr.IsZero() && now.Sub(s.lastErr) > s.cfg.ErrorWindow {
		s.errCount = 0
	}
	s.errCount++
	s.lastErr = now
	count := s.errCount
	conn := s.conn

	if count >= s.cfg.ErrorCap {
		s.state = StateBroken
		s.conn = nil
		s.gen++
		s.mu.Unlock()

		if conn != nil {
			conn.Destroy()
		}
		s.metrics.DeviceError("transport")
		s.metrics.DeviceReset()
		s.log.Error("device hard reset after consecutive errors", "count", count, "last_code", e.Code, "last_err", e.Message)
		s.notices.Notify(notice.Notice{
			Kind:    notice.KindError,
			Cause:   CauseBroken,
			Message: "Phone connection lost. Reconnect from your voice settings.",
			Action:  notice.SettingsVoice,
		})
		return
	}
	s.state = StateRegistering
	s.mu.Unlock()

	s.metrics.DeviceError("transport")
	s.log.Warn("device error, re-registering", "code", e.Code, "err", e.Message, "count", count)
	s.notices.Notify(notice.Notice{
		Kind:    notice.KindWarning,
		Cause:   fmt.Sprintf("device:%d", e.Code),
		Message: "Phone connection interrupted. Reconnecting.",
	})
	if conn != nil {
		go s.reregister(gen, conn)
	}
}

func (s *Session) reregister(gen int, conn Connector) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RegisterTimeout)
	defer cancel()

	cred, err := s.tokens.VoiceToken(ctx)
	if err != nil {
		s.handleError(gen, ConnectorError{Code: codeTokenRefresh, Message: err.Error()})
		return
	}
	if err := conn.Register(ctx, cred); err != nil {
		s.handleError(gen, ConnectorError{Code: codeRegister, Message: err.Error()})
		return
	}
	s.mu.Lock()
	if s.gen == gen && s.state == StateRegistering {
		s.state = StateReady
	}
	s.mu.Unlock()
}

// Local codes for failures of the session's own recovery steps.
const (
	codeTokenRefresh = -1
	codeRegister     = -2
)

func (s *Session) newTrackedCall(direction calls.Direction, remote string) *Call {
	c := newCall(direction, remote, s.log)
	c.onAccepted = s.resetErrors
	c.onRelease = s.release
	return c
}

func (s *Session) track(c *Call) {
	s.mu.Lock()
	s.active[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) untrack(c *Call) {
	s.mu.Lock()
	delete(s.active, c)
	s.mu.Unlock()
}

func (s *Session) resetErrors() {
	s.mu.Lock()
	s.errCount = 0
	s.lastErr = time.Time{}
	s.mu.Unlock()
}

func (s *Session) release(c *Call) {
	s.mu.Lock()
	delete(s.active, c)
	pending := s.teardownPending && len(s.active) == 0
	s.mu.Unlock()

	if pending {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RegisterTimeout)
		defer cancel()
		s.Teardown(ctx)
	}
}

func (s *Session) setState(gen int, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.state = st
	}
}

func (s *Session) notifyRegister() {
	s.notices.Notify(notice.Notice{
		Kind:    notice.KindError,
		Cause:   CauseRegister,
		Message: "Could not register the phone. Try again in a moment.",
	})
}
