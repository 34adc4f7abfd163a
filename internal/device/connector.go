package device

import (
	"context"
	"fmt"
	"time"
)

// Credential is a short-lived voice token. It is fetched for every
// registration and never cached beyond it.
type Credential struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenSource fetches voice credentials from the token endpoint.
type TokenSource interface {
	VoiceToken(ctx context.Context) (Credential, error)
}

// Connector is the telephony SDK connection for one operator endpoint.
type Connector interface {
	Register(ctx context.Context, cred Credential) error
	Unregister(ctx context.Context) error
	// Destroy releases the connection. It must be safe to call more than once.
	Destroy()
	// Connect dials out. The SDK attaches params.OnEvent before placing the
	// call, so no leg event is lost.
	Connect(ctx context.Context, params ConnectParams) (Leg, error)
}

type ConnectParams struct {
	To      string
	Params  map[string]string
	OnEvent func(LegEvent)
}

// ConnectorEvents are the connection-level callbacks fired by the SDK.
type ConnectorEvents struct {
	Error    func(ConnectorError)
	Incoming func(Leg)
}

// Factory builds an unregistered connector wired to events.
type Factory func(events ConnectorEvents) (Connector, error)

// ConnectorError is an SDK transport or registration error.
type ConnectorError struct {
	Code    int
	Message string
}

func (e ConnectorError) Error() string {
	return fmt.Sprintf("connector error %d: %s", e.Code, e.Message)
}

// Leg is one SDK call leg.
type Leg interface {
	// SID is the provider leg id. It may be empty until the provider assigns it.
	SID() string
	// Remote is the far-end number.
	Remote() string
	Accept() error
	Reject() error
	Disconnect() error
	// Listen attaches the single lifecycle listener for an inbound leg.
	Listen(fn func(LegEvent))
}

type LegEventKind string

const (
	LegAccepted     LegEventKind = "accepted"
	LegDisconnected LegEventKind = "disconnected"
	LegCanceled     LegEventKind = "canceled"
	LegRejected     LegEventKind = "rejected"
	LegError        LegEventKind = "error"
)

type LegEvent struct {
	Kind LegEventKind
	SID  string
	Err  error
}

// Terminal reports whether the leg is gone after this event.
func (e LegEvent) Terminal() bool {
	switch e.Kind {
	case LegDisconnected, LegCanceled, LegRejected:
		return true
	default:
		return false
	}
}
