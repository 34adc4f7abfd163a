package telephony

import (
	"context"
	"errors"
	"time"
)

// Provider is the carrier boundary used by the voice back-end.
//
// Rules:
// - No carrier API calls outside telephony adapters.
// - Inbound requests are workspace-scoped (workspace_id required).
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// HandleInboundCall registers a ringing call and tells the carrier what to
	// do with the caller while operators decide.
	HandleInboundCall(ctx context.Context, req InboundCallRequest) (InboundCallResult, error)

	// BridgeToClient moves a live provider leg onto an operator's client
	// identity.
	BridgeToClient(ctx context.Context, req BridgeRequest) error
}

var (
	// ErrLegGone is returned when the provider leg ended before it could be bridged.
	ErrLegGone = errors.New("telephony: provider leg no longer active")
	ErrInvalid = errors.New("telephony: invalid request")
)

// InboundCallRequest represents an inbound call event received from a provider.
type InboundCallRequest struct {
	WorkspaceID string `json:"workspace_id"`

	// ProviderCallID is the provider's identifier for the caller's leg.
	ProviderCallID string `json:"provider_call_id"`

	// From and To are E.164 where possible.
	From string `json:"from"`
	To   string `json:"to"`

	OccurredAt time.Time `json:"occurred_at"`

	// RawPayload is optional for debugging; stored as a JSON string.
	RawPayload string `json:"raw_payload,omitempty"`
}

// InboundCallResult drives the TwiML answer to the carrier.
type InboundCallResult struct {
	WorkspaceID    string `json:"workspace_id"`
	AnnouncementID string `json:"announcement_id,omitempty"`

	Action InboundCallAction `json:"action"`

	// Greeting is spoken before hold when Action == "hold".
	Greeting string `json:"greeting,omitempty"`
	// ConnectTo is the client identity when Action == "connect_client".
	ConnectTo string `json:"connect_to,omitempty"`
}

type InboundCallAction string

const (
	InboundCallActionReject        InboundCallAction = "reject"
	InboundCallActionHangup        InboundCallAction = "hangup"
	InboundCallActionHold          InboundCallAction = "hold"
	InboundCallActionConnectClient InboundCallAction = "connect_client"
)

// BridgeRequest asks the provider to connect ProviderCallID to Identity.
type BridgeRequest struct {
	ProviderCallID string
	Identity       string
}
