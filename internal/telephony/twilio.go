package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"crm-voice/internal/calls"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Twilio error 21220: the call is no longer in progress and cannot be redirected.
const twilioCallNotInProgress = 21220

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// Region and Edge pin REST traffic, e.g. "ie1" and "dublin".
	Region   string
	Edge     string
	Greeting string
}

// CallAPI is the part of the Twilio REST API the adapter uses.
// *openapi.ApiService satisfies it.
type CallAPI interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	FetchAccount(sid string) (*openapi.ApiV2010Account, error)
}

// TwilioProvider implements Provider on the Twilio SDK. Inbound calls become
// ringing announcements; accepted calls are redirected onto the operator's
// client.
type TwilioProvider struct {
	cfg           TwilioConfig
	api           CallAPI
	announcements calls.AnnouncementStore
}

func NewTwilioProvider(cfg TwilioConfig, announcements calls.AnnouncementStore) *TwilioProvider {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	if cfg.Region != "" {
		rc.SetRegion(cfg.Region)
	}
	if cfg.Edge != "" {
		rc.SetEdge(cfg.Edge)
	}
	return newTwilioProvider(cfg, rc.Api, announcements)
}

func newTwilioProvider(cfg TwilioConfig, api CallAPI, announcements calls.AnnouncementStore) *TwilioProvider {
	if cfg.Greeting == "" {
		cfg.Greeting = "Please hold while we connect you."
	}
	return &TwilioProvider{cfg: cfg, api: api, announcements: announcements}
}

func (p *TwilioProvider) Name() string { return "twilio" }

// HealthCheck fetches the account. The SDK call is not cancellable, so ctx
// is only checked up front.
func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.api.FetchAccount(p.cfg.AccountSID); err != nil {
		return fmt.Errorf("telephony: twilio account: %w", err)
	}
	return nil
}

func (p *TwilioProvider) HandleInboundCall(ctx context.Context, req InboundCallRequest) (InboundCallResult, error) {
	if req.WorkspaceID == "" || req.ProviderCallID == "" {
		return InboundCallResult{}, ErrInvalid
	}
	if p.announcements == nil {
		return InboundCallResult{}, errors.New("telephony: announcement store not configured")
	}
	a, err := p.announcements.Create(ctx, calls.Announcement{
		WorkspaceID:   req.WorkspaceID,
		ExternalLegID: req.ProviderCallID,
		CallerNumber:  req.From,
		CalleeNumber:  req.To,
	})
	if err != nil {
		return InboundCallResult{}, fmt.Errorf("telephony: recording ringing call %s: %w", req.ProviderCallID, err)
	}
	return InboundCallResult{
		WorkspaceID:    req.WorkspaceID,
		AnnouncementID: a.ID,
		Action:         InboundCallActionHold,
		Greeting:       p.cfg.Greeting,
	}, nil
}

// BridgeToClient replaces the held call's TwiML with a dial to the client.
func (p *TwilioProvider) BridgeToClient(ctx context.Context, req BridgeRequest) error {
	if req.ProviderCallID == "" || req.Identity == "" {
		return ErrInvalid
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	twiml, err := RenderTwiML(InboundCallResult{Action: InboundCallActionConnectClient, ConnectTo: req.Identity})
	if err != nil {
		return err
	}

	params := &openapi.UpdateCallParams{}
	params.SetTwiml(twiml)
	if p.cfg.AccountSID != "" {
		params.SetPathAccountSid(p.cfg.AccountSID)
	}
	if _, err := p.api.UpdateCall(req.ProviderCallID, params); err != nil {
		var rerr *twclient.TwilioRestError
		if errors.As(err, &rerr) && (rerr.Status == http.StatusNotFound || rerr.Code == twilioCallNotInProgress) {
			return fmt.Errorf("telephony: call %s: %w", req.ProviderCallID, ErrLegGone)
		}
		return fmt.Errorf("telephony: redirecting call %s: %w", req.ProviderCallID, err)
	}
	return nil
}
