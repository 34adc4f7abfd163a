package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"crm-voice/internal/calls"
	"crm-voice/internal/callsession"
	"crm-voice/internal/device"
	"crm-voice/internal/feed"
	"crm-voice/internal/inbound"
	"crm-voice/internal/metrics"
	"crm-voice/internal/notice"
	"crm-voice/internal/voiceapi"
	"crm-voice/pkg/logger"
)

// VoiceAPI is the part of voiceapi.Client an operator uses.
type VoiceAPI interface {
	device.TokenSource
	inbound.Bridger
	Settings(ctx context.Context) (voiceapi.Settings, error)
}

var _ VoiceAPI = (*voiceapi.Client)(nil)

// OperatorConfig identifies the signed-in operator.
type OperatorConfig struct {
	WorkspaceID string
	OperatorID  string
	Device      device.Config
}

// OperatorDeps are the collaborators of one operator session. API, Factory,
// Feed, Records, Announcements and Display are required.
type OperatorDeps struct {
	API           VoiceAPI
	Factory       device.Factory
	Feed          feed.Source
	Records       calls.RecordStore
	Announcements calls.AnnouncementStore
	Display       inbound.Display
	Contacts      Contacts
	Notices       notice.Notifier
	Notifications callsession.Notifications
	Tickets       callsession.TicketCreator
	Audit         callsession.Auditor
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Operator is the client side of one authenticated session: the device
// connection, the dialer that turns legs into call sessions, and the
// announcer offering ringing inbound calls.
type Operator struct {
	Device    *device.Session
	Dialer    *Dialer
	Announcer *inbound.Announcer

	log    *slog.Logger
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOperator assembles an operator session. The workspace recording policy
// is read once from the voice API; when it cannot be read the resolver keeps
// its defaults.
func NewOperator(ctx context.Context, cfg OperatorConfig, deps OperatorDeps) (*Operator, error) {
	if cfg.OperatorID == "" || cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("dialer: operator and workspace are required: %w", calls.ErrInvalidArgument)
	}
	if deps.API == nil || deps.Factory == nil || deps.Feed == nil || deps.Records == nil || deps.Announcements == nil || deps.Display == nil {
		return nil, fmt.Errorf("dialer: incomplete operator deps: %w", calls.ErrInvalidArgument)
	}
	log := logger.Component(deps.Logger, "operator").With("operator_id", cfg.OperatorID)

	settings, err := deps.API.Settings(ctx)
	if err != nil {
		log.Warn("voice settings unavailable, using defaults", "err", err)
		settings = voiceapi.Settings{}
	}

	changes := feed.NewSubscriber(deps.Feed, deps.Logger)
	session := device.NewSession(deps.API, deps.Factory, cfg.Device, deps.Notices, deps.Logger, deps.Metrics)

	d := New(session, deps.Contacts, callsession.Config{
		WorkspaceID: cfg.WorkspaceID,
		OperatorID:  cfg.OperatorID,
		GraceDelay:  settings.GraceDelay(),
		Recording:   settings.RecordingConfig(),
	}, callsession.Deps{
		Store:         deps.Records,
		Changes:       changes,
		Notifications: deps.Notifications,
		Tickets:       deps.Tickets,
		Audit:         deps.Audit,
		Notices:       deps.Notices,
		Metrics:       deps.Metrics,
		Logger:        deps.Logger,
	})

	ann := inbound.New(cfg.OperatorID, inbound.Deps{
		Store:      deps.Announcements,
		Feed:       changes,
		Bridge:     deps.API,
		Display:    deps.Display,
		Notices:    deps.Notices,
		Metrics:    deps.Metrics,
		Logger:     deps.Logger,
		OnAccepted: d.Accepted,
	})

	return &Operator{Device: session, Dialer: d, Announcer: ann, log: log}, nil
}

// Start registers the device, takes the inbound handler and starts following
// announcements. The announcer stops when Close is called.
func (o *Operator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done != nil {
		return errors.New("dialer: operator already started")
	}
	if err := o.Device.Initialize(ctx); err != nil {
		return err
	}
	if err := o.Dialer.Listen(); err != nil {
		return fmt.Errorf("dialer: taking inbound handler: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.done = make(chan struct{})
	go func() {
		defer close(o.done)
		if err := o.Announcer.Run(runCtx); err != nil {
			o.log.Error("announcer stopped", "err", err)
		}
	}()
	o.log.Info("operator session started")
	return nil
}

// Close stops the announcer and tears the device down. Teardown waits for an
// active call to end.
func (o *Operator) Close(ctx context.Context) {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	_ = o.Device.OnIncoming(nil)
	o.Device.Teardown(ctx)
}
