package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: no Update/Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information. Callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.WorkspaceID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// CallSaved records the operator's disposition of a call.
func (s *Service) CallSaved(ctx context.Context, workspaceID, actorUserID, callID, disposition string) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeCallSaved,
		ActorUserID: actorUserID,
		CallID:      callID,
		Message:     fmt.Sprintf("call saved as %s", disposition),
		Metadata:    metadata(map[string]string{"disposition": disposition}),
	})
}

// CallTransferred records a missed-call follow-up being reassigned.
func (s *Service) CallTransferred(ctx context.Context, workspaceID, actorUserID, callID, fromOperator, toOperator string) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeCallTransferred,
		ActorUserID: actorUserID,
		CallID:      callID,
		Message:     fmt.Sprintf("call transferred to %s", toOperator),
		Metadata:    metadata(map[string]string{"from": fromOperator, "to": toOperator}),
	})
}

func metadata(m map[string]string) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
