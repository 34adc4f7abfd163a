// Package tickets creates follow-up tickets from saved calls. Ticket creation
// is a write independent of the call record; its failure never touches the call.
package tickets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crm-voice/internal/calls"

	"github.com/go-playground/validator/v10"
)

type Repository interface {
	Insert(ctx context.Context, t Ticket) (Ticket, error)
}

type Service struct {
	repo     Repository
	validate *validator.Validate
	clock    func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:     repo,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    time.Now,
	}
}

// CreateForCall validates f and stores a ticket linked to rec.
func (s *Service) CreateForCall(ctx context.Context, rec calls.CallRecord, f Fields, createdBy string) (Ticket, error) {
	f.Title = strings.TrimSpace(f.Title)
	if err := s.validate.Struct(f); err != nil {
		return Ticket{}, fmt.Errorf("%w: %w", ErrInvalidFields, err)
	}
	if f.Priority == "" {
		f.Priority = PriorityNormal
	}
	t := Ticket{
		WorkspaceID: rec.WorkspaceID,
		CallID:      rec.ID,
		ContactID:   rec.ContactID,
		Title:       f.Title,
		Description: f.Description,
		Priority:    f.Priority,
		CreatedBy:   createdBy,
		CreatedAt:   s.clock().UTC(),
	}
	out, err := s.repo.Insert(ctx, t)
	if err != nil {
		return Ticket{}, fmt.Errorf("tickets: creating for call %s: %w", rec.ID, err)
	}
	return out, nil
}
