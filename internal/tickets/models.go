package tickets

import (
	"errors"
	"time"
)

// Ticket is a follow-up task created from a saved call.
type Ticket struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	CallID      string    `json:"call_id,omitempty" db:"call_id"`
	ContactID   string    `json:"contact_id,omitempty" db:"contact_id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description,omitempty" db:"description"`
	Priority    Priority  `json:"priority" db:"priority"`
	CreatedBy   string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Fields are the operator-supplied parts of a ticket.
type Fields struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=4000"`
	Priority    Priority `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

var (
	ErrInvalidFields = errors.New("tickets: invalid fields")
	ErrNotFound      = errors.New("tickets: not found")
)
