package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
//   - Events are never updated or deleted (audit_events carries a trigger that
//     rejects UPDATE/DELETE).
//   - workspace_id is required for tenancy isolation.
//   - Audit is best-effort; a failed append never blocks a save or transfer.
type Event struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	Type EventType `json:"type" db:"type"`

	// ActorUserID is the operator causing the event.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	CallID string `json:"call_id,omitempty" db:"call_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallSaved       EventType = "call_saved"
	EventTypeCallTransferred EventType = "call_transferred"
)
