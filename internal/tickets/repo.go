package tickets

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/google/uuid"
)

type MemoryRepo struct {
	mu   sync.Mutex
	rows []Ticket
	// Err fails every insert when set.
	Err error
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Insert(ctx context.Context, t Ticket) (Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return Ticket{}, r.Err
	}
	t.ID = uuid.NewString()
	r.rows = append(r.rows, t)
	return t, nil
}

func (r *MemoryRepo) Tickets() []Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Ticket, len(r.rows))
	copy(out, r.rows)
	return out
}

type PGRepo struct {
	db *sql.DB
}

func NewPGRepo(db *sql.DB) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) Insert(ctx context.Context, t Ticket) (Ticket, error) {
	if r.db == nil {
		return Ticket{}, errors.New("tickets: db not configured")
	}
	const q = `
INSERT INTO tickets (workspace_id, call_id, contact_id, title, description, priority, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`
	err := r.db.QueryRowContext(ctx, q,
		t.WorkspaceID, t.CallID, t.ContactID, t.Title, t.Description, string(t.Priority), t.CreatedBy, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return Ticket{}, err
	}
	return t, nil
}
