package dialer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Contact is the CRM client matched to a phone number.
type Contact struct {
	ID    string
	Name  string
	Phone string
}

type Contacts interface {
	FindByPhone(ctx context.Context, workspaceID, phone string) (Contact, bool, error)
}

// PGContacts reads the CRM clients table.
type PGContacts struct {
	db *sql.DB
}

func NewPGContacts(db *sql.DB) *PGContacts { return &PGContacts{db: db} }

func (c *PGContacts) FindByPhone(ctx context.Context, workspaceID, phone string) (Contact, bool, error) {
	const q = `SELECT id, name, phone FROM clients WHERE workspace_id = $1 AND phone = $2 ORDER BY id LIMIT 1`
	var out Contact
	err := c.db.QueryRowContext(ctx, q, workspaceID, phone).Scan(&out.ID, &out.Name, &out.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, fmt.Errorf("looking up contact for %s: %w", phone, err)
	}
	return out, true, nil
}

// MemoryContacts is keyed by workspace and normalized phone.
type MemoryContacts struct {
	mu   sync.Mutex
	rows map[string]Contact
}

func NewMemoryContacts() *MemoryContacts { return &MemoryContacts{rows: map[string]Contact{}} }

func (m *MemoryContacts) Add(workspaceID string, c Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[workspaceID+"|"+c.Phone] = c
}

func (m *MemoryContacts) FindByPhone(ctx context.Context, workspaceID, phone string) (Contact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[workspaceID+"|"+phone]
	return c, ok, nil
}
