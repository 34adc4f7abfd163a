package tickets

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm-voice/internal/calls"
)

func newTestService(repo Repository) *Service {
	s := NewService(repo)
	s.clock = func() time.Time { return time.Unix(1700000000, 0) }
	return s
}

func TestCreateForCall_LinksCall(t *testing.T) {
	repo := NewMemoryRepo()
	svc := newTestService(repo)
	rec := calls.CallRecord{ID: "call-1", WorkspaceID: "w1", ContactID: "client-9"}

	got, err := svc.CreateForCall(context.Background(), rec, Fields{Title: "  Send pricing sheet "}, "op-1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.ID == "" || got.CallID != "call-1" || got.ContactID != "client-9" || got.WorkspaceID != "w1" {
		t.Fatalf("unexpected ticket: %+v", got)
	}
	if got.Title != "Send pricing sheet" {
		t.Fatalf("expected trimmed title, got %q", got.Title)
	}
	if got.Priority != PriorityNormal {
		t.Fatalf("expected default priority, got %q", got.Priority)
	}
	if !got.CreatedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("unexpected created_at: %v", got.CreatedAt)
	}
}

func TestCreateForCall_RejectsInvalidFields(t *testing.T) {
	repo := NewMemoryRepo()
	svc := newTestService(repo)
	rec := calls.CallRecord{ID: "call-1", WorkspaceID: "w1"}

	cases := []Fields{
		{Title: ""},
		{Title: "   "},
		{Title: "ok", Priority: "whenever"},
	}
	for _, f := range cases {
		if _, err := svc.CreateForCall(context.Background(), rec, f, "op-1"); !errors.Is(err, ErrInvalidFields) {
			t.Fatalf("fields %+v: expected ErrInvalidFields, got %v", f, err)
		}
	}
	if n := len(repo.Tickets()); n != 0 {
		t.Fatalf("invalid tickets stored: %d", n)
	}
}

func TestCreateForCall_RepoFailure(t *testing.T) {
	repo := NewMemoryRepo()
	repo.Err = errors.New("connection reset")
	svc := newTestService(repo)

	_, err := svc.CreateForCall(context.Background(), calls.CallRecord{ID: "call-1"}, Fields{Title: "x"}, "op")
	if !errors.Is(err, repo.Err) {
		t.Fatalf("expected wrapped repo error, got %v", err)
	}
}
