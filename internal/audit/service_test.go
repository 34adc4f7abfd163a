package audit

import (
	"context"
	"encoding/json"
	"testing"
)

func TestService_AppendRequiresWorkspaceAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeCallSaved}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{WorkspaceID: "w"}); err == nil {
		t.Fatalf("expected error")
	}
	if len(repo.Events()) != 0 {
		t.Fatalf("invalid events must not be stored")
	}
}

func TestService_CallTransferred(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.CallTransferred(context.Background(), "w", "op-1", "call-1", "op-1", "op-2"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	e := evs[0]
	if e.Type != EventTypeCallTransferred || e.CallID != "call-1" || e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("unexpected event: %+v", e)
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(e.Metadata), &meta); err != nil {
		t.Fatalf("metadata not json: %v", err)
	}
	if meta["to"] != "op-2" {
		t.Fatalf("expected target operator in metadata, got %v", meta)
	}
}

func TestService_NilIsNotConfigured(t *testing.T) {
	var svc *Service
	if err := svc.CallSaved(context.Background(), "w", "op", "c", "completed"); err == nil {
		t.Fatalf("expected error from nil service")
	}
}
