package reporting

import (
	"context"
	"errors"
	"time"

	"crm-voice/internal/calls"
)

// MemoryRepo reads from an in-memory record store.
// It enforces workspace isolation on reads.
type MemoryRepo struct {
	Store *calls.MemoryRecordStore
}

func NewMemoryRepo(store *calls.MemoryRecordStore) *MemoryRepo { return &MemoryRepo{Store: store} }

func (r *MemoryRepo) ListCalls(ctx context.Context, workspaceID string, from, to time.Time, operatorID string) ([]calls.CallRecord, error) {
	if workspaceID == "" {
		return nil, errors.New("workspace_id required")
	}
	out := make([]calls.CallRecord, 0)
	for _, c := range r.Store.Records() {
		if c.WorkspaceID != workspaceID {
			continue
		}
		if c.StartedAt.Before(from) || !c.StartedAt.Before(to) {
			continue
		}
		if operatorID != "" && c.OperatorID != operatorID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
