package reporting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crm-voice/internal/calls"
)

// PGRepo reads call_records for reporting.
type PGRepo struct {
	db *sql.DB
}

func NewPGRepo(db *sql.DB) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) ListCalls(ctx context.Context, workspaceID string, from, to time.Time, operatorID string) ([]calls.CallRecord, error) {
	if workspaceID == "" {
		return nil, errors.New("workspace_id required")
	}
	const q = `
SELECT id, operator_id, direction, status, disposition, duration_seconds, recording_url, recording_id, started_at
FROM call_records
WHERE workspace_id = $1
  AND started_at >= $2 AND started_at < $3
  AND ($4 = '' OR operator_id = $4)
ORDER BY started_at`

	rows, err := r.db.QueryContext(ctx, q, workspaceID, from, to, operatorID)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var out []calls.CallRecord
	for rows.Next() {
		c := calls.CallRecord{WorkspaceID: workspaceID}
		if err := rows.Scan(&c.ID, &c.OperatorID, &c.Direction, &c.Status, &c.Disposition,
			&c.DurationSeconds, &c.RecordingURL, &c.RecordingID, &c.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
