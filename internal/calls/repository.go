package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NOTE: These repositories assume the tables from internal/schema migrations.
// Forward-only semantics are enforced in SQL as well, since external
// processes (recording webhooks) write the same rows.

const recordColumns = `
id, workspace_id, operator_id, direction, phone_number, COALESCE(contact_id, ''),
status, disposition, duration_seconds, notes, recording_url, recording_id,
COALESCE(external_leg_id, ''), started_at, ended_at, created_at, updated_at`

// statusRankSQL renders CallStatus.rank as a SQL expression over expr.
func statusRankSQL(expr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "(CASE %s WHEN '' THEN 0", expr)
	for i, s := range liveOrder {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", s, i+1)
	}
	fmt.Fprintf(&b, " ELSE %d END)", terminalRank)
	return b.String()
}

// statusMergeSQL is the SQL form of ApplyPatch's status handling: a terminal
// status only yields to another terminal one, a live status never moves back,
// and closeParam applies only while the row stays live.
func statusMergeSQL(col, statusParam, closeParam string) string {
	cur, next := statusRankSQL(col), statusRankSQL(statusParam)
	return fmt.Sprintf(`CASE
		WHEN %[1]s = %[5]d THEN CASE WHEN %[2]s = %[5]d THEN %[3]s ELSE %[6]s END
		WHEN %[2]s = %[5]d THEN %[3]s
		WHEN %[4]s <> '' THEN %[4]s
		WHEN %[2]s >= %[1]s THEN %[3]s
		ELSE %[6]s
	END`, cur, next, statusParam, closeParam, terminalRank, col)
}

// PGRecordStore is the Postgres RecordStore.
type PGRecordStore struct {
	db   *sql.DB
	sink ChangeSink
}

func NewPGRecordStore(db *sql.DB, sink ChangeSink) *PGRecordStore {
	return &PGRecordStore{db: db, sink: sink}
}

func (s *PGRecordStore) Create(ctx context.Context, rec CallRecord) (CallRecord, error) {
	if !rec.Direction.Valid() || rec.PhoneNumber == "" || rec.WorkspaceID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	q := `
INSERT INTO call_records (
	workspace_id, operator_id, direction, phone_number, contact_id, status,
	disposition, duration_seconds, notes, recording_url, recording_id,
	external_leg_id, started_at, ended_at
) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14)
RETURNING ` + recordColumns

	out, err := scanRecord(s.db.QueryRowContext(ctx, q,
		rec.WorkspaceID,
		rec.OperatorID,
		string(rec.Direction),
		rec.PhoneNumber,
		rec.ContactID,
		string(rec.Status),
		string(rec.Disposition),
		rec.DurationSeconds,
		rec.Notes,
		rec.RecordingURL,
		rec.RecordingID,
		rec.ExternalLegID,
		rec.StartedAt,
		nullTime(rec.EndedAt),
	))
	if err != nil {
		return CallRecord{}, fmt.Errorf("inserting call record: %w", err)
	}
	if s.sink != nil {
		s.sink.RecordChanged(ctx, OpInsert, out)
	}
	return out, nil
}

func (s *PGRecordStore) Update(ctx context.Context, id string, p Patch) (CallRecord, error) {
	if id == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	q := `
UPDATE call_records SET
	external_leg_id  = COALESCE(external_leg_id, NULLIF($2, '')),
	operator_id      = COALESCE(NULLIF($3, ''), operator_id),
	status           = ` + statusMergeSQL("status", "$4", "$11") + `,
	disposition      = COALESCE(NULLIF($5, ''), disposition),
	duration_seconds = GREATEST(duration_seconds, COALESCE($6::int, 0)),
	notes            = COALESCE($7::text, notes),
	recording_url    = CASE WHEN recording_url = '' THEN $8 ELSE recording_url END,
	recording_id     = CASE WHEN recording_id = '' THEN $9 ELSE recording_id END,
	ended_at         = COALESCE(ended_at, $10::timestamptz),
	updated_at       = NOW()
WHERE id = $1
RETURNING ` + recordColumns

	out, err := scanRecord(s.db.QueryRowContext(ctx, q,
		id,
		p.ExternalLegID,
		p.OperatorID,
		string(p.Status),
		string(p.Disposition),
		p.DurationSeconds,
		p.Notes,
		p.RecordingURL,
		p.RecordingID,
		nullTime(p.EndedAt),
		string(p.CloseStatus),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, fmt.Errorf("updating call record %s: %w", id, err)
	}
	if s.sink != nil {
		s.sink.RecordChanged(ctx, OpUpdate, out)
	}
	return out, nil
}

func (s *PGRecordStore) Get(ctx context.Context, id string) (CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE id = $1`
	out, err := scanRecord(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, fmt.Errorf("reading call record %s: %w", id, err)
	}
	return out, nil
}

func (s *PGRecordStore) GetByLegID(ctx context.Context, legID string) (CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE external_leg_id = $1`
	out, err := scanRecord(s.db.QueryRowContext(ctx, q, legID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, fmt.Errorf("reading call record by leg %s: %w", legID, err)
	}
	return out, nil
}

func scanRecord(row *sql.Row) (CallRecord, error) {
	var (
		r         CallRecord
		direction string
		status    string
		disp      string
		ended     sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.WorkspaceID,
		&r.OperatorID,
		&direction,
		&r.PhoneNumber,
		&r.ContactID,
		&status,
		&disp,
		&r.DurationSeconds,
		&r.Notes,
		&r.RecordingURL,
		&r.RecordingID,
		&r.ExternalLegID,
		&r.StartedAt,
		&ended,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	r.Direction = Direction(direction)
	r.Status = CallStatus(status)
	r.Disposition = Disposition(disp)
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

const announcementColumns = `
id, workspace_id, external_leg_id, caller_number, callee_number, status, handled_by, created_at, updated_at`

// PGAnnouncementStore is the Postgres AnnouncementStore.
type PGAnnouncementStore struct {
	db   *sql.DB
	sink ChangeSink
}

func NewPGAnnouncementStore(db *sql.DB, sink ChangeSink) *PGAnnouncementStore {
	return &PGAnnouncementStore{db: db, sink: sink}
}

// Create inserts a ringing announcement. A carrier retrying the same webhook
// gets the existing row back instead of a duplicate.
func (s *PGAnnouncementStore) Create(ctx context.Context, a Announcement) (Announcement, error) {
	if a.ExternalLegID == "" || a.WorkspaceID == "" {
		return Announcement{}, ErrInvalidArgument
	}
	q := `
INSERT INTO inbound_announcements (workspace_id, external_leg_id, caller_number, callee_number, status)
VALUES ($1, $2, $3, $4, 'ringing')
ON CONFLICT (external_leg_id) DO NOTHING
RETURNING ` + announcementColumns

	out, err := scanAnnouncement(s.db.QueryRowContext(ctx, q, a.WorkspaceID, a.ExternalLegID, a.CallerNumber, a.CalleeNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return s.getBy(ctx, "external_leg_id", a.ExternalLegID)
	}
	if err != nil {
		return Announcement{}, fmt.Errorf("inserting announcement: %w", err)
	}
	if s.sink != nil {
		s.sink.AnnouncementChanged(ctx, OpInsert, out)
	}
	return out, nil
}

func (s *PGAnnouncementStore) Get(ctx context.Context, id string) (Announcement, error) {
	return s.getBy(ctx, "id", id)
}

func (s *PGAnnouncementStore) GetByLegID(ctx context.Context, legID string) (Announcement, error) {
	return s.getBy(ctx, "external_leg_id", legID)
}

func (s *PGAnnouncementStore) getBy(ctx context.Context, column, value string) (Announcement, error) {
	q := `SELECT ` + announcementColumns + ` FROM inbound_announcements WHERE ` + column + ` = $1`
	out, err := scanAnnouncement(s.db.QueryRowContext(ctx, q, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Announcement{}, ErrNotFound
		}
		return Announcement{}, fmt.Errorf("reading announcement: %w", err)
	}
	return out, nil
}

func (s *PGAnnouncementStore) Transition(ctx context.Context, id string, from, to AnnouncementStatus, operatorID string) (Announcement, bool, error) {
	if !CanTransition(from, to) {
		return Announcement{}, false, ErrInvalidArgument
	}
	q := `
UPDATE inbound_announcements
SET status = $3, handled_by = $4, updated_at = NOW()
WHERE id = $1 AND status = $2
RETURNING ` + announcementColumns

	out, err := scanAnnouncement(s.db.QueryRowContext(ctx, q, id, string(from), string(to), operatorID))
	if errors.Is(err, sql.ErrNoRows) {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return Announcement{}, false, err
		}
		return cur, false, nil
	}
	if err != nil {
		return Announcement{}, false, fmt.Errorf("transitioning announcement %s: %w", id, err)
	}
	if s.sink != nil {
		s.sink.AnnouncementChanged(ctx, OpUpdate, out)
	}
	return out, true, nil
}

func (s *PGAnnouncementStore) Reoffer(ctx context.Context, id, operatorID string) (Announcement, bool, error) {
	q := `
UPDATE inbound_announcements
SET status = 'ringing', handled_by = '', updated_at = NOW()
WHERE id = $1 AND status = 'answered' AND handled_by = $2
RETURNING ` + announcementColumns

	out, err := scanAnnouncement(s.db.QueryRowContext(ctx, q, id, operatorID))
	if errors.Is(err, sql.ErrNoRows) {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return Announcement{}, false, err
		}
		return cur, false, nil
	}
	if err != nil {
		return Announcement{}, false, fmt.Errorf("re-offering announcement %s: %w", id, err)
	}
	if s.sink != nil {
		s.sink.AnnouncementChanged(ctx, OpUpdate, out)
	}
	return out, true, nil
}

func scanAnnouncement(row *sql.Row) (Announcement, error) {
	var (
		a      Announcement
		status string
	)
	if err := row.Scan(
		&a.ID,
		&a.WorkspaceID,
		&a.ExternalLegID,
		&a.CallerNumber,
		&a.CalleeNumber,
		&status,
		&a.HandledBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return Announcement{}, err
	}
	a.Status = AnnouncementStatus(status)
	return a, nil
}
