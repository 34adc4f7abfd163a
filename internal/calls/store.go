package calls

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordStore is the persistence contract for CallRecords.
type RecordStore interface {
	Create(ctx context.Context, rec CallRecord) (CallRecord, error)
	Update(ctx context.Context, id string, p Patch) (CallRecord, error)
	Get(ctx context.Context, id string) (CallRecord, error)
	GetByLegID(ctx context.Context, legID string) (CallRecord, error)
}

// AnnouncementStore is the persistence contract for inbound announcements.
type AnnouncementStore interface {
	Create(ctx context.Context, a Announcement) (Announcement, error)
	Get(ctx context.Context, id string) (Announcement, error)
	GetByLegID(ctx context.Context, legID string) (Announcement, error)
	// Transition moves id from one status to another only if it still has
	// status from. It returns the row as stored and whether this call won.
	Transition(ctx context.Context, id string, from, to AnnouncementStatus, operatorID string) (Announcement, bool, error)
	// Reoffer puts an answered row back to ringing, but only while
	// operatorID still holds it. Used when the bridge to that operator failed.
	Reoffer(ctx context.Context, id, operatorID string) (Announcement, bool, error)
}

// Op is the kind of row change reported to a ChangeSink.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// ChangeSink receives every committed row change. Stores call it after the
// write succeeds; a sink failure never fails the write.
type ChangeSink interface {
	RecordChanged(ctx context.Context, op Op, rec CallRecord)
	AnnouncementChanged(ctx context.Context, op Op, a Announcement)
}

// MemoryRecordStore is an in-memory RecordStore for tests and single-process setups.
type MemoryRecordStore struct {
	mu    sync.Mutex
	rows  map[string]CallRecord
	byLeg map[string]string
	sink  ChangeSink
	now   func() time.Time
}

func NewMemoryRecordStore(sink ChangeSink) *MemoryRecordStore {
	return &MemoryRecordStore{
		rows:  map[string]CallRecord{},
		byLeg: map[string]string{},
		sink:  sink,
		now:   time.Now,
	}
}

func (s *MemoryRecordStore) Create(ctx context.Context, rec CallRecord) (CallRecord, error) {
	if !rec.Direction.Valid() || rec.PhoneNumber == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	s.mu.Lock()
	if rec.ExternalLegID != "" {
		if _, ok := s.byLeg[rec.ExternalLegID]; ok {
			s.mu.Unlock()
			return CallRecord{}, ErrInvalidArgument
		}
	}
	now := s.now().UTC()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.rows[rec.ID] = rec
	if rec.ExternalLegID != "" {
		s.byLeg[rec.ExternalLegID] = rec.ID
	}
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.RecordChanged(ctx, OpInsert, rec)
	}
	return rec, nil
}

func (s *MemoryRecordStore) Update(ctx context.Context, id string, p Patch) (CallRecord, error) {
	s.mu.Lock()
	rec, ok := s.rows[id]
	if !ok {
		s.mu.Unlock()
		return CallRecord{}, ErrNotFound
	}
	if p.ExternalLegID != "" && rec.ExternalLegID == "" {
		if owner, taken := s.byLeg[p.ExternalLegID]; taken && owner != id {
			s.mu.Unlock()
			return CallRecord{}, ErrInvalidArgument
		}
	}
	rec = ApplyPatch(rec, p)
	rec.UpdatedAt = s.now().UTC()
	s.rows[id] = rec
	if rec.ExternalLegID != "" {
		s.byLeg[rec.ExternalLegID] = id
	}
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.RecordChanged(ctx, OpUpdate, rec)
	}
	return rec, nil
}

func (s *MemoryRecordStore) Get(ctx context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryRecordStore) GetByLegID(ctx context.Context, legID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byLeg[legID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return s.rows[id], nil
}

// Records returns a snapshot of all rows.
func (s *MemoryRecordStore) Records() []CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallRecord, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out
}

// MemoryAnnouncementStore is an in-memory AnnouncementStore.
type MemoryAnnouncementStore struct {
	mu   sync.Mutex
	rows map[string]Announcement
	sink ChangeSink
	now  func() time.Time
}

func NewMemoryAnnouncementStore(sink ChangeSink) *MemoryAnnouncementStore {
	return &MemoryAnnouncementStore{rows: map[string]Announcement{}, sink: sink, now: time.Now}
}

func (s *MemoryAnnouncementStore) Create(ctx context.Context, a Announcement) (Announcement, error) {
	if a.ExternalLegID == "" {
		return Announcement{}, ErrInvalidArgument
	}
	now := s.now().UTC()

	s.mu.Lock()
	for _, existing := range s.rows {
		if existing.ExternalLegID == a.ExternalLegID {
			s.mu.Unlock()
			return existing, nil
		}
	}
	a.ID = uuid.NewString()
	a.Status = AnnouncementRinging
	a.CreatedAt = now
	a.UpdatedAt = now
	s.rows[a.ID] = a
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.AnnouncementChanged(ctx, OpInsert, a)
	}
	return a, nil
}

func (s *MemoryAnnouncementStore) Get(ctx context.Context, id string) (Announcement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return Announcement{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryAnnouncementStore) GetByLegID(ctx context.Context, legID string) (Announcement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.rows {
		if a.ExternalLegID == legID {
			return a, nil
		}
	}
	return Announcement{}, ErrNotFound
}

func (s *MemoryAnnouncementStore) Transition(ctx context.Context, id string, from, to AnnouncementStatus, operatorID string) (Announcement, bool, error) {
	if !CanTransition(from, to) {
		return Announcement{}, false, ErrInvalidArgument
	}
	s.mu.Lock()
	a, ok := s.rows[id]
	if !ok {
		s.mu.Unlock()
		return Announcement{}, false, ErrNotFound
	}
	if a.Status != from {
		s.mu.Unlock()
		return a, false, nil
	}
	a.Status = to
	a.HandledBy = operatorID
	a.UpdatedAt = s.now().UTC()
	s.rows[id] = a
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.AnnouncementChanged(ctx, OpUpdate, a)
	}
	return a, true, nil
}

func (s *MemoryAnnouncementStore) Reoffer(ctx context.Context, id, operatorID string) (Announcement, bool, error) {
	s.mu.Lock()
	a, ok := s.rows[id]
	if !ok {
		s.mu.Unlock()
		return Announcement{}, false, ErrNotFound
	}
	if a.Status != AnnouncementAnswered || a.HandledBy != operatorID {
		s.mu.Unlock()
		return a, false, nil
	}
	a.Status = AnnouncementRinging
	a.HandledBy = ""
	a.UpdatedAt = s.now().UTC()
	s.rows[id] = a
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.AnnouncementChanged(ctx, OpUpdate, a)
	}
	return a, true, nil
}
