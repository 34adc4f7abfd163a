package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/pkg/logger"
)

// RecordEvent is a decoded call_records change.
type RecordEvent struct {
	Op     calls.Op
	Record calls.CallRecord
	At     time.Time
}

// AnnouncementEvent is a decoded inbound_announcements change.
type AnnouncementEvent struct {
	Op           calls.Op
	Announcement calls.Announcement
	At           time.Time
}

// LifecycleEvent is a decoded call_events notification.
type LifecycleEvent struct {
	Lifecycle
	At time.Time
}

// Subscriber turns raw transport payloads into typed events.
type Subscriber struct {
	src Source
	log *slog.Logger
}

func NewSubscriber(src Source, log *slog.Logger) *Subscriber {
	return &Subscriber{src: src, log: logger.Component(log, "feed.subscriber")}
}

// CallRecords streams changes to the record bound to legID.
func (s *Subscriber) CallRecords(ctx context.Context, legID string) (*Stream[RecordEvent], error) {
	if legID == "" {
		return nil, fmt.Errorf("feed: leg id required: %w", calls.ErrInvalidArgument)
	}
	return open(ctx, s, ChannelCallRecord(legID), TableCallRecords, func(env Envelope) (RecordEvent, error) {
		var rec calls.CallRecord
		err := json.Unmarshal(env.Row, &rec)
		return RecordEvent{Op: env.Op, Record: rec, At: env.At}, err
	})
}

// Announcements streams inserts and updates of inbound announcements.
func (s *Subscriber) Announcements(ctx context.Context) (*Stream[AnnouncementEvent], error) {
	return open(ctx, s, ChannelAnnouncements, TableAnnouncements, func(env Envelope) (AnnouncementEvent, error) {
		var a calls.Announcement
		err := json.Unmarshal(env.Row, &a)
		return AnnouncementEvent{Op: env.Op, Announcement: a, At: env.At}, err
	})
}

// Lifecycle streams call.started / call.saved notifications.
func (s *Subscriber) Lifecycle(ctx context.Context) (*Stream[LifecycleEvent], error) {
	return open(ctx, s, ChannelCallEvents, TableCallEvents, func(env Envelope) (LifecycleEvent, error) {
		var l Lifecycle
		err := json.Unmarshal(env.Row, &l)
		return LifecycleEvent{Lifecycle: l, At: env.At}, err
	})
}

// Stream delivers typed events in receipt order until closed or until the
// context used to open it is done.
type Stream[T any] struct {
	events chan T
	sub    Subscription
	done   chan struct{}
	once   sync.Once
}

func (st *Stream[T]) Events() <-chan T { return st.events }

func (st *Stream[T]) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		err = st.sub.Close()
	})
	return err
}

func open[T any](ctx context.Context, s *Subscriber, channel, table string, decode func(Envelope) (T, error)) (*Stream[T], error) {
	sub, err := s.src.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	st := &Stream[T]{events: make(chan T, 16), sub: sub, done: make(chan struct{})}
	log := s.log.With("channel", channel)

	go func() {
		defer close(st.events)
		for {
			select {
			case <-ctx.Done():
				_ = st.Close()
				return
			case <-st.done:
				return
			case payload, ok := <-sub.Messages():
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal(payload, &env); err != nil {
					log.Warn("malformed change event", "err", err)
					continue
				}
				if env.Table != table {
					continue
				}
				ev, err := decode(env)
				if err != nil {
					log.Warn("malformed change row", "table", table, "err", err)
					continue
				}
				select {
				case st.events <- ev:
				case <-st.done:
					return
				case <-ctx.Done():
					_ = st.Close()
					return
				}
			}
		}
	}()
	return st, nil
}
