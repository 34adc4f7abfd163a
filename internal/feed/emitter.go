package feed

import (
	"context"
	"log/slog"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/pkg/logger"
)

// Emitter publishes store changes and lifecycle notifications. It implements
// calls.ChangeSink; publish failures are logged and never fail the write.
type Emitter struct {
	pub Publisher
	log *slog.Logger
	now func() time.Time
}

func NewEmitter(pub Publisher, log *slog.Logger) *Emitter {
	return &Emitter{pub: pub, log: logger.Component(log, "feed.emitter"), now: time.Now}
}

// RecordChanged publishes on the record's leg channel. Records without a leg
// id have no subscribers yet and are skipped.
func (e *Emitter) RecordChanged(ctx context.Context, op calls.Op, rec calls.CallRecord) {
	if rec.ExternalLegID == "" {
		return
	}
	e.publish(ctx, ChannelCallRecord(rec.ExternalLegID), TableCallRecords, op, rec)
}

func (e *Emitter) AnnouncementChanged(ctx context.Context, op calls.Op, a calls.Announcement) {
	e.publish(ctx, ChannelAnnouncements, TableAnnouncements, op, a)
}

// CallStarted announces a new (or newly leg-bound) call record.
func (e *Emitter) CallStarted(ctx context.Context, rec calls.CallRecord) {
	e.publish(ctx, ChannelCallEvents, TableCallEvents, calls.OpInsert, Lifecycle{
		Type:          CallStarted,
		RecordID:      rec.ID,
		ExternalLegID: rec.ExternalLegID,
		Direction:     rec.Direction,
		OperatorID:    rec.OperatorID,
	})
}

// CallSaved announces the operator's final disposition.
func (e *Emitter) CallSaved(ctx context.Context, rec calls.CallRecord) {
	e.publish(ctx, ChannelCallEvents, TableCallEvents, calls.OpUpdate, Lifecycle{
		Type:          CallSaved,
		RecordID:      rec.ID,
		ExternalLegID: rec.ExternalLegID,
		Direction:     rec.Direction,
		Disposition:   rec.Disposition,
		OperatorID:    rec.OperatorID,
	})
}

func (e *Emitter) publish(ctx context.Context, channel, table string, op calls.Op, row any) {
	if e == nil || e.pub == nil {
		return
	}
	payload, err := encode(table, op, row, e.now())
	if err != nil {
		e.log.Error("encode change event", "table", table, "err", err)
		return
	}
	if err := e.pub.Publish(ctx, channel, payload); err != nil {
		e.log.Warn("publish change event", "channel", channel, "err", err)
	}
}
