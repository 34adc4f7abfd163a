// Package feed carries row-level change notifications between the voice
// back-end and connected operator clients.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"crm-voice/internal/calls"
)

const (
	TableCallRecords   = "call_records"
	TableAnnouncements = "inbound_announcements"
	TableCallEvents    = "call_events"

	// ChannelAnnouncements carries insert and update events for every announcement.
	ChannelAnnouncements = "announcements"
	// ChannelCallEvents carries call.started / call.saved lifecycle notifications.
	ChannelCallEvents = "calls:events"
)

var ErrClosed = errors.New("feed: bus closed")

// ChannelCallRecord is the channel for changes to the record with the given external leg id.
func ChannelCallRecord(legID string) string {
	return "callrecord:" + legID
}

// Publisher sends raw payloads to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Source opens subscriptions on a channel.
type Source interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers payloads in the order the transport received them.
// Messages is closed after Close or when the transport drops the subscription.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Bus is a transport that can both publish and subscribe.
type Bus interface {
	Publisher
	Source
}

// Envelope is the wire shape of every change event.
type Envelope struct {
	Table string          `json:"table"`
	Op    calls.Op        `json:"op"`
	Row   json.RawMessage `json:"row"`
	At    time.Time       `json:"at"`
}

// LifecycleType names a call lifecycle notification.
type LifecycleType string

const (
	CallStarted LifecycleType = "call.started"
	CallSaved   LifecycleType = "call.saved"
)

// Lifecycle is the row of a call_events envelope.
type Lifecycle struct {
	Type          LifecycleType     `json:"type"`
	RecordID      string            `json:"record_id,omitempty"`
	ExternalLegID string            `json:"external_leg_id,omitempty"`
	Direction     calls.Direction   `json:"direction,omitempty"`
	Disposition   calls.Disposition `json:"disposition,omitempty"`
	OperatorID    string            `json:"operator_id,omitempty"`
}

func encode(table string, op calls.Op, row any, at time.Time) ([]byte, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Table: table, Op: op, Row: raw, At: at.UTC()})
}
