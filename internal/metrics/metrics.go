// Package metrics holds the prometheus counters for the call lifecycle.
// All methods are safe on a nil *Metrics, so components can run without it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crm_voice"

type Metrics struct {
	callsStarted        *prometheus.CounterVec
	callsSaved          *prometheus.CounterVec
	recordWriteFailures *prometheus.CounterVec
	recordingOutcomes   *prometheus.CounterVec
	deviceErrors        *prometheus.CounterVec
	deviceResets        prometheus.Counter
	bridgeRequests      *prometheus.CounterVec
	announcements       *prometheus.CounterVec
	voiceTokens         prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Calls started, by direction.",
		}, []string{"direction"}),
		callsSaved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_saved_total",
			Help:      "Calls saved by the operator, by disposition.",
		}, []string{"disposition"}),
		recordWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_write_failures_total",
			Help:      "Failed call record writes, by operation.",
		}, []string{"op"}),
		recordingOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_resolutions_total",
			Help:      "Recording resolver runs, by outcome.",
		}, []string{"outcome"}),
		deviceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Device session errors, by kind.",
		}, []string{"kind"}),
		deviceResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_resets_total",
			Help:      "Hard resets after consecutive device errors.",
		}),
		bridgeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_requests_total",
			Help:      "Inbound bridge requests, by result.",
		}, []string{"result"}),
		announcements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_total",
			Help:      "Inbound announcements, by outcome.",
		}, []string{"outcome"}),
		voiceTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_tokens_issued_total",
			Help:      "Voice access tokens issued.",
		}),
	}
}

func (m *Metrics) CallStarted(direction string) {
	if m != nil {
		m.callsStarted.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) CallSaved(disposition string) {
	if m != nil {
		m.callsSaved.WithLabelValues(disposition).Inc()
	}
}

func (m *Metrics) RecordWriteFailed(op string) {
	if m != nil {
		m.recordWriteFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RecordingResolved(outcome string) {
	if m != nil {
		m.recordingOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) DeviceError(kind string) {
	if m != nil {
		m.deviceErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) DeviceReset() {
	if m != nil {
		m.deviceResets.Inc()
	}
}

func (m *Metrics) BridgeRequest(result string) {
	if m != nil {
		m.bridgeRequests.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Announcement(outcome string) {
	if m != nil {
		m.announcements.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) VoiceTokenIssued() {
	if m != nil {
		m.voiceTokens.Inc()
	}
}
