package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.CallStarted("outbound")
	m.CallSaved("completed")
	m.RecordWriteFailed("create")
	m.RecordingResolved("found")
	m.DeviceError("registration")
	m.DeviceReset()
	m.BridgeRequest("ok")
	m.Announcement("answered")
	m.VoiceTokenIssued()
}

func TestMetrics_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CallStarted("outbound")
	m.CallStarted("outbound")
	m.DeviceReset()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var started float64
	for _, f := range families {
		if f.GetName() == "crm_voice_calls_started_total" {
			for _, metric := range f.GetMetric() {
				started += metric.GetCounter().GetValue()
			}
		}
	}
	if started != 2 {
		t.Fatalf("expected 2 started calls, got %v", started)
	}
}
