package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func gatherValue(t *testing.T, m *Metrics, name string, label string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if label != "" {
				match := false
				for _, lp := range metric.GetLabel() {
					if lp.GetValue() == label {
						match = true
					}
				}
				if !match {
					continue
				}
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}

func TestGaugesTrackCounters(t *testing.T) {
	m := New()
	m.FramesSubmitted.Add(7)
	m.UpdateStorage(3, 4, 5)
	m.UpdateEncodeLatency(12 * time.Millisecond)

	tests := []struct {
		name string
		want float64
	}{
		{"encoder_frames_submitted_total", 7},
		{"encoder_dpb_occupancy", 3},
		{"encoder_pool_busy_slots", 4},
		{"encoder_pool_allocated_slots", 5},
		{"encoder_latency_ms", 12},
	}
	for _, tt := range tests {
		if got := gatherValue(t, m, tt.name, ""); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRecordReconfiguration(t *testing.T) {
	m := New()
	m.RecordReconfiguration("rate_control", "layout")
	m.RecordReconfiguration("rate_control")

	if m.Reconfigurations.Load() != 2 {
		t.Fatalf("reconfigurations = %d", m.Reconfigurations.Load())
	}
	if got := gatherValue(t, m, "encoder_reconfigurations_by_kind_total", "rate_control"); got != 2 {
		t.Fatalf("rate_control = %v", got)
	}
	if got := gatherValue(t, m, "encoder_reconfigurations_by_kind_total", "layout"); got != 1 {
		t.Fatalf("layout = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.IDRFrames.Add(2)

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "encoder_idr_frames_total 2") {
		t.Fatalf("exposition missing IDR count:\n%s", body)
	}
}

func TestStartServerStopsOnCancel(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.StartServer(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartServer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("StartServer did not return after cancel")
	}
}
