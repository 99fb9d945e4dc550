package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Encode pipeline counters
	FramesCaptured  atomic.Uint64
	FramesDropped   atomic.Uint64
	FramesSubmitted atomic.Uint64
	FramesDelivered atomic.Uint64
	IDRFrames       atomic.Uint64
	BytesEncoded    atomic.Uint64

	// Control plane events
	KeyframesRequested atomic.Uint64
	Reconfigurations   atomic.Uint64
	SessionResets      atomic.Uint64

	// Error counters
	SubmitErrors  atomic.Uint64
	PoolExhausted atomic.Uint64
	OutputErrors  atomic.Uint64

	// Outputs read back but not delivered because the caller gave up
	OutputsDiscarded atomic.Uint64

	// Reference storage
	DPBOccupancy  atomic.Uint64
	PoolBusy      atomic.Uint64
	PoolAllocated atomic.Uint64
	InFlight      atomic.Uint64

	// Latency tracking
	EncodeLatencyMs atomic.Uint64 // Last submit-to-readback latency in ms

	// WebRTC client tracking
	WebRTCFramesSent    atomic.Uint64
	WebRTCFramesDropped atomic.Uint64
	ActiveClients       atomic.Uint64
	TotalClients        atomic.Uint64

	// Recording state
	RecordingActive       atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes        atomic.Uint64
	RecordingFrames       atomic.Uint64
	RecorderFramesDropped atomic.Uint64

	reconfigByKind *prometheus.CounterVec
	registry       *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reconfigByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encoder_reconfigurations_by_kind_total",
				Help: "Reconfigurations by changed category",
			},
			[]string{"kind"},
		),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("encoder_frames_captured_total", "Total raw frames produced by the source", &m.FramesCaptured)
	m.gauge("encoder_frames_dropped_total", "Total raw frames dropped before encoding", &m.FramesDropped)
	m.gauge("encoder_frames_submitted_total", "Total encode jobs submitted to the hardware", &m.FramesSubmitted)
	m.gauge("encoder_frames_delivered_total", "Total access units read back and delivered", &m.FramesDelivered)
	m.gauge("encoder_idr_frames_total", "Total IDR access units delivered", &m.IDRFrames)
	m.gauge("encoder_bytes_total", "Total encoded bytes delivered", &m.BytesEncoded)

	m.gauge("encoder_keyframes_requested_total", "Total keyframe requests", &m.KeyframesRequested)
	m.gauge("encoder_reconfigurations_total", "Total live session reconfigurations", &m.Reconfigurations)
	m.gauge("encoder_session_resets_total", "Total session teardowns", &m.SessionResets)

	m.gauge("encoder_submit_errors_total", "Total rejected submissions", &m.SubmitErrors)
	m.gauge("encoder_pool_exhausted_total", "Total frames failed for lack of a reconstruction slot", &m.PoolExhausted)
	m.gauge("encoder_output_errors_total", "Total bitstream readback errors", &m.OutputErrors)
	m.gauge("encoder_outputs_discarded_total", "Total outputs dropped after the caller was cancelled", &m.OutputsDiscarded)

	m.gauge("encoder_dpb_occupancy", "Reference pictures currently held", &m.DPBOccupancy)
	m.gauge("encoder_pool_busy_slots", "Busy reconstruction slots", &m.PoolBusy)
	m.gauge("encoder_pool_allocated_slots", "Allocated reconstruction slots", &m.PoolAllocated)
	m.gauge("encoder_jobs_in_flight", "Submitted jobs awaiting readback", &m.InFlight)

	m.gauge("encoder_latency_ms", "Last submit-to-readback latency in milliseconds", &m.EncodeLatencyMs)

	m.gauge("streaming_webrtc_frames_sent_total", "Total frames sent to WebRTC clients", &m.WebRTCFramesSent)
	m.gauge("streaming_webrtc_frames_dropped_total", "Total WebRTC frames dropped", &m.WebRTCFramesDropped)
	m.gauge("streaming_active_clients", "Number of active WebRTC clients", &m.ActiveClients)
	m.gauge("streaming_total_clients", "Total WebRTC clients connected", &m.TotalClients)

	m.gauge("streaming_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive)
	m.gauge("streaming_recording_bytes", "Total bytes written to recording", &m.RecordingBytes)
	m.gauge("streaming_recording_frames", "Total frames written to recording", &m.RecordingFrames)
	m.gauge("streaming_recorder_frames_dropped_total", "Total frames the recorder could not queue", &m.RecorderFramesDropped)

	m.registry.MustRegister(m.reconfigByKind)
}

// RecordReconfiguration counts one reconfiguration touching the given categories
func (m *Metrics) RecordReconfiguration(kinds ...string) {
	m.Reconfigurations.Add(1)
	for _, k := range kinds {
		m.reconfigByKind.WithLabelValues(k).Inc()
	}
}

// UpdateEncodeLatency stores the latest submit-to-readback latency
func (m *Metrics) UpdateEncodeLatency(d time.Duration) {
	m.EncodeLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateStorage records reference storage occupancy
func (m *Metrics) UpdateStorage(history, busy, allocated int) {
	m.DPBOccupancy.Store(uint64(history))
	m.PoolBusy.Store(uint64(busy))
	m.PoolAllocated.Store(uint64(allocated))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartServer serves /metrics on addr until ctx is cancelled
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
