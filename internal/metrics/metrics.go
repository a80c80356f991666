package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame flow
	FramesOffered   atomic.Uint64
	FramesSampled   atomic.Uint64
	FramesDiscarded atomic.Uint64

	// Inference outcomes
	InferenceCalls       atomic.Uint64
	InferenceSkipped     atomic.Uint64
	InferenceSuccesses   atomic.Uint64
	ContentFailures      atomic.Uint64
	ConnectivityFailures atomic.Uint64

	// Backend health: 0 = unknown, 1 = healthy, 2 = unhealthy
	HealthState atomic.Uint64

	// Last reported backend latency in microseconds
	LastLatencyUs atomic.Uint64

	// Viewers
	ActiveSubscribers atomic.Int64
	ActivePeers       atomic.Int64
	TotalPeers        atomic.Uint64

	latency prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "antispoof_inference_latency_seconds",
			Help:    "Wall-clock duration of successful inference calls",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("antispoof_frames_offered_total", "Frames offered by the frame source", &m.FramesOffered)
	m.counter("antispoof_frames_sampled_total", "Frames emitted by the sampler", &m.FramesSampled)
	m.counter("antispoof_frames_discarded_total", "Frames overwritten before they could be sampled", &m.FramesDiscarded)

	m.counter("antispoof_inference_calls_total", "Inference calls started", &m.InferenceCalls)
	m.counter("antispoof_inference_skipped_total", "Sampled frames dropped because a call was in flight", &m.InferenceSkipped)
	m.counter("antispoof_inference_success_total", "Inference calls that returned a result", &m.InferenceSuccesses)
	m.counter("antispoof_inference_content_failures_total", "Calls rejected because of the frame content", &m.ContentFailures)
	m.counter("antispoof_inference_connectivity_failures_total", "Calls that failed to reach the backend", &m.ConnectivityFailures)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "antispoof_backend_health",
			Help: "Backend health (0=unknown, 1=healthy, 2=unhealthy)",
		},
		func() float64 { return float64(m.HealthState.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "antispoof_inference_last_latency_ms",
			Help: "Most recent inference latency in milliseconds",
		},
		func() float64 { return float64(m.LastLatencyUs.Load()) / 1000 },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "antispoof_state_subscribers",
			Help: "Active state stream subscribers",
		},
		func() float64 { return float64(m.ActiveSubscribers.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "antispoof_webrtc_active_peers",
			Help: "Number of active WebRTC peers",
		},
		func() float64 { return float64(m.ActivePeers.Load()) },
	))
	m.counter("antispoof_webrtc_peers_total", "Total WebRTC peers connected", &m.TotalPeers)

	m.registry.MustRegister(m.latency)
}

// ObserveLatency records one successful call duration.
func (m *Metrics) ObserveLatency(d time.Duration) {
	if d < 0 {
		return
	}
	m.LastLatencyUs.Store(uint64(d.Microseconds()))
	m.latency.Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the collector registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
