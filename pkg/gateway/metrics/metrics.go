package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proctoring gateway. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	ReviewersActive prometheus.Gauge

	// Signal metrics
	TicksTotal  *prometheus.CounterVec
	AlertsTotal *prometheus.CounterVec

	// Capability metrics
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration prometheus.Histogram
	TranscriptionsTotal  *prometheus.CounterVec
	CapabilityFailures   *prometheus.CounterVec
	StaleResultsTotal    *prometheus.CounterVec

	// Inbound and rate limit metrics
	DroppedFramesTotal *prometheus.CounterVec
	RateLimitHits      *prometheus.CounterVec
	StoreErrorsTotal   *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "proctor"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"route"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live exam sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of ended exam sessions",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Exam session duration in seconds",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		ReviewersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reviewers_active",
			Help:      "Number of connected reviewer streams",
		}),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Perception ticks processed, by resulting status",
		}, []string{"status"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised",
		}, []string{"severity", "source"}),
		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Identity verification jobs by outcome",
		}, []string{"outcome"}),
		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Identity verification latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}),
		TranscriptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Audio transcriptions by outcome",
		}, []string{"outcome"}),
		CapabilityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_failures_total",
			Help:      "Capability provider failures",
		}, []string{"capability"}),
		StaleResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Background results discarded because the session moved on",
		}, []string{"kind"}),
		DroppedFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Inbound examinee frames dropped",
		}, []string{"kind", "reason"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		}, []string{"limit_type"}),
		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed persistence writes",
		}, []string{"op"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.ReviewersActive,
		m.TicksTotal,
		m.AlertsTotal,
		m.VerificationsTotal,
		m.VerificationDuration,
		m.TranscriptionsTotal,
		m.CapabilityFailures,
		m.StaleResultsTotal,
		m.DroppedFramesTotal,
		m.RateLimitHits,
		m.StoreErrorsTotal,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordRequest(route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordReviewer(delta int) {
	if m == nil {
		return
	}
	m.ReviewersActive.Add(float64(delta))
}

func (m *Metrics) RecordTick(status string) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordAlert(severity, source string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(severity, source).Inc()
}

func (m *Metrics) RecordVerification(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(outcome).Inc()
	m.VerificationDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordTranscription(outcome string) {
	if m == nil {
		return
	}
	m.TranscriptionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCapabilityFailure(capability string) {
	if m == nil {
		return
	}
	m.CapabilityFailures.WithLabelValues(capability).Inc()
}

func (m *Metrics) RecordStaleResult(kind string) {
	if m == nil {
		return
	}
	m.StaleResultsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDroppedFrame(kind, reason string) {
	if m == nil {
		return
	}
	m.DroppedFramesTotal.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}
