package prometheus

import (
	"time"

	"github.com/marmos91/zfsfuse/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// listenerMetrics is the Prometheus implementation of metrics.ListenerMetrics.
type listenerMetrics struct {
	activeSessions  prometheus.Gauge
	registrations   *prometheus.CounterVec
	retired         *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewListenerMetrics creates a Prometheus-backed ListenerMetrics.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewListenerMetrics() metrics.ListenerMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopListenerMetrics()
	}

	reg := metrics.GetRegistry()

	return &listenerMetrics{
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "zfsfuse_listener_active_sessions",
				Help: "Current number of mounted filesystem sessions",
			},
		),
		registrations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "zfsfuse_listener_registrations_total",
				Help: "Total session registrations by outcome",
			},
			[]string{"status"},
		),
		retired: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "zfsfuse_listener_sessions_retired_total",
				Help: "Total sessions removed from the registry by reason",
			},
			[]string{"reason"},
		),
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "zfsfuse_listener_requests_total",
				Help: "Total kernel requests dispatched by opcode and status",
			},
			[]string{"opcode", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "zfsfuse_listener_request_duration_milliseconds",
				Help: "Duration of kernel request handling in milliseconds",
				Buckets: []float64{
					0.1,  // 100us
					1,    // 1ms
					10,   // 10ms
					100,  // 100ms
					1000, // 1s
				},
			},
			[]string{"opcode"},
		),
	}
}

func (m *listenerMetrics) SetActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *listenerMetrics) RecordRegistration(accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	m.registrations.WithLabelValues(status).Inc()
}

func (m *listenerMetrics) RecordSessionRetired(reason string) {
	m.retired.WithLabelValues(reason).Inc()
}

func (m *listenerMetrics) RecordRequest(opcode string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.requestsTotal.WithLabelValues(opcode, status).Inc()
	m.requestDuration.WithLabelValues(opcode).Observe(duration.Seconds() * 1000)
}
