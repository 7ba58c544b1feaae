package prometheus

import (
	"time"

	"github.com/marmos91/zfsfuse/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type mountMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	mounted           prometheus.Gauge
}

// NewMountMetrics creates a Prometheus-backed MountMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewMountMetrics() metrics.MountMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopMountMetrics()
	}

	reg := metrics.GetRegistry()

	return &mountMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "zfsfuse_mount_operations_total",
				Help: "Total orchestrator operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zfsfuse_mount_operation_duration_seconds",
				Help:    "Duration of orchestrator operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		mounted: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "zfsfuse_mount_mounted_datasets",
				Help: "Number of datasets currently recorded as mounted",
			},
		),
	}
}

func (m *mountMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *mountMetrics) SetMounted(count int) {
	m.mounted.Set(float64(count))
}
