package config

import (
	"github.com/marmos91/zfsfuse/pkg/metrics"
	promMetrics "github.com/marmos91/zfsfuse/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Listener observes the session listener (never nil, noop if disabled)
	Listener metrics.ListenerMetrics

	// Mount observes the orchestrator (never nil, noop if disabled)
	Mount metrics.MountMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are disabled, no registry is created and every collector is a
// no-op.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			Listener: metrics.NewNoopListenerMetrics(),
			Mount:    metrics.NewNoopMountMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:   server,
		Listener: promMetrics.NewListenerMetrics(),
		Mount:    promMetrics.NewMountMetrics(),
	}
}
