// Package metrics defines the observability hooks of the session listener and
// the mount orchestrator.
//
// All metrics are optional - if the registry is not initialized, components
// use no-op implementations. Prometheus-backed implementations live in the
// prometheus subpackage.
//
// Usage:
//
//	metrics.InitRegistry()
//	listenerMetrics := prometheus.NewListenerMetrics()
//
//	// Or use nil for no-op behavior
//	adapter := fuse.New(config, nil)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace prefixes the daemon's own metric names.
const Namespace = "zfsfuse"

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry with the Go runtime and
// process collectors attached. Later calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		r := prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: Namespace}),
		)
		registry = r
	})
}

// GetRegistry returns the registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
