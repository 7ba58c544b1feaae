package metrics

import "time"

// MountMetrics observes the mount orchestrator.
type MountMetrics interface {
	// RecordOperation records one orchestrator operation ("mount",
	// "unmount", "share", "unshare", "pool_enable", "pool_disable").
	RecordOperation(operation string, duration time.Duration, err error)

	// SetMounted updates the number of datasets in the mount cache.
	SetMounted(count int)
}

// NewNoopMountMetrics returns a MountMetrics that records nothing.
func NewNoopMountMetrics() MountMetrics {
	return noopMountMetrics{}
}

type noopMountMetrics struct{}

func (noopMountMetrics) RecordOperation(string, time.Duration, error) {}
func (noopMountMetrics) SetMounted(int)                               {}
