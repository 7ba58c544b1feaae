package metrics

import "time"

// ListenerMetrics observes the FUSE session listener.
//
// Implementations must be safe for concurrent use by every dispatch worker.
type ListenerMetrics interface {
	// SetActiveSessions updates the number of live sessions (slot 0 excluded).
	SetActiveSessions(count int)

	// RecordRegistration counts one registration; accepted is false when the
	// registry was full and the channel was force-unmounted.
	RecordRegistration(accepted bool)

	// RecordSessionRetired counts a session leaving the registry.
	//
	// Parameters:
	//   - reason: "exited", "io_error" or "shutdown"
	RecordSessionRetired(reason string)

	// RecordRequest records one dispatched kernel request.
	RecordRequest(opcode string, duration time.Duration, err error)
}

// NewNoopListenerMetrics returns a ListenerMetrics that records nothing.
func NewNoopListenerMetrics() ListenerMetrics {
	return noopListenerMetrics{}
}

type noopListenerMetrics struct{}

func (noopListenerMetrics) SetActiveSessions(int)                      {}
func (noopListenerMetrics) RecordRegistration(bool)                    {}
func (noopListenerMetrics) RecordSessionRetired(string)                {}
func (noopListenerMetrics) RecordRequest(string, time.Duration, error) {}
