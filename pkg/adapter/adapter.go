package adapter

import (
	"context"
)

// Adapter is a long-running request-serving component managed by the
// daemon.
//
// Lifecycle:
//  1. Creation: the adapter is built from its configuration section
//  2. Startup: Serve() starts serving and blocks until shutdown
//  3. Shutdown: Stop() tears down served state and drains workers
//
// Thread safety:
// Implementations must be safe for concurrent use. Stop() may be called
// concurrently with Serve().
type Adapter interface {
	// Serve starts the adapter and blocks until the context is cancelled
	// or an unrecoverable error occurs.
	//
	// If Serve returns before context cancellation, the daemon treats it as
	// a fatal error and shuts down.
	Serve(ctx context.Context) error

	// Stop initiates shutdown. It must be idempotent and must return once
	// the adapter's own drain timeout or ctx expires, whichever is first.
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logs and metrics.
	Protocol() string
}
