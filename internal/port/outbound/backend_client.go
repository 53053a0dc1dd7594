// Package outbound defines the outbound port interfaces for reaching the
// tool-execution backend.
package outbound

import (
	"context"
)

// BackendClient is the outbound port for the backend connection. Adapters
// implement it over stdio (spawned subprocess) and HTTP.
//
// Calls are correlated by JSON-RPC id, so multiple calls may be in flight
// at once. The deadline on ctx bounds each call; an expired deadline
// surfaces as the context error.
type BackendClient interface {
	// Start establishes the backend connection. For the stdio adapter this
	// launches the subprocess and its read pump.
	Start(ctx context.Context) error

	// Call sends a request frame and blocks until the matching response
	// frame arrives or ctx expires.
	Call(ctx context.Context, frame []byte) ([]byte, error)

	// Notify sends a notification frame. No response is expected.
	Notify(ctx context.Context, frame []byte) error

	// Notifications yields backend-initiated frames (notifications and
	// requests that match no pending call). The channel closes when the
	// backend connection ends; for the HTTP adapter it never yields.
	Notifications() <-chan []byte

	// Close tears down the connection and releases resources.
	Close() error
}
