// Package inbound defines the inbound port interfaces for serving agents.
package inbound

import "context"

// Transport is the inbound port for an agent-facing listener. The stdio
// and HTTP adapters implement it.
type Transport interface {
	// Start begins serving agent traffic. It blocks until the context is
	// cancelled or the transport fails.
	Start(ctx context.Context) error

	// Close gracefully shuts down the transport.
	Close() error
}
