// Package stdio provides the stdio transport adapter for the gateway.
package stdio

import (
	"context"
	"os"

	"github.com/chimera-gw/chimera/internal/port/inbound"
	"github.com/chimera-gw/chimera/internal/service"
)

// StdioTransport connects the proxy to stdin/stdout. Frames are
// newline-delimited JSON; logs must go to stderr so stdout stays a clean
// wire.
type StdioTransport struct {
	proxyService *service.ProxyService
}

// NewStdioTransport creates a stdio transport adapter wrapping the given
// proxy service.
func NewStdioTransport(proxyService *service.ProxyService) *StdioTransport {
	return &StdioTransport{
		proxyService: proxyService,
	}
}

// Start begins proxying between stdin/stdout and the backend. It blocks
// until stdin closes or the context is cancelled.
func (t *StdioTransport) Start(ctx context.Context) error {
	return t.proxyService.Run(ctx, os.Stdin, os.Stdout)
}

// Close gracefully shuts down the transport.
// For stdio, there are no resources to clean up.
func (t *StdioTransport) Close() error {
	return nil
}

var _ inbound.Transport = (*StdioTransport)(nil)
