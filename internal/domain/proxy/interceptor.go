// Package proxy defines the gateway-side contracts of the interception
// pipeline and the JSON-RPC error surface shared by the transports.
package proxy

import (
	"context"

	"github.com/chimera-gw/chimera/pkg/mcp"
)

// MessageInterceptor inspects a tools/call request and produces the frame
// the gateway sends back to the agent.
//
// The returned message carries the final agent-facing response: the
// interceptor routes the call, forwards it, and scrubs the reply before
// returning. An error return means no response could be produced; the
// caller answers with a JSON-RPC error built from SafeErrorMessage.
type MessageInterceptor interface {
	Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)
}

// PassthroughInterceptor answers nothing and changes nothing. It stands in
// for the pipeline in tests and when interception is disabled.
type PassthroughInterceptor struct{}

// NewPassthroughInterceptor creates a passthrough interceptor.
func NewPassthroughInterceptor() *PassthroughInterceptor {
	return &PassthroughInterceptor{}
}

// Intercept returns the message unchanged.
func (i *PassthroughInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	return msg, nil
}

var _ MessageInterceptor = (*PassthroughInterceptor)(nil)
