// Package http provides the HTTP transport adapter for the gateway.
//
// It exposes the same JSON-RPC dispatch as the stdio transport over a
// single endpoint, for agents that connect remotely instead of spawning
// the gateway as a subprocess.
//
// # Endpoints
//
//	POST /mcp    - Send one JSON-RPC frame, receive the response frame.
//	               Notifications are accepted with 202 and no body.
//	GET /healthz - Component health as JSON.
//	GET /metrics - Prometheus metrics.
//
// # Request Headers
//
//	Authorization: Bearer <api-key>  - Required when api_keys are configured.
//	Content-Type: application/json   - Required for POST requests.
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - Records duration and status (outermost).
//  2. RequestIDMiddleware - Extracts or mints a request id, enriches the logger.
//  3. RealIPMiddleware - Extracts the client IP from proxy headers.
//  4. APIKeyMiddleware - Verifies the bearer key against the keyring.
//  5. Handler - JSON-RPC frame dispatch.
//
// Backend-initiated notifications are not delivered over this transport;
// an agent that needs them should use stdio.
package http
