// Package mcp provides MCP message types and JSON-RPC codec utilities
// for the chimera gateway.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// WarrantParam is the reserved argument key the gateway injects into
// forwarded tools/call requests. Any agent-supplied value under this key
// is stripped before interception so callers cannot mint their own route.
const WarrantParam = "__chimera_warrant__"

// Direction indicates the flow direction of a message through the gateway.
type Direction int

const (
	// AgentToBackend indicates a message flowing from the agent to the
	// tool-execution backend.
	AgentToBackend Direction = iota
	// BackendToAgent indicates a message flowing from the backend to the agent.
	BackendToAgent
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case AgentToBackend:
		return "agent->backend"
	case BackendToAgent:
		return "backend->agent"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with gateway metadata.
// It stores both the raw bytes (for efficient passthrough) and the decoded
// message (for interception).
type Message struct {
	// Raw contains the original bytes of the message.
	// Used for passthrough when no modification is needed.
	Raw []byte

	// Direction indicates whether this message is flowing from
	// agent to backend or backend to agent.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message.
	// May be nil if parsing failed but passthrough is still desired.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the gateway.
	Timestamp time.Time

	// ParsedParams contains the parsed params from a JSON-RPC request.
	// Set by ParseParams() for reuse across pipeline stages.
	// Nil if not a request or parsing failed.
	ParsedParams map[string]interface{}
}

// ToolCall is the inspected view of a tools/call request.
type ToolCall struct {
	// Name is the tool being invoked.
	Name string
	// Arguments holds the tool-specific argument map. Never nil for a
	// well-formed call; may be empty.
	Arguments map[string]interface{}
	// Context holds the optional agent-provided context envelope
	// (user_id, user_role, source, ticket, session_id).
	Context map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	if m.Decoded == nil {
		return ""
	}
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// IsToolCall returns true if this is a tools/call request.
// Only these messages are inspected; every other method passes through
// untouched.
func (m *Message) IsToolCall() bool {
	return m.Method() == "tools/call"
}

// Request returns the underlying Request if this is a request message.
// Returns nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
// Returns nil if this is not a response.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params and stores in ParsedParams.
// Safe to call multiple times (no-op if already parsed).
// Returns the parsed params or nil if not a request or parsing fails.
func (m *Message) ParseParams() map[string]interface{} {
	// Already parsed
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// ToolCall returns the inspected view of a tools/call request.
// Returns nil if the message is not a tools/call or its params are malformed.
func (m *Message) ToolCall() *ToolCall {
	if !m.IsToolCall() {
		return nil
	}
	params := m.ParseParams()
	if params == nil {
		return nil
	}

	tc := &ToolCall{
		Arguments: map[string]interface{}{},
	}
	tc.Name, _ = params["name"].(string)
	if args, ok := params["arguments"].(map[string]interface{}); ok {
		tc.Arguments = args
	}
	if env, ok := params["context"].(map[string]interface{}); ok {
		tc.Context = env
	}
	return tc
}

// SessionID returns the session identifier from the context envelope.
// Returns empty string if absent; the interceptor mints one in that case.
func (m *Message) SessionID() string {
	tc := m.ToolCall()
	if tc == nil || tc.Context == nil {
		return ""
	}
	id, _ := tc.Context["session_id"].(string)
	return id
}

// RawID extracts the request ID from the raw message bytes as json.RawMessage.
// This is needed because the SDK's jsonrpc.ID type doesn't marshal correctly
// through interface{}, so we extract the ID directly from the raw JSON.
// Returns nil if no ID is found or if the message is not a request.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}

	// Parse raw bytes to extract "id" field
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}

	// Return the raw ID value (preserves original format: number, string, or null)
	return raw["id"]
}
