package validation

import (
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/chimera-gw/chimera/pkg/mcp"
)

// MessageValidator checks frames for JSON-RPC 2.0 structural validity.
//
// It deliberately does not maintain a method allowlist: the gateway is a
// transparent middleman, and unknown methods are forwarded untouched.
type MessageValidator struct{}

// NewMessageValidator creates a new MessageValidator.
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// Validate checks that the message is a well-formed JSON-RPC frame.
// Returns nil if valid, or a *ValidationError carrying the wire code.
//
// Rules:
//   - the frame must have decoded (parse error otherwise)
//   - requests and notifications must carry a method
//   - responses must carry an id and exactly one of result or error
func (v *MessageValidator) Validate(msg *mcp.Message) error {
	if msg.Decoded == nil {
		return NewValidationError(ErrCodeParseError, "Parse error")
	}

	switch m := msg.Decoded.(type) {
	case *jsonrpc.Request:
		return v.validateRequest(m)

	case *jsonrpc.Response:
		return v.validateResponse(m)

	default:
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}
}

// validateRequest validates a request or notification. In the SDK a
// notification is a Request with no id.
func (v *MessageValidator) validateRequest(req *jsonrpc.Request) error {
	if req.Method == "" {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}
	return nil
}

// validateResponse validates a JSON-RPC response.
func (v *MessageValidator) validateResponse(resp *jsonrpc.Response) error {
	if !resp.ID.IsValid() {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}

	hasResult := resp.Result != nil
	hasError := resp.Error != nil

	if hasResult == hasError {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}

	return nil
}
