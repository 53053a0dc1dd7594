package proxy

import (
	"encoding/json"
	"errors"

	"github.com/chimera-gw/chimera/internal/domain/validation"
)

// Errors surfaced by the forwarding path.
var (
	// ErrBackendUnavailable means the backend connection is down or was
	// never established.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrForwardTimeout means the backend did not answer a call within
	// the forward deadline.
	ErrForwardTimeout = errors.New("backend call timed out")
)

// CodeRequestTimeout is the implementation-defined JSON-RPC error code used
// when a forwarded call exceeds its deadline.
const CodeRequestTimeout = -32000

// SafeErrorMessage returns a client-safe error message. Internal detail is
// logged by the caller and never crosses the wire: the agent must not learn
// anything about the gateway's insides from an error string.
func SafeErrorMessage(err error) string {
	var valErr *validation.ValidationError
	if errors.As(err, &valErr) {
		return valErr.Message
	}

	switch {
	case errors.Is(err, ErrForwardTimeout):
		return "Request timed out"
	case errors.Is(err, ErrBackendUnavailable):
		return "Backend unavailable"
	default:
		return "Internal error"
	}
}

// CodeForError maps an error to the JSON-RPC error code the agent sees.
func CodeForError(err error) int {
	var valErr *validation.ValidationError
	if errors.As(err, &valErr) {
		return valErr.Code
	}

	switch {
	case errors.Is(err, ErrForwardTimeout):
		return CodeRequestTimeout
	case errors.Is(err, ErrBackendUnavailable):
		return validation.ErrCodeInternalError
	default:
		return validation.ErrCodeInternalError
	}
}

// CreateJSONRPCError builds a JSON-RPC 2.0 error frame. id holds the raw
// request id bytes; nil becomes null per JSON-RPC 2.0.
func CreateJSONRPCError(id json.RawMessage, code int, message string) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	b, _ := json.Marshal(resp)
	return b
}
