// Package validation rejects malformed frames and hostile tool-call shapes
// before they reach the interception pipeline. It checks structure only;
// routing decisions belong to the policy evaluator.
package validation

import "fmt"

// JSON-RPC 2.0 standard error codes, per
// https://www.jsonrpc.org/specification#error_object
const (
	// ErrCodeParseError indicates invalid JSON was received.
	ErrCodeParseError = -32700

	// ErrCodeInvalidRequest indicates the JSON is not a valid Request object.
	ErrCodeInvalidRequest = -32600

	// ErrCodeMethodNotFound indicates the method does not exist.
	ErrCodeMethodNotFound = -32601

	// ErrCodeInvalidParams indicates invalid method parameters.
	ErrCodeInvalidParams = -32602

	// ErrCodeInternalError indicates an internal JSON-RPC error.
	ErrCodeInternalError = -32603
)

// ValidationError carries a JSON-RPC error code and a message safe to put
// on the wire. It never holds internal detail.
type ValidationError struct {
	// Code is the JSON-RPC error code.
	Code int

	// Message is the client-facing error text.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error %d: %s", e.Code, e.Message)
}

// NewValidationError creates a ValidationError with the given code and message.
func NewValidationError(code int, message string) *ValidationError {
	return &ValidationError{
		Code:    code,
		Message: message,
	}
}
