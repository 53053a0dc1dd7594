package proxy

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/chimera-gw/chimera/internal/domain/validation"
)

func TestSafeErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", ErrForwardTimeout, "Request timed out"},
		{"wrapped timeout", fmt.Errorf("call read_file: %w", ErrForwardTimeout), "Request timed out"},
		{"backend down", ErrBackendUnavailable, "Backend unavailable"},
		{"validation error keeps its message", validation.NewValidationError(validation.ErrCodeInvalidParams, "tool name is required"), "tool name is required"},
		{"unknown internal detail hidden", fmt.Errorf("dial tcp 10.0.0.3:9200: connection refused"), "Internal error"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeErrorMessage(tt.err); got != tt.want {
				t.Errorf("SafeErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodeForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", ErrForwardTimeout, CodeRequestTimeout},
		{"backend down", ErrBackendUnavailable, validation.ErrCodeInternalError},
		{"validation code carried", validation.NewValidationError(validation.ErrCodeParseError, "Parse error"), validation.ErrCodeParseError},
		{"unknown", fmt.Errorf("boom"), validation.ErrCodeInternalError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeForError(tt.err); got != tt.want {
				t.Errorf("CodeForError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCreateJSONRPCError(t *testing.T) {
	frame := CreateJSONRPCError(json.RawMessage(`42`), CodeRequestTimeout, "Request timed out")

	var decoded struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if decoded.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q, want 2.0", decoded.JSONRPC)
	}
	if decoded.ID != 42 {
		t.Errorf("id = %d, want 42", decoded.ID)
	}
	if decoded.Error.Code != CodeRequestTimeout || decoded.Error.Message != "Request timed out" {
		t.Errorf("error = %+v", decoded.Error)
	}
}

func TestCreateJSONRPCErrorNilID(t *testing.T) {
	frame := CreateJSONRPCError(nil, -32700, "Parse error")

	var decoded map[string]interface{}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	id, present := decoded["id"]
	if !present {
		t.Fatal("id field missing")
	}
	if id != nil {
		t.Errorf("id = %v, want null", id)
	}
}
