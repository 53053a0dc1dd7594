package validation

import (
	"regexp"
	"strings"
)

// Size limits for sanitization.
const (
	// MaxStringLength is the maximum length of any string value (1MB).
	// Longer strings are truncated so a single argument cannot exhaust
	// memory downstream.
	MaxStringLength = 1048576

	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 255
)

// toolNamePattern constrains tool names to a letter followed by
// alphanumerics, underscores, and hyphens. Names outside this shape cannot
// appear in warrants or ledger entries.
var toolNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// Sanitizer normalizes inbound tool-call parameters before classification
// and policy evaluation. It validates tool names and strips hostile bytes
// from argument strings.
type Sanitizer struct{}

// NewSanitizer creates a new Sanitizer instance.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// ValidateToolName validates a tool name against injection patterns.
// It returns a ValidationError if the name is invalid.
//
// Valid tool names:
//   - Start with a letter
//   - Contain only alphanumeric characters, underscores, and hyphens
//   - Are at most MaxToolNameLength characters
//   - Do not contain path traversal sequences
func (s *Sanitizer) ValidateToolName(name string) error {
	if name == "" {
		return NewValidationError(ErrCodeInvalidParams, "tool name is required")
	}

	if len(name) > MaxToolNameLength {
		return NewValidationError(ErrCodeInvalidParams, "tool name too long")
	}

	// Path traversal check before the pattern for a clearer error
	if strings.Contains(name, "..") || strings.Contains(name, "/") {
		return NewValidationError(ErrCodeInvalidParams, "invalid characters in tool name")
	}

	if !toolNamePattern.MatchString(name) {
		return NewValidationError(ErrCodeInvalidParams, "invalid tool name format")
	}

	return nil
}

// SanitizeValue recursively sanitizes a value.
// For strings, it removes null bytes and truncates at MaxStringLength.
// For maps and slices, it recurses into each element.
// Other types (numbers, booleans, nil) pass through unchanged.
func (s *Sanitizer) SanitizeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return s.sanitizeString(val), nil

	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, v := range val {
			sanitized, err := s.SanitizeValue(v)
			if err != nil {
				return nil, err
			}
			result[k] = sanitized
		}
		return result, nil

	case []interface{}:
		result := make([]interface{}, len(val))
		for i, v := range val {
			sanitized, err := s.SanitizeValue(v)
			if err != nil {
				return nil, err
			}
			result[i] = sanitized
		}
		return result, nil

	default:
		return v, nil
	}
}

// sanitizeString removes null bytes and truncates oversized strings.
func (s *Sanitizer) sanitizeString(str string) string {
	str = strings.ReplaceAll(str, "\x00", "")

	if len(str) > MaxStringLength {
		str = str[:MaxStringLength]
	}

	return str
}

// SanitizeToolCall validates the tool name and sanitizes all argument
// values of a parsed tools/call params object. Fields other than name and
// arguments (like _meta or the context envelope) pass through unchanged.
func (s *Sanitizer) SanitizeToolCall(params map[string]interface{}) (map[string]interface{}, error) {
	name, ok := params["name"].(string)
	if !ok {
		return nil, NewValidationError(ErrCodeInvalidParams, "tool name is required")
	}

	if err := s.ValidateToolName(name); err != nil {
		return nil, err
	}

	result := make(map[string]interface{}, len(params))
	result["name"] = name

	for k, v := range params {
		if k == "name" {
			continue
		}

		if k == "arguments" {
			sanitized, err := s.SanitizeValue(v)
			if err != nil {
				return nil, err
			}
			result[k] = sanitized
		} else {
			result[k] = v
		}
	}

	return result, nil
}
