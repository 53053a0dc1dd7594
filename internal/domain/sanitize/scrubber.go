// Package sanitize scrubs backend responses before they return to the agent.
// Both planes produce output through the same scrubber, so a response never
// betrays which plane served it: leaked credentials, key material, gateway
// paths, and stack traces are all replaced with a fixed marker.
package sanitize

import (
	"fmt"
	"regexp"
)

// Redacted replaces every matched secret. The marker matches none of the
// built-in patterns, so scrubbing is idempotent.
const Redacted = "[REDACTED]"

// Pattern is one named redaction rule. Extra rules can be declared in
// gateway configuration and are applied after the built-ins.
type Pattern struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// DefaultPatterns returns the built-in redaction set.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "aws_access_key", Expr: `\bAKIA[0-9A-Z]{16}\b`},
		{Name: "private_key_block", Expr: `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`},
		{Name: "private_key_header", Expr: `-----BEGIN [A-Z ]*PRIVATE KEY-----`},
		{Name: "signed_jwt", Expr: `eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`},
		{Name: "plane_path", Expr: `[\w./-]*/planes?/(?:prime|shadow)[\w./-]*`},
		{Name: "gateway_path", Expr: `(?:/srv|/opt|/etc|/var/lib)/chimera[\w./-]*`},
		{Name: "url_credentials", Expr: `://[^\s:@/]+:[^\s@/]+@`},
		{Name: "python_traceback", Expr: `Traceback \(most recent call last\):`},
		{Name: "goroutine_dump", Expr: `(?m)^goroutine \d+ \[[^\]]+\]:`},
	}
}

type rule struct {
	name string
	re   *regexp.Regexp
}

// Scrubber applies the redaction rules to response values. Stateless after
// construction; safe for concurrent use.
type Scrubber struct {
	rules []rule
}

// New compiles the built-in patterns plus any extras. An invalid extra
// pattern is a configuration error and fails construction.
func New(extra ...Pattern) (*Scrubber, error) {
	patterns := append(DefaultPatterns(), extra...)
	rules := make([]rule, 0, len(patterns))
	for _, p := range patterns {
		if p.Name == "" {
			return nil, fmt.Errorf("sanitize pattern with empty name")
		}
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("sanitize pattern %q: %w", p.Name, err)
		}
		rules = append(rules, rule{name: p.Name, re: re})
	}
	return &Scrubber{rules: rules}, nil
}

// ScrubString replaces every rule match in s and reports how many secrets
// were redacted.
func (sc *Scrubber) ScrubString(s string) (string, int) {
	redacted := 0
	for _, r := range sc.rules {
		s = r.re.ReplaceAllStringFunc(s, func(string) string {
			redacted++
			return Redacted
		})
	}
	return s, redacted
}

// ScrubValue recursively scrubs a decoded JSON value. Strings are scrubbed
// in place of structure; maps and slices are copied with each element
// scrubbed. Other types pass through unchanged.
func (sc *Scrubber) ScrubValue(v interface{}) (interface{}, int) {
	switch val := v.(type) {
	case string:
		return sc.ScrubString(val)

	case map[string]interface{}:
		redacted := 0
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			scrubbed, n := sc.ScrubValue(inner)
			out[k] = scrubbed
			redacted += n
		}
		return out, redacted

	case []interface{}:
		redacted := 0
		out := make([]interface{}, len(val))
		for i, inner := range val {
			scrubbed, n := sc.ScrubValue(inner)
			out[i] = scrubbed
			redacted += n
		}
		return out, redacted

	default:
		return v, 0
	}
}

// ScrubResult scrubs a tools/call result object. The whole tree is walked,
// not just text content blocks, so secrets in structured content or
// metadata fields are caught too.
func (sc *Scrubber) ScrubResult(result map[string]interface{}) (map[string]interface{}, int) {
	if result == nil {
		return nil, 0
	}
	scrubbed, n := sc.ScrubValue(result)
	return scrubbed.(map[string]interface{}), n
}
