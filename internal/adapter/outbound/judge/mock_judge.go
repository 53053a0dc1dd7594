package judge

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/chimera-gw/chimera/internal/domain/risk"
)

// MockRule is one pattern in a scenario's mock judge table. Rules are
// evaluated in order; the first match wins.
type MockRule struct {
	// Tools restricts the rule to the named tools. Empty means any tool.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	// Field is a dotted path rooted at {tool, args, context},
	// e.g. "args.query" or "context.user_role".
	Field string `yaml:"field" json:"field"`
	// Operator is one of eq, neq, contains, regex, gt, gte, lt, lte.
	// Empty defaults to eq.
	Operator string      `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    interface{} `yaml:"value" json:"value"`

	// RiskScore defaults to 0.5 when the rule omits it.
	RiskScore  *float64 `yaml:"risk_score,omitempty" json:"risk_score,omitempty"`
	Confidence *float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	Reason     string   `yaml:"reason,omitempty" json:"reason,omitempty"`
	Tags       []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// MockJudge resolves assessments from an ordered rule table instead of a
// model. Scenario runs use it for deterministic, offline classification.
type MockJudge struct {
	rules      []MockRule
	defaultOut risk.Assessment
}

// NewMockJudge builds a mock judge. A nil def falls back to a low-risk
// "default safe" assessment.
func NewMockJudge(rules []MockRule, def *risk.Assessment) *MockJudge {
	out := risk.Assessment{Risk: 0.1, Confidence: 1.0, Reason: "Mock: Default safe."}
	if def != nil {
		out = *def
	}
	return &MockJudge{rules: rules, defaultOut: out}
}

// Classify walks the rule table and returns the first match.
func (m *MockJudge) Classify(ctx context.Context, tool string, args, callCtx map[string]interface{}) risk.Assessment {
	payload := map[string]interface{}{
		"tool":    tool,
		"args":    args,
		"context": callCtx,
	}

	for _, rule := range m.rules {
		if len(rule.Tools) > 0 && !hasString(rule.Tools, tool) {
			continue
		}
		if rule.Field == "" {
			continue
		}

		lhs, _ := deepGet(payload, rule.Field)
		op := rule.Operator
		if op == "" {
			op = "eq"
		}
		if !mockCompare(lhs, op, rule.Value) {
			continue
		}

		out := risk.Assessment{Risk: 0.5, Confidence: 1.0, Reason: "Mock rule triggered.", Tags: rule.Tags}
		if rule.RiskScore != nil {
			out.Risk = *rule.RiskScore
		}
		if rule.Confidence != nil {
			out.Confidence = *rule.Confidence
		}
		if rule.Reason != "" {
			out.Reason = rule.Reason
		}
		return out
	}

	return m.defaultOut
}

func hasString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// deepGet walks a dotted path through nested maps. The second return is
// false when any segment is absent or a non-map is traversed.
func deepGet(root map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// mockCompare applies one operator. Conversion failures never match.
// A missing field (nil lhs) satisfies only neq against a non-nil value.
func mockCompare(lhs interface{}, op string, rhs interface{}) bool {
	switch op {
	case "eq":
		return mockEqual(lhs, rhs)
	case "neq":
		return !mockEqual(lhs, rhs)
	case "contains":
		if lhs == nil || rhs == nil {
			return false
		}
		return strings.Contains(asString(lhs), asString(rhs))
	case "regex":
		if lhs == nil || rhs == nil {
			return false
		}
		matched, err := regexp.MatchString(asString(rhs), asString(lhs))
		return err == nil && matched
	case "gt", "gte", "lt", "lte":
		l, lok := asFloat(lhs)
		r, rok := asFloat(rhs)
		if !lok || !rok {
			return false
		}
		switch op {
		case "gt":
			return l > r
		case "gte":
			return l >= r
		case "lt":
			return l < r
		default:
			return l <= r
		}
	}
	return false
}

// mockEqual compares numbers across int/float representations (YAML decodes
// whole numbers as int, JSON as float64) and everything else structurally.
// Strings are never coerced to numbers here; that only happens for the
// ordering operators.
func mockEqual(a, b interface{}) bool {
	an, aok := numericValue(a)
	bn, bok := numericValue(b)
	if aok && bok {
		return an == bn
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// numericValue accepts only genuine numeric types.
func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// asFloat additionally parses numeric strings, for ordering comparisons
// against stringly-typed argument values.
func asFloat(v interface{}) (float64, bool) {
	if f, ok := numericValue(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Compile-time interface verification.
var _ risk.Classifier = (*MockJudge)(nil)
