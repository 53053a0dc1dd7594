// Package policy implements the deterministic routing policy: a manifest of
// phases evaluated in declared order, where the first phase that produces an
// action decides which data plane a tool call is dispatched to.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Route is the data plane a tool call is dispatched to.
type Route string

const (
	// RouteProduction dispatches the call to the real data plane.
	RouteProduction Route = "production"
	// RouteShadow dispatches the call to the deception data plane.
	RouteShadow Route = "shadow"
)

// Valid reports whether r names a known route.
func (r Route) Valid() bool {
	return r == RouteProduction || r == RouteShadow
}

// Built-in phase names recognized in evaluation_order. Any other name must
// refer to an expression phase declared under expressions.
const (
	PhaseDirectives       = "directives"
	PhaseTrustedWorkflows = "trusted_workflows"
	PhaseSecurityPolicies = "security_policies"
	PhaseAccumulatedRisk  = "accumulated_risk"
	PhaseEventRisk        = "event_risk"
	PhaseDefault          = "default"
)

// DefaultEvaluationOrder applies when the manifest omits evaluation_order:
// explicit human decisions first, then known-good allows, then known-bad
// blocks, then stateful risk, then single-event risk.
var DefaultEvaluationOrder = []string{
	PhaseDirectives,
	PhaseTrustedWorkflows,
	PhaseSecurityPolicies,
	PhaseAccumulatedRisk,
	PhaseEventRisk,
}

// Threshold field names accepted by threshold phases.
const (
	FieldAccumulatedRisk = "accumulated_risk"
	FieldEventRisk       = "event_risk"
)

// Decision is the outcome of evaluating the manifest for one tool call.
type Decision struct {
	// Route is the selected data plane.
	Route Route
	// RuleID identifies the rule or phase that produced the decision.
	RuleID string
	// Phase is the evaluation_order entry that fired.
	Phase string
	// Reason explains the decision for the ledger.
	Reason string
	// Fallback is true when the decision came from an evaluator failure
	// rather than a matching phase.
	Fallback bool
}

// Input carries everything a phase may inspect for one tool call.
type Input struct {
	// Tool is the invoked tool name.
	Tool string
	// Args are the tool call arguments.
	Args map[string]interface{}
	// Context is the assembled call context: identity and envelope fields
	// plus derived flags such as is_tainted and is_suspicious_query.
	Context map[string]interface{}
	// EventRisk is the classifier's risk score for this call.
	EventRisk float64
	// Confidence is the classifier's confidence in EventRisk.
	Confidence float64
	// AccumulatedRisk is the session's windowed risk sum.
	AccumulatedRisk float64
}

// fields builds the lookup root condition paths resolve against.
func (in Input) fields() map[string]interface{} {
	return map[string]interface{}{
		"args":             in.Args,
		"context":          in.Context,
		"risk_score":       in.EventRisk,
		"confidence":       in.Confidence,
		"accumulated_risk": in.AccumulatedRisk,
	}
}

// Condition is a leaf predicate over one field of the call.
type Condition struct {
	// Field is a dotted path rooted at args, context, risk_score,
	// confidence, or accumulated_risk.
	Field string `yaml:"field"`
	// Operator is one of the comparison operators; empty means eq.
	Operator string `yaml:"operator"`
	// Value is the literal the field is compared against.
	Value interface{} `yaml:"value"`
	// ValueFromContext names another field whose runtime value is used as
	// the comparator instead of a literal.
	ValueFromContext string `yaml:"value_from_context"`

	re *regexp.Regexp // set by the loader for literal regex patterns
}

// Clause is one node of a rule's match tree: an all/any/not combinator or a
// leaf condition.
type Clause struct {
	All  []Clause
	Any  []Clause
	Not  *Clause
	Leaf *Condition
}

// UnmarshalYAML decodes a clause node, treating a mapping without a
// combinator key as a leaf condition.
func (c *Clause) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: match clause must be a mapping", node.Line)
	}
	switch {
	case hasYAMLKey(node, "all"):
		var aux struct {
			All []Clause `yaml:"all"`
		}
		if err := node.Decode(&aux); err != nil {
			return err
		}
		c.All = aux.All
	case hasYAMLKey(node, "any"):
		var aux struct {
			Any []Clause `yaml:"any"`
		}
		if err := node.Decode(&aux); err != nil {
			return err
		}
		c.Any = aux.Any
	case hasYAMLKey(node, "not"):
		var aux struct {
			Not *Clause `yaml:"not"`
		}
		if err := node.Decode(&aux); err != nil {
			return err
		}
		c.Not = aux.Not
	default:
		var leaf Condition
		if err := node.Decode(&leaf); err != nil {
			return err
		}
		c.Leaf = &leaf
	}
	return nil
}

func hasYAMLKey(node *yaml.Node, key string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Rule is one entry of a rule-list phase.
type Rule struct {
	// ID uniquely identifies the rule across the whole manifest.
	ID string `yaml:"id"`
	// Tools limits the rule to the named tools; empty or "*" covers all.
	Tools []string `yaml:"tools"`
	// Match is the condition tree; a nil match always applies.
	Match *Clause `yaml:"match"`
	// Action is the route taken when the rule matches.
	Action Route `yaml:"action"`
	// Reason explains the rule for the ledger.
	Reason string `yaml:"reason"`
	// AllowOnly marks the rule as an explicit allow; the loader rejects
	// allow-only rules whose action is not production.
	AllowOnly bool `yaml:"allow_only"`
}

// AppliesTo reports whether the rule covers the named tool.
func (r *Rule) AppliesTo(tool string) bool {
	return toolListed(r.Tools, tool)
}

// Directive is a per-user or per-role routing override.
type Directive struct {
	Action Route  `yaml:"action"`
	Reason string `yaml:"reason"`
}

// Directives maps identities to routing overrides. The user table is
// consulted before the role table.
type Directives struct {
	Users map[string]Directive `yaml:"users"`
	Roles map[string]Directive `yaml:"roles"`
}

// Threshold routes when a numeric field crosses a limit.
type Threshold struct {
	// Field is the compared quantity: accumulated_risk or event_risk.
	// Empty defaults to the phase name.
	Field string `yaml:"field"`
	// Operator is gte (default) or gt.
	Operator string `yaml:"operator"`
	// Threshold is the limit the field is compared against.
	Threshold float64 `yaml:"threshold"`
	// Action is the route taken when the comparison holds.
	Action Route `yaml:"action"`
	// Reason explains the phase for the ledger.
	Reason string `yaml:"reason"`
	// ConfidenceFloor, when set, keeps the phase silent unless the
	// classifier confidence reaches the floor.
	ConfidenceFloor *float64 `yaml:"confidence_floor"`
}

// ExprRule is one entry of an expression phase. Expr is compiled once at
// load time into a boolean program keyed by the rule id.
type ExprRule struct {
	ID     string   `yaml:"id"`
	Tools  []string `yaml:"tools"`
	Expr   string   `yaml:"expr"`
	Action Route    `yaml:"action"`
	Reason string   `yaml:"reason"`
}

// AppliesTo reports whether the rule covers the named tool.
func (r *ExprRule) AppliesTo(tool string) bool {
	return toolListed(r.Tools, tool)
}

func toolListed(tools []string, tool string) bool {
	if len(tools) == 0 {
		return true
	}
	for _, t := range tools {
		if t == "*" || t == tool {
			return true
		}
	}
	return false
}

// TaintPatterns declares the source-trust classification applied to
// inspected file reads. Red patterns taint; green patterns exempt.
type TaintPatterns struct {
	// Red are regexes marking a source as untrusted.
	Red []string `yaml:"red_patterns"`
	// Green are regexes exempting a source from tainting.
	Green []string `yaml:"green_patterns"`
	// DefaultTrust applies when no pattern matches: green or red.
	DefaultTrust string `yaml:"default_trust"`
}

// Manifest is the full policy document evaluated for every tool call.
type Manifest struct {
	// EvaluationOrder lists phase names in decision precedence; empty
	// means DefaultEvaluationOrder.
	EvaluationOrder []string `yaml:"evaluation_order"`
	// DefaultAction is the terminal route when no phase fires.
	DefaultAction Route `yaml:"default_action"`
	// Directives are per-user and per-role overrides.
	Directives Directives `yaml:"directives"`
	// TrustedWorkflows allow-list known-good call patterns.
	TrustedWorkflows []Rule `yaml:"trusted_workflows"`
	// SecurityPolicies contain known-bad call patterns.
	SecurityPolicies []Rule `yaml:"security_policies"`
	// AccumulatedRisk guards the session's windowed risk sum.
	AccumulatedRisk *Threshold `yaml:"accumulated_risk"`
	// EventRisk guards the per-call classifier score.
	EventRisk *Threshold `yaml:"event_risk"`
	// Expressions holds additional phases of compiled boolean rules,
	// keyed by phase name.
	Expressions map[string][]ExprRule `yaml:"expressions"`

	// Taint configures source-trust classification for file reads.
	Taint TaintPatterns `yaml:"taint"`
	// SuspiciousKeywords flag calls whose serialized arguments contain
	// any of these substrings (case-insensitive).
	SuspiciousKeywords []string `yaml:"suspicious_keywords"`
	// ToolCategories labels tools for category conditions.
	ToolCategories map[string]string `yaml:"tool_categories"`
}

// Category returns the declared category for a tool, or empty when the
// tool is uncategorized.
func (m *Manifest) Category(tool string) string {
	return m.ToolCategories[tool]
}

// SuspiciousQuery reports whether the serialized arguments contain one of
// the manifest's suspicious keywords.
func (m *Manifest) SuspiciousQuery(args map[string]interface{}) bool {
	if len(m.SuspiciousKeywords) == 0 || len(args) == 0 {
		return false
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return false
	}
	blob := strings.ToLower(string(raw))
	for _, kw := range m.SuspiciousKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(blob, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
