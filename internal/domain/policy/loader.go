package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidManifest reports a manifest inconsistency found at load time.
// The gateway refuses to start on it rather than run a partial policy.
var ErrInvalidManifest = errors.New("invalid policy manifest")

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy manifest: %w", err)
	}
	m, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest document, applies defaults, and validates it.
// Unknown document keys are rejected.
func Parse(raw []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidManifest)
		}
		return nil, fmt.Errorf("parse policy manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate applies defaults and verifies cross-cutting consistency: unique
// rule ids, known operators and routes, resolvable phase names, and
// compilable regex patterns. Literal regex conditions are compiled in place.
func (m *Manifest) Validate() error {
	if m.DefaultAction == "" {
		m.DefaultAction = RouteProduction
	}
	if !m.DefaultAction.Valid() {
		return fmt.Errorf("%w: default_action %q is not a route", ErrInvalidManifest, m.DefaultAction)
	}

	if err := m.validateOrder(); err != nil {
		return err
	}
	if err := m.validateDirectives(); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	if err := m.validateRules(PhaseTrustedWorkflows, m.TrustedWorkflows, seen); err != nil {
		return err
	}
	if err := m.validateRules(PhaseSecurityPolicies, m.SecurityPolicies, seen); err != nil {
		return err
	}
	if err := m.validateExpressions(seen); err != nil {
		return err
	}

	if err := m.validateThreshold(PhaseAccumulatedRisk, m.AccumulatedRisk); err != nil {
		return err
	}
	if err := m.validateThreshold(PhaseEventRisk, m.EventRisk); err != nil {
		return err
	}

	return m.validateTaint()
}

func (m *Manifest) validateOrder() error {
	listed := make(map[string]struct{}, len(m.EvaluationOrder))
	for i, phase := range m.EvaluationOrder {
		if _, dup := listed[phase]; dup {
			return fmt.Errorf("%w: phase %q listed twice in evaluation_order", ErrInvalidManifest, phase)
		}
		listed[phase] = struct{}{}

		switch phase {
		case PhaseDirectives, PhaseTrustedWorkflows, PhaseSecurityPolicies,
			PhaseAccumulatedRisk, PhaseEventRisk:
		case PhaseDefault:
			if i != len(m.EvaluationOrder)-1 {
				return fmt.Errorf("%w: default must be the final phase in evaluation_order", ErrInvalidManifest)
			}
		default:
			if _, ok := m.Expressions[phase]; !ok {
				return fmt.Errorf("%w: evaluation_order names unknown phase %q", ErrInvalidManifest, phase)
			}
		}
	}
	return nil
}

func (m *Manifest) validateDirectives() error {
	for id, d := range m.Directives.Users {
		if !d.Action.Valid() {
			return fmt.Errorf("%w: user directive %q: action %q is not a route", ErrInvalidManifest, id, d.Action)
		}
	}
	for role, d := range m.Directives.Roles {
		if !d.Action.Valid() {
			return fmt.Errorf("%w: role directive %q: action %q is not a route", ErrInvalidManifest, role, d.Action)
		}
	}
	return nil
}

func (m *Manifest) validateRules(phase string, rules []Rule, seen map[string]struct{}) error {
	for i := range rules {
		r := &rules[i]
		if r.ID == "" {
			return fmt.Errorf("%w: %s rule #%d has no id", ErrInvalidManifest, phase, i+1)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidManifest, r.ID)
		}
		seen[r.ID] = struct{}{}

		if !r.Action.Valid() {
			return fmt.Errorf("%w: rule %q: action %q is not a route", ErrInvalidManifest, r.ID, r.Action)
		}
		if r.AllowOnly && r.Action != RouteProduction {
			return fmt.Errorf("%w: rule %q is allow-only but routes to %s", ErrInvalidManifest, r.ID, r.Action)
		}
		if err := walkConditions(r.Match, validateCondition); err != nil {
			return fmt.Errorf("%w: rule %q: %v", ErrInvalidManifest, r.ID, err)
		}
	}
	return nil
}

func (m *Manifest) validateExpressions(seen map[string]struct{}) error {
	for phase, rules := range m.Expressions {
		switch phase {
		case PhaseDirectives, PhaseTrustedWorkflows, PhaseSecurityPolicies,
			PhaseAccumulatedRisk, PhaseEventRisk, PhaseDefault:
			return fmt.Errorf("%w: expression phase %q shadows a built-in phase", ErrInvalidManifest, phase)
		}
		for i := range rules {
			r := &rules[i]
			if r.ID == "" {
				return fmt.Errorf("%w: expression phase %s rule #%d has no id", ErrInvalidManifest, phase, i+1)
			}
			if _, dup := seen[r.ID]; dup {
				return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidManifest, r.ID)
			}
			seen[r.ID] = struct{}{}

			if strings.TrimSpace(r.Expr) == "" {
				return fmt.Errorf("%w: expression rule %q has no expr", ErrInvalidManifest, r.ID)
			}
			if !r.Action.Valid() {
				return fmt.Errorf("%w: expression rule %q: action %q is not a route", ErrInvalidManifest, r.ID, r.Action)
			}
		}
	}
	return nil
}

func (m *Manifest) validateThreshold(phase string, t *Threshold) error {
	if t == nil {
		return nil
	}
	if t.Field == "" {
		t.Field = phase
	}
	if t.Field != phase {
		return fmt.Errorf("%w: threshold phase %s declares field %q", ErrInvalidManifest, phase, t.Field)
	}
	switch t.Operator {
	case "":
		t.Operator = OpGte
	case OpGte, OpGt:
	default:
		return fmt.Errorf("%w: threshold phase %s: operator %q (want gte or gt)", ErrInvalidManifest, phase, t.Operator)
	}
	if t.Threshold < 0 {
		return fmt.Errorf("%w: threshold phase %s: negative threshold %v", ErrInvalidManifest, phase, t.Threshold)
	}
	if !t.Action.Valid() {
		return fmt.Errorf("%w: threshold phase %s: action %q is not a route", ErrInvalidManifest, phase, t.Action)
	}
	if t.ConfidenceFloor != nil && (*t.ConfidenceFloor < 0 || *t.ConfidenceFloor > 1) {
		return fmt.Errorf("%w: threshold phase %s: confidence_floor %v outside [0,1]", ErrInvalidManifest, phase, *t.ConfidenceFloor)
	}
	return nil
}

func (m *Manifest) validateTaint() error {
	switch m.Taint.DefaultTrust {
	case "", "green", "red":
	default:
		return fmt.Errorf("%w: taint default_trust %q (want green or red)", ErrInvalidManifest, m.Taint.DefaultTrust)
	}
	for _, p := range m.Taint.Red {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: red taint pattern %q: %v", ErrInvalidManifest, p, err)
		}
	}
	for _, p := range m.Taint.Green {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: green taint pattern %q: %v", ErrInvalidManifest, p, err)
		}
	}
	return nil
}

// walkConditions visits every leaf of a match tree, rejecting empty
// combinators on the way.
func walkConditions(c *Clause, fn func(*Condition) error) error {
	switch {
	case c == nil:
		return nil
	case c.All != nil:
		if len(c.All) == 0 {
			return fmt.Errorf("empty all clause")
		}
		for i := range c.All {
			if err := walkConditions(&c.All[i], fn); err != nil {
				return err
			}
		}
		return nil
	case c.Any != nil:
		if len(c.Any) == 0 {
			return fmt.Errorf("empty any clause")
		}
		for i := range c.Any {
			if err := walkConditions(&c.Any[i], fn); err != nil {
				return err
			}
		}
		return nil
	case c.Not != nil:
		return walkConditions(c.Not, fn)
	case c.Leaf != nil:
		return fn(c.Leaf)
	default:
		return fmt.Errorf("empty match clause")
	}
}

// validateCondition checks one leaf and compiles literal regex patterns.
func validateCondition(cond *Condition) error {
	if cond.Field == "" {
		return fmt.Errorf("condition is missing a field")
	}
	if !validFieldPath(cond.Field) {
		return fmt.Errorf("condition field %q does not resolve to a known root", cond.Field)
	}
	if cond.Operator != "" && !knownOperator(cond.Operator) {
		return fmt.Errorf("condition on %q uses unknown operator %q", cond.Field, cond.Operator)
	}
	if cond.Value != nil && cond.ValueFromContext != "" {
		return fmt.Errorf("condition on %q sets both value and value_from_context", cond.Field)
	}
	if cond.ValueFromContext != "" && !validFieldPath(cond.ValueFromContext) {
		return fmt.Errorf("condition on %q: value_from_context %q does not resolve to a known root", cond.Field, cond.ValueFromContext)
	}
	if cond.Operator == OpRegex && cond.ValueFromContext == "" {
		pattern, ok := cond.Value.(string)
		if !ok {
			return fmt.Errorf("condition on %q: regex value must be a string", cond.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("condition on %q: invalid regex: %v", cond.Field, err)
		}
		cond.re = re
	}
	return nil
}

// validFieldPath accepts dotted paths under args and context plus the three
// scalar roots.
func validFieldPath(path string) bool {
	root, rest, nested := strings.Cut(path, ".")
	switch root {
	case "args", "context":
		return !nested || rest != ""
	case "risk_score", "confidence", FieldAccumulatedRisk:
		return !nested
	}
	return false
}
