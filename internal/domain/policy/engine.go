package policy

import (
	"fmt"
	"log/slog"
)

// Engine is the routing decision surface the interceptor consumes.
type Engine interface {
	// Evaluate returns the routing decision for one tool call.
	Evaluate(in Input) Decision
	// SuspiciousQuery reports whether serialized arguments trip a
	// configured keyword.
	SuspiciousQuery(args map[string]interface{}) bool
	// Category returns the category label for a tool, or empty.
	Category(tool string) string
}

// ExprProgram is a precompiled boolean program evaluated against one call.
// Programs are built by the expression adapter when the manifest loads.
type ExprProgram interface {
	Eval(in Input) (bool, error)
}

// Evaluator executes a manifest's phases in declared order. It is immutable
// after construction; hot reload swaps a fresh instance behind an atomic
// pointer in the service layer.
type Evaluator struct {
	manifest *Manifest
	order    []string
	programs map[string]ExprProgram
	logger   *slog.Logger
}

// NewEvaluator builds an evaluator over a validated manifest. programs maps
// expression rule ids to their compiled form and may be nil when the
// manifest declares no expression phases.
func NewEvaluator(m *Manifest, programs map[string]ExprProgram, logger *slog.Logger) *Evaluator {
	order := m.EvaluationOrder
	if len(order) == 0 {
		order = DefaultEvaluationOrder
	}
	return &Evaluator{
		manifest: m,
		order:    order,
		programs: programs,
		logger:   logger,
	}
}

// Evaluate runs the phases against one call. It always returns a decision;
// an evaluator failure falls through to the manifest's default action with
// Fallback set so the caller can record it.
func (e *Evaluator) Evaluate(in Input) Decision {
	fields := in.fields()

	for _, phase := range e.order {
		d, fired, err := e.runPhase(phase, in, fields)
		if err != nil {
			e.logger.Error("policy phase failed, using default action",
				"phase", phase,
				"tool", in.Tool,
				"error", err,
			)
			return Decision{
				Route:    e.defaultAction(),
				RuleID:   "policy_fallback",
				Phase:    phase,
				Reason:   fmt.Sprintf("phase %s failed: %v", phase, err),
				Fallback: true,
			}
		}
		if fired {
			return d
		}
	}

	return e.defaultDecision()
}

// SuspiciousQuery reports whether serialized arguments trip a keyword.
func (e *Evaluator) SuspiciousQuery(args map[string]interface{}) bool {
	return e.manifest.SuspiciousQuery(args)
}

// Category returns the category label for a tool, or empty.
func (e *Evaluator) Category(tool string) string {
	return e.manifest.Category(tool)
}

// Manifest returns the document this evaluator runs.
func (e *Evaluator) Manifest() *Manifest {
	return e.manifest
}

// Order returns the resolved phase order, including the default when the
// manifest declares none.
func (e *Evaluator) Order() []string {
	return e.order
}

func (e *Evaluator) defaultAction() Route {
	if e.manifest.DefaultAction.Valid() {
		return e.manifest.DefaultAction
	}
	return RouteProduction
}

func (e *Evaluator) defaultDecision() Decision {
	return Decision{
		Route:  e.defaultAction(),
		RuleID: "default",
		Phase:  PhaseDefault,
		Reason: "no phase produced an action",
	}
}

// runPhase dispatches one evaluation_order entry. The second return is true
// when the phase produced an action.
func (e *Evaluator) runPhase(phase string, in Input, fields map[string]interface{}) (Decision, bool, error) {
	switch phase {
	case PhaseDirectives:
		return e.runDirectives(phase, in)
	case PhaseTrustedWorkflows:
		return e.runRules(phase, e.manifest.TrustedWorkflows, in, fields)
	case PhaseSecurityPolicies:
		return e.runRules(phase, e.manifest.SecurityPolicies, in, fields)
	case PhaseAccumulatedRisk:
		return e.runThreshold(phase, e.manifest.AccumulatedRisk, in)
	case PhaseEventRisk:
		return e.runThreshold(phase, e.manifest.EventRisk, in)
	case PhaseDefault:
		return e.defaultDecision(), true, nil
	default:
		rules, ok := e.manifest.Expressions[phase]
		if !ok {
			return Decision{}, false, fmt.Errorf("unknown phase %q", phase)
		}
		return e.runExpressions(phase, rules, in)
	}
}

// runDirectives consults the user table, then the role table.
func (e *Evaluator) runDirectives(phase string, in Input) (Decision, bool, error) {
	dir := e.manifest.Directives
	if id, ok := in.Context["user_id"].(string); ok {
		if d, found := dir.Users[id]; found {
			return Decision{
				Route:  d.Action,
				RuleID: "directive:user:" + id,
				Phase:  phase,
				Reason: d.Reason,
			}, true, nil
		}
	}
	if role, ok := in.Context["user_role"].(string); ok {
		if d, found := dir.Roles[role]; found {
			return Decision{
				Route:  d.Action,
				RuleID: "directive:role:" + role,
				Phase:  phase,
				Reason: d.Reason,
			}, true, nil
		}
	}
	return Decision{}, false, nil
}

// runRules walks a rule list in declared order; the first rule covering the
// tool whose match tree holds wins.
func (e *Evaluator) runRules(phase string, rules []Rule, in Input, fields map[string]interface{}) (Decision, bool, error) {
	for i := range rules {
		r := &rules[i]
		if !r.AppliesTo(in.Tool) {
			continue
		}
		if !evalClause(r.Match, fields) {
			continue
		}
		return Decision{
			Route:  r.Action,
			RuleID: r.ID,
			Phase:  phase,
			Reason: r.Reason,
		}, true, nil
	}
	return Decision{}, false, nil
}

// runThreshold compares the configured field against its limit. A missing
// threshold or a confidence below the floor leaves the phase silent.
func (e *Evaluator) runThreshold(phase string, t *Threshold, in Input) (Decision, bool, error) {
	if t == nil {
		return Decision{}, false, nil
	}

	var value float64
	switch t.Field {
	case FieldAccumulatedRisk:
		value = in.AccumulatedRisk
	case FieldEventRisk:
		value = in.EventRisk
	default:
		return Decision{}, false, fmt.Errorf("threshold phase %s: unknown field %q", phase, t.Field)
	}

	if t.ConfidenceFloor != nil && in.Confidence < *t.ConfidenceFloor {
		return Decision{}, false, nil
	}

	crossed := value >= t.Threshold
	if t.Operator == OpGt {
		crossed = value > t.Threshold
	}
	if !crossed {
		return Decision{}, false, nil
	}

	reason := t.Reason
	if reason == "" {
		reason = fmt.Sprintf("%s %.2f crossed threshold %.2f", t.Field, value, t.Threshold)
	}
	return Decision{
		Route:  t.Action,
		RuleID: phase,
		Phase:  phase,
		Reason: reason,
	}, true, nil
}

// runExpressions walks an expression phase in declared order. A rule whose
// program is missing or errors aborts the evaluation.
func (e *Evaluator) runExpressions(phase string, rules []ExprRule, in Input) (Decision, bool, error) {
	for i := range rules {
		r := &rules[i]
		if !r.AppliesTo(in.Tool) {
			continue
		}
		prog, ok := e.programs[r.ID]
		if !ok {
			return Decision{}, false, fmt.Errorf("expression rule %s has no compiled program", r.ID)
		}
		matched, err := prog.Eval(in)
		if err != nil {
			return Decision{}, false, fmt.Errorf("expression rule %s: %w", r.ID, err)
		}
		if matched {
			return Decision{
				Route:  r.Action,
				RuleID: r.ID,
				Phase:  phase,
				Reason: r.Reason,
			}, true, nil
		}
	}
	return Decision{}, false, nil
}

// Compile-time interface verification.
var _ Engine = (*Evaluator)(nil)
