// Package cel compiles manifest expression rules into evaluable programs.
package cel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/chimera-gw/chimera/internal/domain/policy"
)

// maxExpressionLength is the maximum allowed length for an expression.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single expression evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Compiler compiles expression rules against the call environment. One
// compiler is shared across manifest loads; compiled programs are
// goroutine safe.
type Compiler struct {
	env *cel.Env
}

// newEnvironment declares the variables and functions expression rules may
// use. The variable roots mirror condition field paths, so a rule author
// moves between match trees and expressions without relearning names.
func newEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("accumulated_risk", cel.DoubleType),

		// glob: shell-style pattern matching, typically on tool names.
		// Usage: glob("db_*", tool)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// arg_contains: true when any top-level string argument contains
		// the substring. Usage: arg_contains(args, "DROP TABLE")
		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					goVal := mapVal.Value()
					if goMap, ok := goVal.(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					if refMap, ok := goVal.(map[ref.Val]ref.Val); ok {
						for _, v := range refMap {
							if s, ok := v.Value().(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// NewCompiler creates a compiler with the call environment.
func NewCompiler() (*Compiler, error) {
	env, err := newEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile validates and compiles one expression. Limits are enforced here
// because every load path funnels through this method: expressions that are
// empty, oversized, or too deeply nested are rejected before CEL sees them.
func (c *Compiler) Compile(expr string) (policy.ExprProgram, error) {
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}

	prg, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("build expression program: %w", err)
	}

	return &program{prg: prg}, nil
}

// CompileManifest compiles every expression rule in the manifest, keyed by
// rule id. Returns nil when the manifest declares no expression phases.
func (c *Compiler) CompileManifest(m *policy.Manifest) (map[string]policy.ExprProgram, error) {
	if len(m.Expressions) == 0 {
		return nil, nil
	}

	programs := make(map[string]policy.ExprProgram)
	for phase, rules := range m.Expressions {
		for i := range rules {
			r := &rules[i]
			prog, err := c.Compile(r.Expr)
			if err != nil {
				return nil, fmt.Errorf("expression rule %s (phase %s): %w", r.ID, phase, err)
			}
			programs[r.ID] = prog
		}
	}
	return programs, nil
}

// validateNesting rejects expressions whose parenthesis, bracket, or brace
// depth exceeds the limit.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// program adapts a compiled CEL program to the domain's evaluation surface.
type program struct {
	prg cel.Program
}

// Eval runs the program against one call. Evaluation is bounded by a
// timeout so a pathological expression cannot stall the routing pipeline.
func (p *program) Eval(in policy.Input) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := p.prg.ContextEval(ctx, buildActivation(in))
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

// buildActivation maps one call onto the environment's variables. CEL
// rejects nil maps, so absent args and context become empty maps.
func buildActivation(in policy.Input) map[string]any {
	args := in.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	callCtx := in.Context
	if callCtx == nil {
		callCtx = map[string]interface{}{}
	}

	return map[string]any{
		"tool":             in.Tool,
		"args":             args,
		"context":          callCtx,
		"risk_score":       in.EventRisk,
		"confidence":       in.Confidence,
		"accumulated_risk": in.AccumulatedRisk,
	}
}

// Compile-time interface verification.
var _ policy.ExprProgram = (*program)(nil)
