package cel

import (
	"strings"
	"testing"

	"github.com/chimera-gw/chimera/internal/domain/policy"
)

func newTestCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler()
	if err != nil {
		t.Fatalf("NewCompiler() error: %v", err)
	}
	return c
}

func TestCompile_ValidExpression(t *testing.T) {
	c := newTestCompiler(t)

	prog, err := c.Compile(`tool == "read_file"`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if prog == nil {
		t.Fatal("Compile() returned nil program")
	}
}

func TestCompile_Invalid(t *testing.T) {
	c := newTestCompiler(t)

	tests := []struct {
		name string
		expr string
		want string // substring expected in error
	}{
		{"empty", "", "empty"},
		{"syntax error", "this is not valid !!!", "compile expression"},
		{"undefined variable", "nonexistent_var == true", "compile expression"},
		{"too long", strings.Repeat("a", 1025), "too long"},
		{"nesting too deep", strings.Repeat("(", 51) + "true" + strings.Repeat(")", 51), "nesting too deep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(tt.expr)
			if err == nil {
				t.Fatalf("Compile(%q) expected error, got nil", tt.expr)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Compile(%q) error = %v, want substring %q", tt.expr, err, tt.want)
			}
		})
	}
}

func TestEval_CallVariables(t *testing.T) {
	c := newTestCompiler(t)

	in := policy.Input{
		Tool: "query_database",
		Args: map[string]interface{}{
			"query": "SELECT name FROM patients",
			"limit": 50,
		},
		Context: map[string]interface{}{
			"user_role":  "analyst",
			"is_tainted": true,
		},
		EventRisk:       0.7,
		Confidence:      0.9,
		AccumulatedRisk: 1.2,
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"tool equality", `tool == "query_database"`, true},
		{"tool mismatch", `tool == "read_file"`, false},
		{"args lookup", `args.query.contains("patients")`, true},
		{"context lookup", `context.user_role == "analyst"`, true},
		{"tainted flag", `context.is_tainted`, true},
		{"risk comparison", `risk_score >= 0.5 && confidence >= 0.8`, true},
		{"accumulated risk", `accumulated_risk > 1.0`, true},
		{"combined", `tool.startsWith("query_") && context.is_tainted && risk_score > 0.5`, true},
		{"glob match", `glob("query_*", tool)`, true},
		{"glob mismatch", `glob("file_*", tool)`, false},
		{"arg_contains hit", `arg_contains(args, "SELECT")`, true},
		{"arg_contains miss", `arg_contains(args, "DROP TABLE")`, false},
		{"membership", `"query" in args`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := c.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error: %v", tt.expr, err)
			}
			got, err := prog.Eval(in)
			if err != nil {
				t.Fatalf("Eval(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEval_NilMapsBecomeEmpty(t *testing.T) {
	c := newTestCompiler(t)

	prog, err := c.Compile(`size(args) == 0 && size(context) == 0`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	got, err := prog.Eval(policy.Input{Tool: "read_file"})
	if err != nil {
		t.Fatalf("Eval() error: %v", err)
	}
	if !got {
		t.Error("Eval() = false, want true for empty activation maps")
	}
}

func TestEval_MissingKeyErrors(t *testing.T) {
	c := newTestCompiler(t)

	prog, err := c.Compile(`args.missing == "x"`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	if _, err := prog.Eval(policy.Input{Tool: "read_file"}); err == nil {
		t.Error("Eval() on missing key should error so the engine can fall back")
	}
}

func TestEval_HasGuardsMissingKey(t *testing.T) {
	c := newTestCompiler(t)

	prog, err := c.Compile(`has(args.missing) && args.missing == "x"`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	got, err := prog.Eval(policy.Input{Tool: "read_file"})
	if err != nil {
		t.Fatalf("Eval() error: %v", err)
	}
	if got {
		t.Error("Eval() = true, want false when guarded key is absent")
	}
}

func TestEval_NonBooleanResult(t *testing.T) {
	c := newTestCompiler(t)

	prog, err := c.Compile(`tool`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	if _, err := prog.Eval(policy.Input{Tool: "read_file"}); err == nil {
		t.Error("Eval() on a string-typed expression should error")
	}
}

func TestCompileManifest(t *testing.T) {
	c := newTestCompiler(t)

	m := &policy.Manifest{
		Expressions: map[string][]policy.ExprRule{
			"custom_checks": {
				{ID: "exfil-query", Expr: `arg_contains(args, "UNION SELECT")`, Action: policy.RouteShadow},
				{ID: "high-risk-db", Expr: `glob("db_*", tool) && risk_score > 0.8`, Action: policy.RouteShadow},
			},
		},
	}

	programs, err := c.CompileManifest(m)
	if err != nil {
		t.Fatalf("CompileManifest() error: %v", err)
	}
	if len(programs) != 2 {
		t.Fatalf("CompileManifest() returned %d programs, want 2", len(programs))
	}
	for _, id := range []string{"exfil-query", "high-risk-db"} {
		if programs[id] == nil {
			t.Errorf("CompileManifest() missing program for rule %q", id)
		}
	}

	got, err := programs["exfil-query"].Eval(policy.Input{
		Tool: "query_database",
		Args: map[string]interface{}{"query": "SELECT a FROM b UNION SELECT password FROM users"},
	})
	if err != nil {
		t.Fatalf("Eval() error: %v", err)
	}
	if !got {
		t.Error("exfil-query program = false, want true")
	}
}

func TestCompileManifest_Empty(t *testing.T) {
	c := newTestCompiler(t)

	programs, err := c.CompileManifest(&policy.Manifest{})
	if err != nil {
		t.Fatalf("CompileManifest() error: %v", err)
	}
	if programs != nil {
		t.Errorf("CompileManifest() = %v, want nil for no expressions", programs)
	}
}

func TestCompileManifest_BadRule(t *testing.T) {
	c := newTestCompiler(t)

	m := &policy.Manifest{
		Expressions: map[string][]policy.ExprRule{
			"custom_checks": {
				{ID: "broken", Expr: `tool ==`, Action: policy.RouteShadow},
			},
		},
	}

	_, err := c.CompileManifest(m)
	if err == nil {
		t.Fatal("CompileManifest() expected error for broken rule")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("CompileManifest() error = %v, want rule id in message", err)
	}
}
