package judge

import (
	"context"
	"testing"

	"github.com/chimera-gw/chimera/internal/domain/risk"
)

func fp(f float64) *float64 { return &f }

func TestMockJudge_FirstMatchWins(t *testing.T) {
	t.Parallel()

	judge := NewMockJudge([]MockRule{
		{Field: "args.query", Operator: "contains", Value: "SELECT *", RiskScore: fp(0.9), Reason: "bulk select"},
		{Field: "args.query", Operator: "contains", Value: "SELECT", RiskScore: fp(0.2), Reason: "any select"},
	}, nil)

	got := judge.Classify(context.Background(), "execute_query",
		map[string]interface{}{"query": "SELECT * FROM patients"}, nil)

	if got.Risk != 0.9 || got.Reason != "bulk select" {
		t.Errorf("got %+v, want first rule (risk 0.9)", got)
	}
}

func TestMockJudge_ToolFilter(t *testing.T) {
	t.Parallel()

	judge := NewMockJudge([]MockRule{
		{Tools: []string{"execute_query"}, Field: "args.query", Operator: "contains", Value: "DROP", RiskScore: fp(1.0)},
	}, nil)

	// Same argument on a different tool must not match.
	got := judge.Classify(context.Background(), "read_file",
		map[string]interface{}{"query": "DROP TABLE"}, nil)
	if got.Risk != 0.1 {
		t.Errorf("Risk = %v, want default 0.1 (tool filter should skip rule)", got.Risk)
	}

	got = judge.Classify(context.Background(), "execute_query",
		map[string]interface{}{"query": "DROP TABLE"}, nil)
	if got.Risk != 1.0 {
		t.Errorf("Risk = %v, want 1.0", got.Risk)
	}
}

func TestMockJudge_Operators(t *testing.T) {
	t.Parallel()

	args := map[string]interface{}{
		"filename": "/data/private/formula.json",
		"limit":    float64(500),
		"attempts": "3",
	}
	callCtx := map[string]interface{}{
		"user_role": "intern",
	}

	tests := []struct {
		name  string
		rule  MockRule
		match bool
	}{
		{
			name:  "eq string",
			rule:  MockRule{Field: "context.user_role", Operator: "eq", Value: "intern"},
			match: true,
		},
		{
			name:  "eq default operator",
			rule:  MockRule{Field: "context.user_role", Value: "intern"},
			match: true,
		},
		{
			name:  "eq number across int and float",
			rule:  MockRule{Field: "args.limit", Operator: "eq", Value: 500},
			match: true,
		},
		{
			name:  "eq string never coerced to number",
			rule:  MockRule{Field: "args.attempts", Operator: "eq", Value: 3},
			match: false,
		},
		{
			name:  "neq",
			rule:  MockRule{Field: "context.user_role", Operator: "neq", Value: "lead_researcher"},
			match: true,
		},
		{
			name:  "neq on missing field matches",
			rule:  MockRule{Field: "context.ticket_id", Operator: "neq", Value: "TICKET-1"},
			match: true,
		},
		{
			name:  "contains",
			rule:  MockRule{Field: "args.filename", Operator: "contains", Value: "_private"},
			match: false,
		},
		{
			name:  "contains hit",
			rule:  MockRule{Field: "args.filename", Operator: "contains", Value: "/private/"},
			match: true,
		},
		{
			name:  "regex",
			rule:  MockRule{Field: "args.filename", Operator: "regex", Value: `formula\.\w+$`},
			match: true,
		},
		{
			name:  "regex miss",
			rule:  MockRule{Field: "args.filename", Operator: "regex", Value: `^relative/`},
			match: false,
		},
		{
			name:  "regex invalid pattern never matches",
			rule:  MockRule{Field: "args.filename", Operator: "regex", Value: "("},
			match: false,
		},
		{
			name:  "gt",
			rule:  MockRule{Field: "args.limit", Operator: "gt", Value: 100},
			match: true,
		},
		{
			name:  "gt parses numeric strings",
			rule:  MockRule{Field: "args.attempts", Operator: "gt", Value: 2},
			match: true,
		},
		{
			name:  "gte boundary",
			rule:  MockRule{Field: "args.limit", Operator: "gte", Value: 500},
			match: true,
		},
		{
			name:  "lt miss",
			rule:  MockRule{Field: "args.limit", Operator: "lt", Value: 500},
			match: false,
		},
		{
			name:  "lte boundary",
			rule:  MockRule{Field: "args.limit", Operator: "lte", Value: 500},
			match: true,
		},
		{
			name:  "ordering on non-numeric never matches",
			rule:  MockRule{Field: "context.user_role", Operator: "gt", Value: 1},
			match: false,
		},
		{
			name:  "unknown operator never matches",
			rule:  MockRule{Field: "context.user_role", Operator: "startswith", Value: "int"},
			match: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rule := tt.rule
			rule.RiskScore = fp(0.99)
			judge := NewMockJudge([]MockRule{rule}, nil)

			got := judge.Classify(context.Background(), "read_file", args, callCtx)
			matched := got.Risk == 0.99
			if matched != tt.match {
				t.Errorf("rule matched = %v, want %v (assessment %+v)", matched, tt.match, got)
			}
		})
	}
}

func TestMockJudge_FieldRootedAtTool(t *testing.T) {
	t.Parallel()

	judge := NewMockJudge([]MockRule{
		{Field: "tool", Operator: "eq", Value: "query_database", RiskScore: fp(0.6), Reason: "database access"},
	}, nil)

	got := judge.Classify(context.Background(), "query_database", nil, nil)
	if got.Risk != 0.6 {
		t.Errorf("Risk = %v, want 0.6", got.Risk)
	}
}

func TestMockJudge_RuleDefaults(t *testing.T) {
	t.Parallel()

	// Rule omits risk_score, confidence and reason.
	judge := NewMockJudge([]MockRule{
		{Field: "context.user_role", Value: "intern"},
	}, nil)

	got := judge.Classify(context.Background(), "read_file", nil,
		map[string]interface{}{"user_role": "intern"})

	if got.Risk != 0.5 {
		t.Errorf("Risk = %v, want default 0.5", got.Risk)
	}
	if got.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want default 1.0", got.Confidence)
	}
	if got.Reason != "Mock rule triggered." {
		t.Errorf("Reason = %q, want default", got.Reason)
	}
}

func TestMockJudge_DefaultAssessment(t *testing.T) {
	t.Parallel()

	judge := NewMockJudge(nil, nil)
	got := judge.Classify(context.Background(), "read_file", nil, nil)
	if got.Risk != 0.1 || got.Confidence != 1.0 || got.Reason != "Mock: Default safe." {
		t.Errorf("got %+v, want built-in default", got)
	}

	custom := &risk.Assessment{Risk: 0.05, Confidence: 0.5, Reason: "scenario baseline"}
	judge = NewMockJudge(nil, custom)
	got = judge.Classify(context.Background(), "read_file", nil, nil)
	if got.Risk != 0.05 || got.Reason != "scenario baseline" {
		t.Errorf("got %+v, want custom default", got)
	}
}

func TestMockJudge_TagsPropagated(t *testing.T) {
	t.Parallel()

	judge := NewMockJudge([]MockRule{
		{
			Field: "args.query", Operator: "regex", Value: `(?i)union\s+select`,
			RiskScore: fp(0.95), Confidence: fp(0.9),
			Reason: "SQL injection pattern", Tags: []string{"sql_injection", "data_exfiltration"},
		},
	}, nil)

	got := judge.Classify(context.Background(), "execute_query",
		map[string]interface{}{"query": "1 UNION SELECT ssn FROM patients"}, nil)

	if len(got.Tags) != 2 || got.Tags[0] != "sql_injection" {
		t.Errorf("Tags = %v, want [sql_injection data_exfiltration]", got.Tags)
	}
	if got.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", got.Confidence)
	}
}
