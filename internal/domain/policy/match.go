package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Comparison operators accepted in condition leaves.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpRegex    = "regex"
	OpIn       = "in"
	OpNotIn    = "not_in"
)

// knownOperator reports whether op is one of the supported operators.
func knownOperator(op string) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpRegex, OpIn, OpNotIn:
		return true
	}
	return false
}

// lookupPath walks a dotted path through nested maps. The second return is
// false when any segment is absent or a non-map is traversed.
func lookupPath(root map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// evalClause evaluates a match tree node against the call fields. A nil
// clause always holds.
func evalClause(c *Clause, fields map[string]interface{}) bool {
	switch {
	case c == nil:
		return true
	case len(c.All) > 0:
		for i := range c.All {
			if !evalClause(&c.All[i], fields) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if evalClause(&c.Any[i], fields) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !evalClause(c.Not, fields)
	case c.Leaf != nil:
		return evalCondition(c.Leaf, fields)
	default:
		return false
	}
}

// evalCondition resolves the leaf's operands and applies its operator. An
// unresolvable condition evaluates to false, except under neq and not_in,
// which hold against a missing field.
func evalCondition(cond *Condition, fields map[string]interface{}) bool {
	lhs, _ := lookupPath(fields, cond.Field)

	rhs := cond.Value
	if cond.ValueFromContext != "" {
		rhs, _ = lookupPath(fields, cond.ValueFromContext)
	}

	op := cond.Operator
	if op == "" {
		op = OpEq
	}
	return compare(lhs, op, rhs, cond.re)
}

// compare applies one operator. Ordering operators coerce both sides to
// float64 and fail closed when either side does not coerce.
func compare(lhs interface{}, op string, rhs interface{}, re *regexp.Regexp) bool {
	switch op {
	case OpEq:
		return valuesEqual(lhs, rhs)
	case OpNeq:
		return !valuesEqual(lhs, rhs)
	case OpGt, OpGte, OpLt, OpLte:
		lf, lok := coerceFloat(lhs)
		rf, rok := coerceFloat(rhs)
		if !lok || !rok {
			return false
		}
		switch op {
		case OpGt:
			return lf > rf
		case OpGte:
			return lf >= rf
		case OpLt:
			return lf < rf
		default:
			return lf <= rf
		}
	case OpContains:
		return containsValue(lhs, rhs)
	case OpRegex:
		return matchRegex(lhs, rhs, re)
	case OpIn:
		return memberOf(lhs, rhs)
	case OpNotIn:
		return !memberOf(lhs, rhs)
	default:
		return false
	}
}

// valuesEqual compares across the numeric types YAML and JSON decoding
// produce; everything else compares by deep equality.
func valuesEqual(a, b interface{}) bool {
	if af, aok := numeric(a); aok {
		bf, bok := numeric(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

// numeric unwraps the number representations YAML and JSON decoders emit.
func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// coerceFloat extends numeric with string parsing, so ordering operators
// tolerate numeric strings in arguments.
func coerceFloat(v interface{}) (float64, bool) {
	if f, ok := numeric(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

// containsValue implements contains: substring for strings, membership for
// lists.
func containsValue(lhs, rhs interface{}) bool {
	switch l := lhs.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(l, stringify(rhs))
	case []interface{}:
		for _, item := range l {
			if valuesEqual(item, rhs) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(stringify(lhs), stringify(rhs))
	}
}

// matchRegex applies an unanchored pattern match. Literal patterns arrive
// precompiled from the loader; context-resolved ones compile per evaluation
// and fail closed on error.
func matchRegex(lhs, rhs interface{}, re *regexp.Regexp) bool {
	if lhs == nil {
		return false
	}
	if re == nil {
		pattern, ok := rhs.(string)
		if !ok {
			return false
		}
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return false
		}
	}
	return re.MatchString(stringify(lhs))
}

// memberOf implements in: list membership, or substring when the comparator
// is a string.
func memberOf(lhs, rhs interface{}) bool {
	if lhs == nil {
		return false
	}
	switch r := rhs.(type) {
	case []interface{}:
		for _, item := range r {
			if valuesEqual(lhs, item) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(r, stringify(lhs))
	default:
		return false
	}
}

// stringify renders a value the way it appears in serialized arguments.
func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
