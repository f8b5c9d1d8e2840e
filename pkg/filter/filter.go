// Package filter implements MetadataFilter, the predicate-tree evaluator of
// spec.md §4.3. It is deliberately pure: it knows nothing about vectors or
// the store, only about evaluating a Filter against a metadata map handed
// to it by a caller. Grounded on the teacher's FilterExpression type
// (pkg/core/advanced_filter.go), flattened to the single-level AND/OR the
// spec calls for instead of the teacher's arbitrary nesting.
package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator names one leaf predicate comparison.
type Operator int

const (
	Equals Operator = iota
	NotEquals
	GreaterThan
	LessThan
	GreaterEqual
	LessEqual
	Contains
	NotContains
	In
	NotIn
	Regex
	StartsWith
	EndsWith
)

// ParseOperator maps an external operator string to an Operator. Any string
// it does not recognize normalizes to Equals, per spec.md §4.3.
func ParseOperator(s string) Operator {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "=", "==", "EQ", "EQUALS":
		return Equals
	case "!=", "<>", "NE", "NOTEQUALS":
		return NotEquals
	case ">", "GT", "GREATERTHAN":
		return GreaterThan
	case "<", "LT", "LESSTHAN":
		return LessThan
	case ">=", "GTE", "GREATEREQUAL":
		return GreaterEqual
	case "<=", "LTE", "LESSEQUAL":
		return LessEqual
	case "CONTAINS":
		return Contains
	case "NOTCONTAINS":
		return NotContains
	case "IN":
		return In
	case "NOTIN":
		return NotIn
	case "REGEX", "MATCHES":
		return Regex
	case "STARTSWITH", "PREFIX":
		return StartsWith
	case "ENDSWITH", "SUFFIX":
		return EndsWith
	default:
		return Equals
	}
}

// Combinator joins the leaf predicates of a Filter.
type Combinator int

const (
	And Combinator = iota
	Or
)

// Predicate is one leaf test: metadata[Key] Op Value.
type Predicate struct {
	Key   string
	Op    Operator
	Value any
}

// Filter is a single-level combination of leaf predicates, matching the
// "AND or OR over the leaf set (single level)" contract of spec.md §4.3.
type Filter struct {
	Combinator Combinator
	Predicates []Predicate
}

// Evaluate reports whether metadata satisfies f, short-circuiting on the
// first predicate that decides the outcome.
func (f Filter) Evaluate(metadata map[string]any) bool {
	if len(f.Predicates) == 0 {
		return true
	}
	switch f.Combinator {
	case Or:
		for _, p := range f.Predicates {
			if p.evaluate(metadata) {
				return true
			}
		}
		return false
	default:
		for _, p := range f.Predicates {
			if !p.evaluate(metadata) {
				return false
			}
		}
		return true
	}
}

func (p Predicate) evaluate(metadata map[string]any) bool {
	v, ok := metadata[p.Key]
	if !ok {
		return false
	}
	switch p.Op {
	case Equals:
		return equal(v, p.Value)
	case NotEquals:
		return !equal(v, p.Value)
	case GreaterThan, LessThan, GreaterEqual, LessEqual:
		return compareNumeric(v, p.Value, p.Op)
	case Contains:
		return stringOrSliceContains(v, p.Value)
	case NotContains:
		return !stringOrSliceContains(v, p.Value)
	case In:
		return sequenceContains(p.Value, v)
	case NotIn:
		return !sequenceContains(p.Value, v)
	case Regex:
		return regexMatch(v, p.Value)
	case StartsWith:
		return stringOp(v, p.Value, strings.HasPrefix)
	case EndsWith:
		return stringOp(v, p.Value, strings.HasSuffix)
	default:
		return equal(v, p.Value)
	}
}

func equal(a, b any) bool {
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareNumeric(a, b any, op Operator) bool {
	af, ok1 := toFloat64(a)
	bf, ok2 := toFloat64(b)
	if !ok1 || !ok2 {
		return false
	}
	switch op {
	case GreaterThan:
		return af > bf
	case LessThan:
		return af < bf
	case GreaterEqual:
		return af >= bf
	case LessEqual:
		return af <= bf
	default:
		return false
	}
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stringOrSliceContains(v, needle any) bool {
	switch s := v.(type) {
	case string:
		ns, ok := needle.(string)
		return ok && strings.Contains(s, ns)
	case []any:
		for _, item := range s {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case []string:
		ns, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range s {
			if item == ns {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func sequenceContains(seq, v any) bool {
	switch s := seq.(type) {
	case []any:
		for _, item := range s {
			if equal(item, v) {
				return true
			}
		}
	case []string:
		for _, item := range s {
			if equal(item, v) {
				return true
			}
		}
	case []float64:
		for _, item := range s {
			if equal(item, v) {
				return true
			}
		}
	case []int:
		for _, item := range s {
			if equal(item, v) {
				return true
			}
		}
	}
	return false
}

func regexMatch(v, pattern any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func stringOp(v, arg any, fn func(s, prefix string) bool) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	a, ok := arg.(string)
	if !ok {
		return false
	}
	return fn(s, a)
}
