package nmmf

import "github.com/nmmf-db/nmmf/pkg/filter"

// Operator names one leaf predicate comparison in a Filter (spec.md §4.3).
type Operator = filter.Operator

const (
	Equals       = filter.Equals
	NotEquals    = filter.NotEquals
	GreaterThan  = filter.GreaterThan
	LessThan     = filter.LessThan
	GreaterEqual = filter.GreaterEqual
	LessEqual    = filter.LessEqual
	Contains     = filter.Contains
	NotContains  = filter.NotContains
	In           = filter.In
	NotIn        = filter.NotIn
	Regex        = filter.Regex
	StartsWith   = filter.StartsWith
	EndsWith     = filter.EndsWith
)

// ParseOperator maps an external operator string to an Operator, per
// spec.md §4.3's "unknown external operator strings normalize to Equals".
func ParseOperator(s string) Operator { return filter.ParseOperator(s) }

// Combinator joins the leaf predicates of a Filter.
type Combinator = filter.Combinator

const (
	And = filter.And
	Or  = filter.Or
)

// Predicate is one leaf test: metadata[Key] Op Value.
type Predicate = filter.Predicate

// Filter is a single-level combination of leaf predicates (spec.md §4.3).
type Filter = filter.Filter
