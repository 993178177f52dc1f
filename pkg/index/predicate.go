package index

import "github.com/lattice-db/eventdb/pkg/types"

// Operator is a column-value comparison used to filter an index scan
// or a row scan.
type Operator int

const (
	Equal Operator = iota
	NotEqual
	GreaterThan
	GreaterOrEqual
	LessThan
	LessOrEqual
	Between
)

// Predicate is one column condition, e.g. `status = 'active'` or
// `price BETWEEN 10 AND 20`.
type Predicate struct {
	Operator Operator
	Value    types.Comparable
	ValueEnd types.Comparable // only set for Between
}

func EqualTo(v types.Comparable) *Predicate        { return &Predicate{Operator: Equal, Value: v} }
func NotEqualTo(v types.Comparable) *Predicate     { return &Predicate{Operator: NotEqual, Value: v} }
func GreaterThanVal(v types.Comparable) *Predicate { return &Predicate{Operator: GreaterThan, Value: v} }
func GreaterOrEqualVal(v types.Comparable) *Predicate {
	return &Predicate{Operator: GreaterOrEqual, Value: v}
}
func LessThanVal(v types.Comparable) *Predicate    { return &Predicate{Operator: LessThan, Value: v} }
func LessOrEqualVal(v types.Comparable) *Predicate { return &Predicate{Operator: LessOrEqual, Value: v} }
func BetweenVals(start, end types.Comparable) *Predicate {
	return &Predicate{Operator: Between, Value: start, ValueEnd: end}
}

// Matches reports whether value satisfies the predicate.
func (p *Predicate) Matches(value types.Comparable) bool {
	switch p.Operator {
	case Equal:
		return value.Compare(p.Value) == 0
	case NotEqual:
		return value.Compare(p.Value) != 0
	case GreaterThan:
		return value.Compare(p.Value) > 0
	case GreaterOrEqual:
		return value.Compare(p.Value) >= 0
	case LessThan:
		return value.Compare(p.Value) < 0
	case LessOrEqual:
		return value.Compare(p.Value) <= 0
	case Between:
		return value.Compare(p.Value) >= 0 && value.Compare(p.ValueEnd) <= 0
	default:
		return false
	}
}

// ShouldSeek reports whether the predicate has a known lower bound an
// index scan can seek to directly, instead of scanning from the start.
func (p *Predicate) ShouldSeek() bool {
	switch p.Operator {
	case Equal, GreaterThan, GreaterOrEqual, Between:
		return true
	default:
		return false
	}
}

// StartValue is the seek target when ShouldSeek is true.
func (p *Predicate) StartValue() types.Comparable {
	return p.Value
}

// ShouldContinue reports whether an ascending scan should keep going
// past value, letting range predicates stop early once past their
// upper bound.
func (p *Predicate) ShouldContinue(value types.Comparable) bool {
	switch p.Operator {
	case Equal:
		return value.Compare(p.Value) <= 0
	case LessThan:
		return value.Compare(p.Value) < 0
	case LessOrEqual:
		return value.Compare(p.Value) <= 0
	case Between:
		return value.Compare(p.ValueEnd) <= 0
	default:
		return true
	}
}
