// Package query implements the executor described in spec.md §4.9: the
// time-travel entry point, plus filter/projection/order/limit
// evaluation over a table's materialised rows. Grounded on the
// teacher's pkg/query/scan.go for the filter vocabulary (carried over
// almost verbatim as ScanCondition) and on pkg/storage/engine.go's
// Scan for the overall shape of a table scan.
package query

import (
	"context"
	"errors"

	"github.com/lattice-db/eventdb/pkg/types"
)

// ScanOperator is a column-value comparison used to filter a scan.
// Named and valued identically to the teacher's pkg/query/scan.go.
type ScanOperator int

const (
	OpEqual ScanOperator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
	OpBetween
)

// ScanCondition is one column condition, e.g. `status = 'active'` or
// `price BETWEEN 10 AND 20`.
type ScanCondition struct {
	Column   string
	Operator ScanOperator
	Value    types.Comparable
	ValueEnd types.Comparable // only set for OpBetween
}

func Equal(column string, v types.Comparable) ScanCondition {
	return ScanCondition{Column: column, Operator: OpEqual, Value: v}
}
func NotEqual(column string, v types.Comparable) ScanCondition {
	return ScanCondition{Column: column, Operator: OpNotEqual, Value: v}
}
func GreaterThan(column string, v types.Comparable) ScanCondition {
	return ScanCondition{Column: column, Operator: OpGreaterThan, Value: v}
}
func GreaterOrEqual(column string, v types.Comparable) ScanCondition {
	return ScanCondition{Column: column, Operator: OpGreaterOrEqual, Value: v}
}
func LessThan(column string, v types.Comparable) ScanCondition {
	return ScanCondition{Column: column, Operator: OpLessThan, Value: v}
}
func LessOrEqual(column string, v types.Comparable) ScanCondition {
	return ScanCondition{Column: column, Operator: OpLessOrEqual, Value: v}
}
func Between(column string, start, end types.Comparable) ScanCondition {
	return ScanCondition{Column: column, Operator: OpBetween, Value: start, ValueEnd: end}
}

// Matches reports whether value satisfies the condition.
func (sc ScanCondition) Matches(value types.Comparable) bool {
	switch sc.Operator {
	case OpEqual:
		return value.Compare(sc.Value) == 0
	case OpNotEqual:
		return value.Compare(sc.Value) != 0
	case OpGreaterThan:
		return value.Compare(sc.Value) > 0
	case OpGreaterOrEqual:
		return value.Compare(sc.Value) >= 0
	case OpLessThan:
		return value.Compare(sc.Value) < 0
	case OpLessOrEqual:
		return value.Compare(sc.Value) <= 0
	case OpBetween:
		return value.Compare(sc.Value) >= 0 && value.Compare(sc.ValueEnd) <= 0
	default:
		return false
	}
}

// ShouldSeek reports whether an index scan can seek directly to a
// known lower bound instead of scanning from the beginning.
func (sc ScanCondition) ShouldSeek() bool {
	switch sc.Operator {
	case OpEqual, OpGreaterThan, OpGreaterOrEqual, OpBetween:
		return true
	default:
		return false
	}
}

// StartValue is the seek target when ShouldSeek is true.
func (sc ScanCondition) StartValue() types.Comparable { return sc.Value }

// ShouldContinue reports whether an ascending index scan should keep
// going past value.
func (sc ScanCondition) ShouldContinue(value types.Comparable) bool {
	switch sc.Operator {
	case OpEqual:
		return value.Compare(sc.Value) <= 0
	case OpLessThan:
		return value.Compare(sc.Value) < 0
	case OpLessOrEqual:
		return value.Compare(sc.Value) <= 0
	case OpBetween:
		return value.Compare(sc.ValueEnd) <= 0
	default:
		return true
	}
}

// TimeTravelKind selects which of spec.md §4.9's four resolution modes
// a Scan uses.
type TimeTravelKind int

const (
	Current TimeTravelKind = iota
	AtSequence
	AtTimestamp
	All
)

// TimeTravel is the `{ AtSequence(u64) | AtTimestamp(i64) | All |
// Current }` specifier from spec.md's external-interface contract.
type TimeTravel struct {
	Kind        TimeTravelKind
	Sequence    uint64
	TimestampMs int64
}

func AsOfSequence(seq uint64) TimeTravel { return TimeTravel{Kind: AtSequence, Sequence: seq} }
func AsOfTimestamp(ms int64) TimeTravel  { return TimeTravel{Kind: AtTimestamp, TimestampMs: ms} }
func AllHistory() TimeTravel             { return TimeTravel{Kind: All} }
func CurrentState() TimeTravel           { return TimeTravel{Kind: Current} }

// OrderBy sorts materialised rows by a single column, ascending unless
// Descending is set (SPEC_FULL.md §4: single-column order-by is the
// supplemented scope; multi-column order is not specified anywhere in
// the pack and is left for a future collaborator).
type OrderBy struct {
	Column     string
	Descending bool
}

// Scan is the logical `scan(tx, table, filter, projection, order,
// limit, time_travel?)` operation spec.md's external interface names.
// Tx is supplied by the caller separately (see Executor.Run) rather
// than carried on Scan, since Scan is a value describing the query and
// a transaction is a stateful handle.
type Scan struct {
	Table      string
	Filters    []ScanCondition // AND'ed together
	Projection []string        // nil means every column
	OrderBy    *OrderBy
	Limit      int // 0 means unbounded
	Offset     int
	TimeTravel TimeTravel
	// MaxEvents overrides DefaultMaxEvents for this call (spec.md §5
	// resource bound: "Max events per materialisation scan").
	MaxEvents int
}

// DefaultMaxEvents is spec.md §5's default cap on events replayed or
// emitted by a single scan, overridable per call via Scan.MaxEvents.
const DefaultMaxEvents = 1_000_000

// Join is a placeholder for multi-table joins. spec.md §1 lists "query
// parallelism beyond single-table scan partitioning" as a non-goal and
// never names joins as in scope; this type documents that the executor
// does not implement one rather than silently lacking the concept.
// Constructing a Join and passing it anywhere is a programmer error.
type Join struct {
	Left, Right Scan
	On          string
}

// Run always fails: joins are out of scope for this executor.
func (Join) Run(context.Context) ([]Row, error) {
	return nil, errors.New("query: join execution is not implemented")
}
