package query

import (
	"context"
	"sort"

	"github.com/lattice-db/eventdb/pkg/document"
	"github.com/lattice-db/eventdb/pkg/frame"
	"github.com/lattice-db/eventdb/pkg/index"
	"github.com/lattice-db/eventdb/pkg/table"
	"github.com/lattice-db/eventdb/pkg/txn"
	"github.com/lattice-db/eventdb/pkg/types"
	"github.com/lattice-db/eventdb/pkg/xerrors"
)

// Row is one result row. EventKind, Sequence and TimestampMs are only
// populated for an `ALL` scan, where a row is one historical event
// rather than a materialised current or point-in-time value.
type Row struct {
	Key         types.Comparable
	Doc         document.Doc
	Sequence    uint64
	TimestampMs int64
	EventKind   frame.Kind
}

// Executor evaluates a Scan against a table, resolving time travel,
// preferring the secondary index when the target is the table's
// current high-water (spec.md §4.9), and applying filter, projection,
// order, limit and offset over the materialised rows. Grounded on the
// teacher's pkg/storage/engine.go Scan (index-vs-full-scan choice) and
// pkg/query/scan.go (filter vocabulary), generalised to also resolve
// time travel, which the teacher has no notion of.
type Executor struct{}

// NewExecutor returns a stateless query executor.
func NewExecutor() *Executor { return &Executor{} }

// checkEvery bounds how often Run checks ctx for cancellation while
// walking a materialised row set, so a cancellation is observed within
// a bounded number of rows rather than only at the very end.
const checkEvery = 4096

// Run evaluates s against t. When tx is non-nil and s targets Current
// state, rows are resolved through tx's own MVCC snapshot (so the
// transaction sees a consistent view and its own buffered writes);
// otherwise Current resolves against the table's always-current
// segment-derived row map. AtSequence/AtTimestamp/All never consult a
// transaction's snapshot: time travel is a property of the table's
// committed history, not of any one reader's in-flight view.
func (e *Executor) Run(ctx context.Context, s Scan, t *table.Table, tx *txn.Tx) ([]Row, error) {
	if s.TimeTravel.Kind == All {
		return e.runAll(ctx, s, t)
	}

	rows, err := e.materialise(ctx, s, t, tx)
	if err != nil {
		return nil, err
	}
	return finishRows(rows, s), nil
}

// materialise resolves the row set a non-ALL scan evaluates over,
// before filtering, projection, order or paging are applied.
func (e *Executor) materialise(ctx context.Context, s Scan, t *table.Table, tx *txn.Tx) ([]Row, error) {
	switch s.TimeTravel.Kind {
	case AtSequence:
		return e.materialiseAt(ctx, t, s.TimeTravel.Sequence, s)
	case AtTimestamp:
		seq, ok, err := t.SequenceAtOrBefore(s.TimeTravel.TimestampMs)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return e.materialiseAt(ctx, t, seq, s)
	default: // Current
		if tx != nil {
			return e.currentUnderTx(ctx, t, tx, s)
		}
		return e.currentScan(ctx, t, s)
	}
}

// materialiseAt serves AtSequence/AtTimestamp: historical state is
// always a snapshot+delta replay, never the secondary index (spec.md
// §4.4/§4.9: time travel below high-water bypasses the index).
func (e *Executor) materialiseAt(ctx context.Context, t *table.Table, sequence uint64, s Scan) ([]Row, error) {
	rowMap, err := t.MaterialiseAt(sequence)
	if err != nil {
		return nil, err
	}
	return mapToRows(ctx, rowMap, s)
}

// currentScan serves a non-transactional Current read: uses the
// secondary index when the scan carries exactly one filter and that
// filter's column is indexed, falling back to the table's current row
// map otherwise.
func (e *Executor) currentScan(ctx context.Context, t *table.Table, s Scan) ([]Row, error) {
	if len(s.Filters) == 1 {
		cond := s.Filters[0]
		if ix, ok := t.Index(cond.Column); ok {
			return e.indexScan(ctx, t, ix, cond, s)
		}
	}
	rowMap, err := t.CurrentRows()
	if err != nil {
		return nil, err
	}
	return mapToRows(ctx, rowMap, s)
}

func (e *Executor) indexScan(ctx context.Context, t *table.Table, ix *index.Index, cond ScanCondition, s Scan) ([]Row, error) {
	pred := toIndexPredicate(cond)
	var rows []Row
	n := 0
	var cancelErr error
	ix.Scan(pred, func(_ types.Comparable, pk types.Comparable) bool {
		n++
		if n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				cancelErr = &xerrors.CancelledError{Op: "index scan"}
				return false
			}
		}
		if maxEvents(s) > 0 && n > maxEvents(s) {
			return false
		}
		head, ok := t.Versions().Head(pk)
		if !ok || head.HasDelete {
			return true
		}
		doc, _ := head.Payload.(document.Doc)
		rows = append(rows, Row{Key: pk, Doc: doc})
		return true
	})
	if cancelErr != nil {
		return nil, cancelErr
	}
	return rows, nil
}

// currentUnderTx serves a Current read inside a transaction: every key
// the MVCC store has ever seen is tested against the transaction's own
// snapshot, then the transaction's own buffered (uncommitted) writes
// overlay the result so Get/Scan implement read-your-own-writes.
func (e *Executor) currentUnderTx(ctx context.Context, t *table.Table, tx *txn.Tx, s Scan) ([]Row, error) {
	if err := tx.RefreshReadView(t.Name); err != nil {
		return nil, err
	}
	versions := t.Versions()
	keys := versions.Keys()
	seen := make(map[string]bool, len(keys))
	rows := make([]Row, 0, len(keys))

	for i, k := range keys {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, &xerrors.CancelledError{Op: "transactional scan"}
			}
		}
		doc, ok, err := tx.Get(t.Name, k)
		if err != nil {
			return nil, err
		}
		seen[keyString(k)] = true
		if !ok {
			continue
		}
		rows = append(rows, Row{Key: k, Doc: doc})
	}
	for _, k := range tx.BufferedKeys(t.Name) {
		if seen[keyString(k)] {
			continue
		}
		doc, ok, err := tx.Get(t.Name, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rows = append(rows, Row{Key: k, Doc: doc})
	}
	return rows, nil
}

// runAll serves the `ALL` time-travel mode: one row per historical
// event (spec.md §4.9), filters applied to each event's payload
// independently rather than to a materialised row.
func (e *Executor) runAll(ctx context.Context, s Scan, t *table.Table) ([]Row, error) {
	events, err := t.History()
	if err != nil {
		return nil, err
	}
	limit := maxEvents(s)
	var rows []Row
	for i, ev := range events {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, &xerrors.CancelledError{Op: "history scan"}
			}
		}
		if limit > 0 && i >= limit {
			break
		}
		if !matchesAll(ev.Payload, s.Filters) {
			continue
		}
		pk, err := ev.PrimaryKey(t.PrimaryKeyColumn())
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{
			Key:         pk,
			Doc:         document.Project(ev.Payload, s.Projection),
			Sequence:    ev.Sequence,
			TimestampMs: ev.TimestampMs,
			EventKind:   ev.Kind,
		})
	}
	return pageRows(sortRows(rows, s.OrderBy), s), nil
}

func mapToRows(ctx context.Context, rowMap map[types.Comparable]document.Doc, s Scan) ([]Row, error) {
	rows := make([]Row, 0, len(rowMap))
	i := 0
	for k, d := range rowMap {
		i++
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, &xerrors.CancelledError{Op: "table scan"}
			}
		}
		rows = append(rows, Row{Key: k, Doc: d})
	}
	return rows, nil
}

// finishRows applies filter, projection, order and paging to a
// materialised row set that has not yet been through any of them.
func finishRows(rows []Row, s Scan) []Row {
	out := rows[:0]
	for _, r := range rows {
		if !matchesAll(r.Doc, s.Filters) {
			continue
		}
		r.Doc = document.Project(r.Doc, s.Projection)
		out = append(out, r)
	}
	return pageRows(sortRows(out, s.OrderBy), s)
}

func matchesAll(d document.Doc, filters []ScanCondition) bool {
	for _, f := range filters {
		val, ok := d.FieldComparable(f.Column)
		if !ok || !f.Matches(val) {
			return false
		}
	}
	return true
}

func sortRows(rows []Row, order *OrderBy) []Row {
	if order == nil {
		return rows
	}
	sort.SliceStable(rows, func(i, j int) bool {
		vi, iok := rows[i].Doc.FieldComparable(order.Column)
		vj, jok := rows[j].Doc.FieldComparable(order.Column)
		switch {
		case !iok && !jok:
			return false
		case !iok:
			return false
		case !jok:
			return true
		}
		cmp := vi.Compare(vj)
		if order.Descending {
			return cmp > 0
		}
		return cmp < 0
	})
	return rows
}

func pageRows(rows []Row, s Scan) []Row {
	if s.Offset > 0 {
		if s.Offset >= len(rows) {
			return nil
		}
		rows = rows[s.Offset:]
	}
	if s.Limit > 0 && s.Limit < len(rows) {
		rows = rows[:s.Limit]
	}
	return rows
}

func maxEvents(s Scan) int {
	if s.MaxEvents > 0 {
		return s.MaxEvents
	}
	return DefaultMaxEvents
}

func toIndexPredicate(cond ScanCondition) *index.Predicate {
	p := &index.Predicate{Value: cond.Value, ValueEnd: cond.ValueEnd}
	switch cond.Operator {
	case OpEqual:
		p.Operator = index.Equal
	case OpNotEqual:
		p.Operator = index.NotEqual
	case OpGreaterThan:
		p.Operator = index.GreaterThan
	case OpGreaterOrEqual:
		p.Operator = index.GreaterOrEqual
	case OpLessThan:
		p.Operator = index.LessThan
	case OpLessOrEqual:
		p.Operator = index.LessOrEqual
	case OpBetween:
		p.Operator = index.Between
	}
	return p
}

func keyString(k types.Comparable) string {
	if s, ok := k.(interface{ String() string }); ok {
		return k.Kind() + ":" + s.String()
	}
	return k.Kind()
}
