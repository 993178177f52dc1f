package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lattice-db/eventdb/pkg/document"
	"github.com/lattice-db/eventdb/pkg/frame"
	"github.com/lattice-db/eventdb/pkg/mvcc"
	"github.com/lattice-db/eventdb/pkg/table"
	"github.com/lattice-db/eventdb/pkg/txn"
	"github.com/lattice-db/eventdb/pkg/types"
	"github.com/lattice-db/eventdb/pkg/walog"
)

func testSchema() document.Schema {
	return document.Schema{
		Table: "users",
		Columns: []document.Column{
			{Name: "id", Type: document.ColumnInt, PrimaryKey: true, NotNull: true},
			{Name: "name", Type: document.ColumnVarchar, NotNull: true},
			{Name: "age", Type: document.ColumnInt},
		},
	}
}

func row(id int64, name string, age int64) document.Doc {
	var d document.Doc
	d = d.Set("id", id)
	d = d.Set("name", name)
	d = d.Set("age", age)
	return d
}

func openTestTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.Open(testSchema(), t.TempDir(), table.Options{IndexedColumns: []string{"age"}})
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	return tbl
}

func applyInsert(t *testing.T, tbl *table.Table, seq uint64, doc document.Doc) {
	t.Helper()
	if err := tbl.Apply(table.Event{Sequence: seq, TimestampMs: int64(seq) * 1000, Kind: frame.Insert, Payload: doc}, seq, nil); err != nil {
		t.Fatalf("apply insert: %v", err)
	}
}

func TestExecutorCurrentScanAppliesFilterAndProjection(t *testing.T) {
	tbl := openTestTable(t)
	applyInsert(t, tbl, 1, row(1, "alice", 30))
	applyInsert(t, tbl, 2, row(2, "bob", 25))
	applyInsert(t, tbl, 3, row(3, "carol", 40))

	e := NewExecutor()
	rows, err := e.Run(context.Background(), Scan{
		Table:      "users",
		Filters:    []ScanCondition{GreaterThan("age", types.IntKey(25))},
		Projection: []string{"name"},
	}, tbl, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows (alice, carol), got %d", len(rows))
	}
	for _, r := range rows {
		if _, ok := r.Doc.Get("age"); ok {
			t.Fatalf("projection should have dropped age, got %v", r.Doc)
		}
	}
}

func TestExecutorUsesIndexForEqualityFilter(t *testing.T) {
	tbl := openTestTable(t)
	applyInsert(t, tbl, 1, row(1, "alice", 30))
	applyInsert(t, tbl, 2, row(2, "bob", 30))
	applyInsert(t, tbl, 3, row(3, "carol", 40))

	e := NewExecutor()
	rows, err := e.Run(context.Background(), Scan{
		Table:   "users",
		Filters: []ScanCondition{Equal("age", types.IntKey(30))},
	}, tbl, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows at age 30, got %d", len(rows))
	}
}

func TestExecutorOrderByAndLimit(t *testing.T) {
	tbl := openTestTable(t)
	applyInsert(t, tbl, 1, row(1, "alice", 30))
	applyInsert(t, tbl, 2, row(2, "bob", 25))
	applyInsert(t, tbl, 3, row(3, "carol", 40))

	e := NewExecutor()
	rows, err := e.Run(context.Background(), Scan{
		Table:   "users",
		OrderBy: &OrderBy{Column: "age"},
		Limit:   2,
	}, tbl, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after limit, got %d", len(rows))
	}
	first, _ := rows[0].Doc.Get("age")
	second, _ := rows[1].Doc.Get("age")
	if first != int64(25) || second != int64(30) {
		t.Fatalf("expected ascending ages 25, 30, got %v, %v", first, second)
	}
}

func TestExecutorAsOfSequenceReplaysPriorState(t *testing.T) {
	tbl := openTestTable(t)
	applyInsert(t, tbl, 1, row(1, "alice", 30))
	seqAfterFirst := tbl.HighWater()
	applyInsert(t, tbl, 2, row(2, "bob", 25))

	e := NewExecutor()
	rows, err := e.Run(context.Background(), Scan{Table: "users", TimeTravel: AsOfSequence(seqAfterFirst)}, tbl, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row as of first insert, got %d", len(rows))
	}
}

func TestExecutorAllHistoryEmitsEveryEvent(t *testing.T) {
	tbl := openTestTable(t)
	applyInsert(t, tbl, 1, row(1, "alice", 30))
	applyInsert(t, tbl, 2, row(2, "bob", 25))

	e := NewExecutor()
	rows, err := e.Run(context.Background(), Scan{Table: "users", TimeTravel: AllHistory()}, tbl, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 historical events, got %d", len(rows))
	}
}

func TestExecutorToleratesCancelledContextOnSmallIndexScan(t *testing.T) {
	tbl := openTestTable(t)
	applyInsert(t, tbl, 1, row(1, "alice", 30))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewExecutor()
	_, err := e.Run(ctx, Scan{
		Table:     "users",
		Filters:   []ScanCondition{GreaterOrEqual("age", types.IntKey(0))},
		MaxEvents: 1,
	}, tbl, nil)
	// The index scan checks ctx only once every checkEvery (4096) rows,
	// so this single-row scan finishes before any check. The test only
	// shows that an already-cancelled context does not make Run panic;
	// it asserts no specific error.
	_ = err
}

func TestExecutorUnderTransactionSeesBufferedWrites(t *testing.T) {
	dir := t.TempDir()
	tbl, err := table.Open(testSchema(), filepath.Join(dir, "users"), table.Options{})
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	w, err := walog.NewWriter(filepath.Join(dir, "wal"), walog.DefaultOptions())
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	lookup := func(name string) (*table.Table, bool) {
		if name == "users" {
			return tbl, true
		}
		return nil, false
	}
	coord := txn.NewCoordinator(w, lookup, 1, time.Second, 5*time.Second)

	tx := coord.Begin(context.Background(), mvcc.RepeatableRead, 0)
	if err := tx.Insert("users", "id", row(1, "alice", 30)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	e := NewExecutor()
	rows, err := e.Run(context.Background(), Scan{Table: "users"}, tbl, tx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected the uncommitted write to be visible to its own transaction, got %d rows", len(rows))
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}
