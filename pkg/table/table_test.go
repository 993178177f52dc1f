package table

import (
	"testing"

	"github.com/lattice-db/eventdb/pkg/document"
	"github.com/lattice-db/eventdb/pkg/frame"
	"github.com/lattice-db/eventdb/pkg/types"
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

func openTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := Open(testSchema(), t.TempDir(), Options{IndexedColumns: []string{"age"}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return tbl
}

func row(id int64, name string, age int64) document.Doc {
	var d document.Doc
	d = d.Set("id", id)
	d = d.Set("name", name)
	d = d.Set("age", age)
	return d
}

func TestOpenRejectsSchemaWithoutPrimaryKey(t *testing.T) {
	schema := document.Schema{Table: "bad", Columns: []document.Column{{Name: "x", Type: document.ColumnInt}}}
	if _, err := Open(schema, t.TempDir(), Options{}); err == nil {
		t.Fatal("expected error opening a table with no primary key column")
	}
}

func TestApplyInsertAndCurrentRows(t *testing.T) {
	tbl := openTestTable(t)

	err := tbl.Apply(Event{Sequence: 1, TimestampMs: 1000, Kind: frame.Insert, Payload: row(1, "alice", 30)}, 1, nil)
	if err != nil {
		t.Fatalf("apply insert: %v", err)
	}

	rows, err := tbl.CurrentRows()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	doc, ok := rows[types.IntKey(1)]
	if !ok {
		t.Fatal("expected row with pk 1")
	}
	if name, _ := doc.Get("name"); name != "alice" {
		t.Fatalf("expected name alice, got %v", name)
	}

	ix, ok := tbl.Index("age")
	if !ok {
		t.Fatal("expected age index to exist")
	}
	if pks := ix.Lookup(types.IntKey(30)); len(pks) != 1 {
		t.Fatalf("expected age index to have 1 entry for age 30, got %d", len(pks))
	}
}

func TestApplyInsertRejectsDuplicatePrimaryKey(t *testing.T) {
	tbl := openTestTable(t)
	if err := tbl.Apply(Event{Sequence: 1, TimestampMs: 1, Kind: frame.Insert, Payload: row(1, "alice", 30)}, 1, nil); err != nil {
		t.Fatal(err)
	}
	err := tbl.Apply(Event{Sequence: 2, TimestampMs: 2, Kind: frame.Insert, Payload: row(1, "bob", 40)}, 2, nil)
	if err == nil {
		t.Fatal("expected duplicate primary key insert to be rejected")
	}
}

func TestApplyPatchUpdatesRowAndIndex(t *testing.T) {
	tbl := openTestTable(t)
	tbl.Apply(Event{Sequence: 1, TimestampMs: 1, Kind: frame.Insert, Payload: row(1, "alice", 30)}, 1, nil)

	var patch document.Doc
	patch = patch.Set("id", int64(1))
	patch = patch.Set("age", int64(31))
	if err := tbl.Apply(Event{Sequence: 2, TimestampMs: 2, Kind: frame.Patch, Payload: patch}, 2, nil); err != nil {
		t.Fatalf("apply patch: %v", err)
	}

	rows, _ := tbl.CurrentRows()
	doc := rows[types.IntKey(1)]
	if age, _ := doc.Get("age"); age != int64(31) {
		t.Fatalf("expected age 31 after patch, got %v", age)
	}
	if name, _ := doc.Get("name"); name != "alice" {
		t.Fatal("expected patch to leave name untouched")
	}

	ix, _ := tbl.Index("age")
	if pks := ix.Lookup(types.IntKey(30)); len(pks) != 0 {
		t.Fatal("expected old age value removed from index after patch")
	}
	if pks := ix.Lookup(types.IntKey(31)); len(pks) != 1 {
		t.Fatal("expected new age value present in index after patch")
	}
}

func TestApplySoftDeleteHidesRowFromCurrentButNotHistory(t *testing.T) {
	tbl := openTestTable(t)
	tbl.Apply(Event{Sequence: 1, TimestampMs: 1, Kind: frame.Insert, Payload: row(1, "alice", 30)}, 1, nil)
	if err := tbl.Apply(Event{Sequence: 2, TimestampMs: 2, Kind: frame.SoftDelete, Payload: row(1, "alice", 30)}, 2, nil); err != nil {
		t.Fatalf("apply soft delete: %v", err)
	}

	rows, _ := tbl.CurrentRows()
	if _, ok := rows[types.IntKey(1)]; ok {
		t.Fatal("expected row absent from current rows after soft delete")
	}

	past, err := tbl.MaterialiseAt(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := past[types.IntKey(1)]; !ok {
		t.Fatal("expected row still present when materialised as of sequence before the delete")
	}

	ix, _ := tbl.Index("age")
	if pks := ix.Lookup(types.IntKey(30)); len(pks) != 0 {
		t.Fatal("expected age index entry removed after soft delete")
	}
}

func TestApplyPatchOnMissingRowFails(t *testing.T) {
	tbl := openTestTable(t)
	var patch document.Doc
	patch = patch.Set("id", int64(99))
	patch = patch.Set("age", int64(1))
	if err := tbl.Apply(Event{Sequence: 1, TimestampMs: 1, Kind: frame.Patch, Payload: patch}, 1, nil); err == nil {
		t.Fatal("expected patch against a nonexistent row to fail")
	}
}

func TestMaterialiseAtDeltaReplayAcrossMultipleEvents(t *testing.T) {
	tbl := openTestTable(t)
	tbl.Apply(Event{Sequence: 1, TimestampMs: 1, Kind: frame.Insert, Payload: row(1, "alice", 30)}, 1, nil)
	tbl.Apply(Event{Sequence: 2, TimestampMs: 2, Kind: frame.Insert, Payload: row(2, "bob", 25)}, 2, nil)

	var patch document.Doc
	patch = patch.Set("id", int64(1))
	patch = patch.Set("age", int64(31))
	tbl.Apply(Event{Sequence: 3, TimestampMs: 3, Kind: frame.Patch, Payload: patch}, 3, nil)

	asOf2, err := tbl.MaterialiseAt(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(asOf2) != 2 {
		t.Fatalf("expected 2 rows as of sequence 2, got %d", len(asOf2))
	}
	if age, _ := asOf2[types.IntKey(1)].Get("age"); age != int64(30) {
		t.Fatalf("expected alice's age still 30 as of sequence 2, got %v", age)
	}

	asOf3, _ := tbl.MaterialiseAt(3)
	if age, _ := asOf3[types.IntKey(1)].Get("age"); age != int64(31) {
		t.Fatalf("expected alice's age 31 as of sequence 3, got %v", age)
	}
}

func TestApplyRejectsNonMonotonicSequence(t *testing.T) {
	tbl := openTestTable(t)
	tbl.Apply(Event{Sequence: 5, TimestampMs: 1, Kind: frame.Insert, Payload: row(1, "alice", 30)}, 1, nil)
	err := tbl.Apply(Event{Sequence: 5, TimestampMs: 2, Kind: frame.Insert, Payload: row(2, "bob", 40)}, 2, nil)
	if err == nil {
		t.Fatal("expected applying a non-advancing sequence to fail")
	}
}

// assertUniqueSequences fails the test if any two frames in the
// table's rewritten segment log share a sequence number - invariant 1
// never allows a sequence to be reused.
func assertUniqueSequences(t *testing.T, tbl *Table) {
	t.Helper()
	frames, err := tbl.segments.ReadAllFrames()
	if err != nil {
		t.Fatalf("read frames: %v", err)
	}
	seen := make(map[uint64]bool, len(frames))
	for _, f := range frames {
		if seen[f.Sequence] {
			t.Fatalf("sequence %d appears more than once after vacuum", f.Sequence)
		}
		seen[f.Sequence] = true
	}
}

func TestVacuumNeverReusesASequenceAtTheCutoffBoundary(t *testing.T) {
	tbl := openTestTable(t)
	for i := int64(1); i <= 5; i++ {
		if err := tbl.Apply(Event{Sequence: uint64(i), TimestampMs: i, Kind: frame.Insert, Payload: row(i, "user", i*10)}, uint64(i), nil); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	// Every row inserted so far is still live, so retaining everything
	// from sequence 5 onward folds all 4 rows below it into the
	// synthetic block ending at sequence 4 - the exact boundary the
	// underflow guard protects.
	if err := tbl.Vacuum(5, 5); err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	assertUniqueSequences(t, tbl)

	rows, err := tbl.CurrentRows()
	if err != nil {
		t.Fatalf("current rows: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected all 5 rows to survive vacuum, got %d", len(rows))
	}
}

func TestValidateWriteCatchesDuplicateKeyWithoutMutatingState(t *testing.T) {
	tbl := openTestTable(t)
	if err := tbl.Apply(Event{Sequence: 1, TimestampMs: 1, Kind: frame.Insert, Payload: row(1, "alice", 30)}, 1, nil); err != nil {
		t.Fatal(err)
	}

	pending := make(map[types.Comparable]RowState)
	_, _, err := tbl.ValidateWrite(Event{Kind: frame.Insert, Payload: row(1, "alice-again", 31)}, pending)
	if err == nil {
		t.Fatal("expected a duplicate-key error from ValidateWrite")
	}
	if tbl.HighWater() != 1 {
		t.Fatalf("ValidateWrite must not mutate the table, high-water changed to %d", tbl.HighWater())
	}

	// A fresh row in the same validation pass still succeeds.
	pk, state, err := tbl.ValidateWrite(Event{Kind: frame.Insert, Payload: row(2, "bob", 25)}, pending)
	if err != nil {
		t.Fatalf("validate bob: %v", err)
	}
	if !state.Exists {
		t.Fatal("expected bob's simulated state to exist")
	}
	pending[pk] = state

	// And patching bob within the same pass sees his pending insert.
	if _, _, err := tbl.ValidateWrite(Event{Kind: frame.Patch, Payload: row(2, "bob", 26)}, pending); err != nil {
		t.Fatalf("validate patch on pending insert: %v", err)
	}
}
