package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lattice-db/eventdb/pkg/document"
	"github.com/lattice-db/eventdb/pkg/mvcc"
	"github.com/lattice-db/eventdb/pkg/query"
	"github.com/lattice-db/eventdb/pkg/table"
	"github.com/lattice-db/eventdb/pkg/walog"
)

func testSchema() document.Schema {
	return document.Schema{
		Table: "users",
		Columns: []document.Column{
			{Name: "id", Type: document.ColumnInt, PrimaryKey: true, NotNull: true},
			{Name: "name", Type: document.ColumnVarchar, NotNull: true},
		},
	}
}

func row(id int64, name string) document.Doc {
	var d document.Doc
	d = d.Set("id", id)
	d = d.Set("name", name)
	return d
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenRefusesSecondProcessOnSameDirectory(t *testing.T) {
	dir := t.TempDir()
	e1, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	defer e1.Close()

	if _, err := Open(dir, DefaultOptions()); err == nil {
		t.Fatal("expected second Open of a locked directory to fail")
	}
}

func TestCreateTableThenReopenRecoversSchemaAndRows(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := e.CreateTable(testSchema(), table.Options{}); err != nil {
		t.Fatalf("create table: %v", err)
	}

	tx := e.Begin(context.Background(), mvcc.RepeatableRead, 0)
	if err := tx.Insert("users", "id", row(1, "alice")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	tbl, ok := reopened.Table("users")
	if !ok {
		t.Fatal("expected table users to survive reopen")
	}
	rows, err := tbl.CurrentRows()
	if err != nil {
		t.Fatalf("current rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after reopen, got %d", len(rows))
	}
}

func TestCreateTableRejectsDuplicateName(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.CreateTable(testSchema(), table.Options{}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := e.CreateTable(testSchema(), table.Options{}); err == nil {
		t.Fatal("expected duplicate CreateTable to fail")
	}
}

func TestCreateTableEnforcesMaxTables(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxTables = 1
	e, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if _, err := e.CreateTable(testSchema(), table.Options{}); err != nil {
		t.Fatalf("create first table: %v", err)
	}
	second := document.Schema{
		Table:   "other",
		Columns: []document.Column{{Name: "id", Type: document.ColumnInt, PrimaryKey: true}},
	}
	if _, err := e.CreateTable(second, table.Options{}); err == nil {
		t.Fatal("expected table count bound to reject a second table")
	}
}

func TestDropTableRemovesItFromRegistryAndDisk(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.CreateTable(testSchema(), table.Options{}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := e.DropTable("users"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if _, ok := e.Table("users"); ok {
		t.Fatal("expected users to be gone after DropTable")
	}
	if err := e.DropTable("users"); err == nil {
		t.Fatal("expected dropping an already-dropped table to fail")
	}
}

func TestQueryAfterCommitSeesCommittedRow(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.CreateTable(testSchema(), table.Options{}); err != nil {
		t.Fatalf("create table: %v", err)
	}

	tx := e.Begin(context.Background(), mvcc.RepeatableRead, 0)
	if err := tx.Insert("users", "id", row(1, "alice")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rows, err := e.Query(context.Background(), query.Scan{Table: "users"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if name, _ := rows[0].Doc.Get("name"); name != "alice" {
		t.Fatalf("expected alice, got %v", name)
	}
}

func TestCheckpointAndVacuumDoNotErrorOnEmptyTable(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.CreateTable(testSchema(), table.Options{}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := e.Checkpoint("users"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := e.Vacuum("users", 0); err != nil {
		t.Fatalf("vacuum: %v", err)
	}
}

func TestQueryUnknownTableReturnsNotFound(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.Query(context.Background(), query.Scan{Table: "ghost"}); err == nil {
		t.Fatal("expected querying an unregistered table to fail")
	}
}

func TestAbortedCommitNeverReachesTheWALOrBricksReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := e.CreateTable(testSchema(), table.Options{}); err != nil {
		t.Fatalf("create table: %v", err)
	}

	seed := e.Begin(context.Background(), mvcc.RepeatableRead, 0)
	if err := seed.Insert("users", "id", row(1, "alice")); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	bad := e.Begin(context.Background(), mvcc.RepeatableRead, 0)
	if err := bad.Insert("users", "id", row(2, "bob")); err != nil {
		t.Fatalf("bob insert: %v", err)
	}
	if err := bad.Insert("users", "id", row(1, "alice-again")); err != nil {
		t.Fatalf("alice-again insert: %v", err)
	}
	if err := bad.Commit(); err == nil {
		t.Fatal("expected commit to fail on duplicate primary key")
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A commit that failed validation must never have reached the WAL,
	// so reopening replays cleanly instead of re-hitting the same
	// duplicate-key error and bricking the database.
	reopened, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen after rejected commit: %v", err)
	}
	defer reopened.Close()

	tbl, _ := reopened.Table("users")
	rows, err := tbl.CurrentRows()
	if err != nil {
		t.Fatalf("current rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected only alice's original row to survive, got %d rows", len(rows))
	}
}

func TestCommitRotatesWALSegmentPastSizeThreshold(t *testing.T) {
	opts := DefaultOptions()
	opts.WAL.MaxSegmentSize = 1 // rotate on every commit
	dir := t.TempDir()
	e, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if _, err := e.CreateTable(testSchema(), table.Options{}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		tx := e.Begin(context.Background(), mvcc.RepeatableRead, 0)
		if err := tx.Insert("users", "id", row(i, "user")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	paths, err := walog.SegmentPaths(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("segment paths: %v", err)
	}
	if len(paths) < 2 {
		t.Fatalf("expected commits past the size threshold to rotate into multiple WAL segments, got %d", len(paths))
	}
}

func TestCheckpointPrunesWALSegmentsAlreadyCapturedByTheTable(t *testing.T) {
	opts := DefaultOptions()
	opts.WAL.MaxSegmentSize = 1 // rotate on every commit, so checkpoint has something to prune
	dir := t.TempDir()
	e, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if _, err := e.CreateTable(testSchema(), table.Options{}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		tx := e.Begin(context.Background(), mvcc.RepeatableRead, 0)
		if err := tx.Insert("users", "id", row(i, "user")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	walDir := filepath.Join(dir, "wal")
	before, err := walog.SegmentPaths(walDir)
	if err != nil {
		t.Fatalf("segment paths before checkpoint: %v", err)
	}

	if err := e.Checkpoint("users"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	after, err := walog.SegmentPaths(walDir)
	if err != nil {
		t.Fatalf("segment paths after checkpoint: %v", err)
	}
	if len(after) >= len(before) {
		t.Fatalf("expected checkpoint to prune sealed WAL segments already captured by the table, had %d, now %d", len(before), len(after))
	}

	// And the table's own durable state is untouched by pruning the WAL.
	rows, err := func() (int, error) {
		tbl, _ := e.Table("users")
		r, err := tbl.CurrentRows()
		return len(r), err
	}()
	if err != nil {
		t.Fatalf("current rows: %v", err)
	}
	if rows != 3 {
		t.Fatalf("expected 3 rows to remain after checkpoint, got %d", rows)
	}
}
