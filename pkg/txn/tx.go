package txn

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/lattice-db/eventdb/pkg/document"
	"github.com/lattice-db/eventdb/pkg/frame"
	"github.com/lattice-db/eventdb/pkg/mvcc"
	"github.com/lattice-db/eventdb/pkg/types"
	"github.com/lattice-db/eventdb/pkg/xerrors"
	"github.com/google/uuid"
)

// Status is a transaction's lifecycle state (spec.md §3: BEGIN ->
// Buffering -> Committing -> Committed|Aborted).
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

type bufferedWrite struct {
	table   string
	kind    frame.Kind
	payload document.Doc
	pk      types.Comparable
}

type savepoint struct {
	name      string
	bufferLen int
	lockedLen int
}

// Tx is one in-flight transaction: buffered writes applied only at
// commit, a read view per table it has touched, and named savepoints.
type Tx struct {
	id        uint64
	coord     *Coordinator
	isolation mvcc.Isolation
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	snapshots  map[string]*mvcc.Snapshot
	buffer     []bufferedWrite
	lockedKeys []rowKey
	locked     map[rowKey]bool
	savepoints []savepoint
	status     Status
}

// ID returns the transaction's identifier.
func (tx *Tx) ID() uint64 { return tx.id }

// Status returns the transaction's current lifecycle state.
func (tx *Tx) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

func (tx *Tx) readView(tableName string) (*mvcc.Snapshot, error) {
	t, ok := tx.coord.tables(tableName)
	if !ok {
		return nil, &xerrors.NotFoundError{Kind: "table", Name: tableName}
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	snap, ok := tx.snapshots[tableName]
	if !ok {
		snap = t.Versions().Begin(tx.id, t.HighWater(), tx.isolation)
		tx.snapshots[tableName] = snap
	}
	return snap, nil
}

// RefreshReadView re-derives a Read Committed transaction's snapshot
// bound to the table's current high-water mark; the query executor
// calls this once per statement. It is a no-op for every other
// isolation level, which keep the bound fixed at BEGIN.
func (tx *Tx) RefreshReadView(tableName string) error {
	if tx.isolation != mvcc.ReadCommitted {
		return nil
	}
	t, ok := tx.coord.tables(tableName)
	if !ok {
		return &xerrors.NotFoundError{Kind: "table", Name: tableName}
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if snap, ok := tx.snapshots[tableName]; ok {
		snap.RefreshBegin(t.HighWater())
	}
	return nil
}

// Get resolves pk in tableName under this transaction's read view,
// checking its own uncommitted buffer first so a transaction always
// sees its own writes.
func (tx *Tx) Get(tableName string, pk types.Comparable) (document.Doc, bool, error) {
	tx.mu.Lock()
	for i := len(tx.buffer) - 1; i >= 0; i-- {
		w := tx.buffer[i]
		if w.table != tableName || w.pk.Compare(pk) != 0 {
			continue
		}
		tx.mu.Unlock()
		if w.kind == frame.SoftDelete {
			return nil, false, nil
		}
		return w.payload, true, nil
	}
	tx.mu.Unlock()

	t, ok := tx.coord.tables(tableName)
	if !ok {
		return nil, false, &xerrors.NotFoundError{Kind: "table", Name: tableName}
	}
	snap, err := tx.readView(tableName)
	if err != nil {
		return nil, false, err
	}
	snap.TrackRead(pk)
	v, ok := t.Versions().Get(pk, snap)
	if !ok {
		return nil, false, nil
	}
	doc, _ := v.Payload.(document.Doc)
	return doc, true, nil
}

// BufferedKeys returns the primary keys this transaction has buffered
// a write for in tableName, including inserts for rows that do not yet
// exist in the table's MVCC store, so a query executor scanning under
// this transaction can see its own uncommitted inserts.
func (tx *Tx) BufferedKeys(tableName string) []types.Comparable {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	var out []types.Comparable
	for _, w := range tx.buffer {
		if w.table == tableName {
			out = append(out, w.pk)
		}
	}
	return out
}

func (tx *Tx) lockRow(tableName string, pk types.Comparable) error {
	k := rowKey{table: tableName, key: primaryKeyString(pk)}
	tx.mu.Lock()
	if tx.locked[k] {
		tx.mu.Unlock()
		return nil
	}
	tx.mu.Unlock()

	if err := tx.coord.locks.acquire(tx.ctx, tx.id, tableName, k.key); err != nil {
		return &xerrors.TxAbortedError{TxID: strconv.FormatUint(tx.id, 10), Reason: err.Error()}
	}

	tx.mu.Lock()
	tx.locked[k] = true
	tx.lockedKeys = append(tx.lockedKeys, k)
	tx.mu.Unlock()
	return nil
}

// Insert buffers an Insert event for tableName.
func (tx *Tx) Insert(tableName, pkColumn string, doc document.Doc) error {
	pk, ok := doc.FieldComparable(pkColumn)
	if !ok {
		return &xerrors.SchemaViolationError{Table: tableName, Column: pkColumn, Reason: "row missing primary key field"}
	}
	if _, err := tx.readView(tableName); err != nil {
		return err
	}
	if err := tx.lockRow(tableName, pk); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.buffer = append(tx.buffer, bufferedWrite{table: tableName, kind: frame.Insert, payload: doc, pk: pk})
	return nil
}

// Patch buffers a Patch event for tableName; doc must include the
// primary key field plus only the columns being changed.
func (tx *Tx) Patch(tableName, pkColumn string, doc document.Doc) error {
	pk, ok := doc.FieldComparable(pkColumn)
	if !ok {
		return &xerrors.SchemaViolationError{Table: tableName, Column: pkColumn, Reason: "patch missing primary key field"}
	}
	if _, err := tx.readView(tableName); err != nil {
		return err
	}
	if err := tx.lockRow(tableName, pk); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.buffer = append(tx.buffer, bufferedWrite{table: tableName, kind: frame.Patch, payload: doc, pk: pk})
	return nil
}

// Delete buffers a SoftDelete event for pk in tableName.
func (tx *Tx) Delete(tableName, pkColumn string, pk types.Comparable) error {
	if _, err := tx.readView(tableName); err != nil {
		return err
	}
	if err := tx.lockRow(tableName, pk); err != nil {
		return err
	}
	var doc document.Doc
	doc = doc.Set(pkColumn, pkValue(pk))

	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.buffer = append(tx.buffer, bufferedWrite{table: tableName, kind: frame.SoftDelete, payload: doc, pk: pk})
	return nil
}

func pkValue(pk types.Comparable) any {
	switch v := pk.(type) {
	case types.IntKey:
		return int64(v)
	case types.VarcharKey:
		return string(v)
	case types.BoolKey:
		return bool(v)
	case types.FloatKey:
		return float64(v)
	case types.DateKey:
		return time.Time(v)
	default:
		return nil
	}
}

// Savepoint marks the current buffer and lock position under name, so
// a later RollbackToSavepoint can undo everything after it.
func (tx *Tx) Savepoint(name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.savepoints) >= MaxSavepointDepth {
		return &xerrors.ResourceExhaustedError{Resource: "savepoints", Limit: MaxSavepointDepth}
	}
	tx.savepoints = append(tx.savepoints, savepoint{name: name, bufferLen: len(tx.buffer), lockedLen: len(tx.lockedKeys)})
	return nil
}

// AnonymousSavepoint marks a savepoint the caller does not need to name
// itself (e.g. a query executor wrapping one statement in an implicit
// savepoint), generating a collision-free name and returning it.
func (tx *Tx) AnonymousSavepoint() (string, error) {
	name := "sp_" + uuid.NewString()
	if err := tx.Savepoint(name); err != nil {
		return "", err
	}
	return name, nil
}

// RollbackToSavepoint undoes every write buffered after name was
// marked and releases the row locks those writes acquired, leaving the
// savepoint itself in place.
func (tx *Tx) RollbackToSavepoint(name string) error {
	tx.mu.Lock()
	idx := -1
	for i := len(tx.savepoints) - 1; i >= 0; i-- {
		if tx.savepoints[i].name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		tx.mu.Unlock()
		return &xerrors.NotFoundError{Kind: "savepoint", Name: name}
	}
	sp := tx.savepoints[idx]

	for i := len(tx.lockedKeys) - 1; i >= sp.lockedLen; i-- {
		k := tx.lockedKeys[i]
		delete(tx.locked, k)
		tx.coord.locks.release(tx.id, k.table, k.key)
	}
	tx.lockedKeys = tx.lockedKeys[:sp.lockedLen]
	tx.buffer = tx.buffer[:sp.bufferLen]
	tx.savepoints = tx.savepoints[:idx+1]
	tx.mu.Unlock()
	return nil
}

// Commit durably writes every buffered write through the coordinator's
// WAL and applies it to its table, in one atomic step from the
// transaction's perspective.
func (tx *Tx) Commit() error {
	err := tx.coord.commit(tx)
	tx.finish()
	if err != nil {
		tx.mu.Lock()
		tx.status = StatusAborted
		tx.mu.Unlock()
		return err
	}
	tx.mu.Lock()
	tx.status = StatusCommitted
	tx.mu.Unlock()
	return nil
}

// Rollback discards every buffered write without ever touching the WAL
// or a table's segments, the same "just discard the write set"
// behaviour as the teacher's own Rollback.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	tx.buffer = nil
	tx.status = StatusAborted
	tx.mu.Unlock()
	tx.finish()
	return nil
}

func (tx *Tx) finish() {
	tx.mu.Lock()
	tables := make([]string, 0, len(tx.snapshots))
	for name := range tx.snapshots {
		tables = append(tables, name)
	}
	tx.mu.Unlock()

	for _, name := range tables {
		if t, ok := tx.coord.tables(name); ok {
			t.Versions().End(tx.id)
		}
	}
	tx.coord.locks.releaseAll(tx.id)
	tx.coord.forget(tx.id)
	tx.cancel()
}
