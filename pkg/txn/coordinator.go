// Package txn implements the transaction coordinator: BEGIN/COMMIT/
// ROLLBACK, buffered writes applied only at commit, named savepoints,
// deadlock detection, and the sequence numbering contract spec.md §8
// requires (sequence order equals commit order). Grounded on the
// teacher's pkg/storage/transaction_write.go for the buffer-then-WAL-
// then-apply commit shape, and on Jekaa-go-mvcc-map/mvcc/deadlock.go
// for wait-for-graph cycle detection.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lattice-db/eventdb/pkg/document"
	"github.com/lattice-db/eventdb/pkg/frame"
	"github.com/lattice-db/eventdb/pkg/mvcc"
	"github.com/lattice-db/eventdb/pkg/table"
	"github.com/lattice-db/eventdb/pkg/types"
	"github.com/lattice-db/eventdb/pkg/walog"
	"github.com/lattice-db/eventdb/pkg/xerrors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// MaxSavepointDepth bounds nested savepoints per transaction (spec.md
// §9 supplement; the teacher carries no savepoint concept at all).
const MaxSavepointDepth = 64

// TableLookup resolves a table by name for the coordinator, kept as a
// function rather than a registry type so this package does not need
// to depend on the engine's table registry.
type TableLookup func(name string) (*table.Table, bool)

// Coordinator serialises every transaction's commit through one WAL
// writer and one global sequence counter, and tracks active
// transactions for MVCC visibility, read-your-own-writes, and deadlock
// detection.
type Coordinator struct {
	wal    *walog.Writer
	tables TableLookup
	locks  *lockManager

	mu       sync.Mutex
	nextSeq  uint64
	nextTxID uint64
	active   map[uint64]*Tx

	defaultTimeout time.Duration
	maxTimeout     time.Duration

	stopDetector chan struct{}
}

// NewCoordinator creates a coordinator writing to wal, resolving
// tables via tables, seeding its sequence counter with startingSeq
// (the engine passes the segment log's recovered high-water mark + 1).
// allocSeq increments before returning, so the first sequence assigned
// is startingSeq + 1.
func NewCoordinator(wal *walog.Writer, tables TableLookup, startingSeq uint64, defaultTimeout, maxTimeout time.Duration) *Coordinator {
	return &Coordinator{
		wal:            wal,
		tables:         tables,
		locks:          newLockManager(),
		nextSeq:        startingSeq,
		active:         make(map[uint64]*Tx),
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
	}
}

// StartDeadlockDetector runs detectDeadlocks on interval until Stop is
// called, mirroring Jekaa's runDeadlockDetector but driven by the
// coordinator's own lock manager and active-transaction registry
// instead of a dedicated MVCCMap.
func (c *Coordinator) StartDeadlockDetector(interval time.Duration) (stop func()) {
	c.stopDetector = make(chan struct{})
	stopped := c.stopDetector
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stopped:
				return
			case <-ticker.C:
				c.detectDeadlocks()
			}
		}
	}()
	return func() { close(stopped) }
}

// Begin opens a new transaction at isolation, with a timeout bounded
// by the coordinator's configured default and maximum.
func (c *Coordinator) Begin(ctx context.Context, isolation mvcc.Isolation, timeout time.Duration) *Tx {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if c.maxTimeout > 0 && timeout > c.maxTimeout {
		timeout = c.maxTimeout
	}
	txCtx, cancel := context.WithTimeout(ctx, timeout)

	c.mu.Lock()
	c.nextTxID++
	txID := c.nextTxID
	c.mu.Unlock()

	tx := &Tx{
		id:        txID,
		coord:     c,
		isolation: isolation,
		ctx:       txCtx,
		cancel:    cancel,
		snapshots: make(map[string]*mvcc.Snapshot),
		locked:    make(map[rowKey]bool),
	}

	c.mu.Lock()
	c.active[txID] = tx
	c.mu.Unlock()
	return tx
}

func (c *Coordinator) forget(txID uint64) {
	c.mu.Lock()
	delete(c.active, txID)
	c.mu.Unlock()
}

// WireWrite is the WAL payload for one buffered write: the frame
// itself does not name a table (frame.Frame is table-agnostic), so the
// coordinator wraps it with the table name the way it wraps nothing
// else, since every other WAL record (Begin/Commit/Abort) is already
// scoped by the header's TxID alone. Exported so the engine façade can
// decode it during crash-recovery replay.
type WireWrite struct {
	Table string `bson:"table"`
	Frame []byte `bson:"frame"`
}

// DecodeWrite unmarshals a WAL Write record's payload.
func DecodeWrite(payload []byte) (WireWrite, error) {
	var w WireWrite
	if err := bson.Unmarshal(payload, &w); err != nil {
		return WireWrite{}, xerrors.Wrap(err, "unmarshal wal write payload")
	}
	return w, nil
}

// validateBuffer dry-runs every buffered write against its table's
// committed state, in order, before commit ever touches the WAL. A
// transaction buffers several writes to the same row (insert then
// patch, say); each write must see the effect of the ones before it in
// the same transaction, so pending carries that overlay per table
// across the whole pass. Returns the first schema/duplicate-key/
// not-found error it hits, exactly what applyLocked would have raised
// - the point is raising it here, before a single WAL record exists for
// this commit, instead of after the Commit record is already fsynced.
func (c *Coordinator) validateBuffer(tx *Tx) error {
	pending := make(map[string]map[types.Comparable]table.RowState)
	for _, w := range tx.buffer {
		t, ok := c.tables(w.table)
		if !ok {
			return &xerrors.NotFoundError{Kind: "table", Name: w.table}
		}
		tablePending := pending[w.table]
		if tablePending == nil {
			tablePending = make(map[types.Comparable]table.RowState)
			pending[w.table] = tablePending
		}
		ev := table.Event{Kind: w.kind, Payload: w.payload}
		pk, state, err := t.ValidateWrite(ev, tablePending)
		if err != nil {
			return err
		}
		tablePending[pk] = state
	}
	return nil
}

// commit durably WALs then applies every buffered write in tx, using
// one sequence number per write assigned while the WAL append lock is
// held, and reusing that exact number when applying to the table -
// the fix for the teacher's transaction_write.go regenerating a fresh
// LSN at apply time (its own comments flag this as a simplification
// left unresolved). Every buffered write is validated against its
// table before any WAL record is appended, so a commit that would fail
// schema, duplicate-key, or not-found validation never durably commits
// a prefix of itself: spec.md §8's "no partial commit" property holds
// even though the writes still apply to their tables one at a time.
func (c *Coordinator) commit(tx *Tx) error {
	if tx.isolation == mvcc.Serializable {
		for name, snap := range tx.snapshots {
			t, ok := c.tables(name)
			if !ok {
				continue
			}
			if err := t.Versions().ValidateSerializable(snap); err != nil {
				c.abortWAL(tx.id)
				return err
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(tx.buffer) == 0 {
		return nil
	}

	if err := c.validateBuffer(tx); err != nil {
		return err
	}

	if err := c.wal.Append(walog.NewRecord(walog.KindBegin, c.allocSeq(), tx.id, nil)); err != nil {
		return xerrors.Wrap(err, "wal begin record")
	}

	type sequenced struct {
		write    bufferedWrite
		sequence uint64
	}
	seqd := make([]sequenced, len(tx.buffer))
	now := time.Now().UnixMilli()

	for i, w := range tx.buffer {
		seq := c.allocSeq()
		ev := table.Event{Sequence: seq, TimestampMs: now, Kind: w.kind, Payload: w.payload}
		f, err := encodeEventFrame(ev)
		if err != nil {
			return err
		}
		payload, err := bson.Marshal(WireWrite{Table: w.table, Frame: f})
		if err != nil {
			return xerrors.Wrap(err, "marshal wal write payload")
		}
		if err := c.wal.Append(walog.NewRecord(walog.KindWrite, seq, tx.id, payload)); err != nil {
			return xerrors.Wrap(err, "wal write record")
		}
		seqd[i] = sequenced{write: w, sequence: seq}
	}

	if err := c.wal.Append(walog.NewRecord(walog.KindCommit, c.allocSeq(), tx.id, nil)); err != nil {
		return xerrors.Wrap(err, "wal commit record")
	}
	if err := c.wal.RotateIfNeeded(); err != nil {
		return xerrors.Wrap(err, "wal rotate")
	}

	for _, s := range seqd {
		t, ok := c.tables(s.write.table)
		if !ok {
			return &xerrors.NotFoundError{Kind: "table", Name: s.write.table}
		}
		ev := table.Event{Sequence: s.sequence, TimestampMs: now, Kind: s.write.kind, Payload: s.write.payload}
		snap := tx.snapshots[s.write.table]
		if err := t.Apply(ev, tx.id, snap); err != nil {
			return err
		}
	}
	return nil
}

// RecordCheckpoint appends a KindCheckpoint marker to the WAL under a
// freshly allocated sequence number and rotates the active segment if
// it has grown past its size threshold, the same rotation check a
// commit makes. The engine calls this once its own table-level
// checkpoint is durable, so replay and WAL pruning have a fixed point
// to measure "already captured elsewhere" against.
func (c *Coordinator) RecordCheckpoint() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.allocSeq()
	if err := c.wal.Append(walog.NewRecord(walog.KindCheckpoint, seq, 0, nil)); err != nil {
		return 0, xerrors.Wrap(err, "wal checkpoint record")
	}
	if err := c.wal.RotateIfNeeded(); err != nil {
		return 0, xerrors.Wrap(err, "wal rotate")
	}
	return seq, nil
}

func (c *Coordinator) abortWAL(txID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.wal.Append(walog.NewRecord(walog.KindAbort, c.allocSeq(), txID, nil))
}

// allocSeq assigns the next global sequence number. Callers must hold
// c.mu: sequence order is required to equal WAL append order, which is
// itself serialised through this same mutex (spec.md §8).
func (c *Coordinator) allocSeq() uint64 {
	c.nextSeq++
	return c.nextSeq
}

func encodeEventFrame(ev table.Event) ([]byte, error) {
	payload, err := document.Marshal(ev.Payload)
	if err != nil {
		return nil, xerrors.Wrap(err, "marshal event payload")
	}
	return frame.Encode(frame.Frame{Sequence: ev.Sequence, TimestampMs: ev.TimestampMs, Kind: ev.Kind, Payload: payload}), nil
}

func primaryKeyString(pk types.Comparable) string {
	return fmt.Sprintf("%s:%v", pk.Kind(), pk)
}
