// Package table implements the table engine: the layer that owns one
// segment set, one secondary-index set, one snapshot store and one
// MVCC version store for a single table, and serialises every mutation
// through a single writer while letting many readers proceed
// concurrently. Grounded on the teacher's pkg/storage/table.go (schema
// and single-primary-key validation) and pkg/storage/engine.go's
// Recover function (the "replay what the index hasn't seen yet" loop
// shape), generalised per spec.md §4.6: apply and materialise_at are
// new, since the teacher has no notion of a point-in-time read.
package table

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lattice-db/eventdb/pkg/document"
	"github.com/lattice-db/eventdb/pkg/frame"
	"github.com/lattice-db/eventdb/pkg/index"
	"github.com/lattice-db/eventdb/pkg/mvcc"
	"github.com/lattice-db/eventdb/pkg/segment"
	"github.com/lattice-db/eventdb/pkg/snapshot"
	"github.com/lattice-db/eventdb/pkg/types"
	"github.com/lattice-db/eventdb/pkg/xerrors"
)

// Table owns everything needed to apply events to one logical table
// and answer both current and historical queries against it.
type Table struct {
	Name     string
	Schema   document.Schema
	pkColumn string

	// mu is the single exclusive writer / many shared readers lock
	// spec.md §4.6 requires. The teacher's engine.go takes
	// table.RLock()/RUnlock() as if Table declared this, but its own
	// pkg/storage/table.go never does; this is that missing field,
	// made real and consistent.
	mu sync.RWMutex

	segments   *segment.Manager
	segmentDir string
	indexDir   string
	indexes    map[string]*index.Index
	snapshots  *snapshot.Store
	versions   *mvcc.Store
	policy     *snapshot.Policy

	highWater uint64

	rateMu          sync.Mutex
	rateWindowStart time.Time
	rateWindowCount uint64
	rate            float64
}

// Options configures a table beyond its schema.
type Options struct {
	// IndexedColumns names columns to maintain a secondary index for,
	// beyond the schema's UNIQUE columns which are always indexed.
	IndexedColumns []string
	MaxSegmentSize int64
	Policy         snapshot.PolicyConfig
}

// Open creates or recovers a table rooted at dir: schema.Table names
// it, segments live in dir/segments, snapshots in dir/snapshots,
// indexes in dir/indexes.
func Open(schema document.Schema, dir string, opts Options) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	pk, _ := schema.PrimaryKeyColumn()

	segDir := filepath.Join(dir, "segments")
	segMgr, highWater, err := segment.OpenManager(segDir, opts.MaxSegmentSize)
	if err != nil {
		return nil, err
	}
	snapStore, err := snapshot.Open(filepath.Join(dir, "snapshots"))
	if err != nil {
		return nil, err
	}

	cfg := opts.Policy
	if cfg == (snapshot.PolicyConfig{}) {
		cfg = snapshot.DefaultPolicyConfig()
	}

	t := &Table{
		Name:            schema.Table,
		Schema:          schema,
		pkColumn:        pk.Name,
		segments:        segMgr,
		segmentDir:      segDir,
		indexDir:        filepath.Join(dir, "indexes"),
		indexes:         make(map[string]*index.Index),
		snapshots:       snapStore,
		versions:        mvcc.NewStore(),
		policy:          snapshot.NewPolicy(cfg, time.Now()),
		rateWindowStart: time.Now(),
	}

	if err := os.MkdirAll(t.indexDir, 0755); err != nil {
		return nil, &xerrors.IOError{Op: "mkdir", Path: t.indexDir, Err: err}
	}

	columns := append([]string{}, opts.IndexedColumns...)
	columns = append(columns, schema.UniqueColumns()...)
	seen := make(map[string]bool)
	for _, col := range columns {
		if seen[col] {
			continue
		}
		seen[col] = true
		if loaded, err := index.LoadFile(col, t.indexPath(col)); err == nil {
			t.indexes[col] = loaded
		} else {
			t.indexes[col] = index.New(col)
		}
	}

	if err := t.recover(highWater); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) indexPath(column string) string {
	return filepath.Join(t.indexDir, column+".idx")
}

// recover brings the MVCC store and every secondary index up to the
// segment log's high-water mark. It first tries to start from the
// most recent snapshot and replay only the delta, falling back to a
// full replay from sequence 0 when no snapshot exists, mirroring the
// teacher's Recover loop but keyed on a single high-water mark instead
// of a per-table loadedLSNs map.
func (t *Table) recover(highWater uint64) error {
	snap, err := t.snapshots.NearestAtOrBefore(highWater)
	if err != nil {
		return err
	}
	base := uint64(0)
	if snap != nil {
		base = snap.Sequence
		for pk, doc := range snap.Rows {
			t.versions.Put(pk, doc, 0, snap.Sequence, nil)
			t.indexRow(nil, doc, pk)
		}
	}

	frames, err := t.segments.ReadAllFrames()
	if err != nil {
		return err
	}
	for _, f := range frames {
		if f.Sequence <= base {
			continue
		}
		ev, err := decodeFrame(f)
		if err != nil {
			return err
		}
		if err := t.applyLocked(ev, ev.Sequence, nil, true); err != nil {
			return err
		}
	}
	t.highWater = highWater
	for _, ix := range t.indexes {
		ix.Advance(highWater)
	}
	return nil
}

// NextTimestamp is a thin seam so callers (and tests) can stamp events
// consistently; it is not itself a sequence source, since sequence
// assignment is the engine's job under its WAL append lock.
func NextTimestamp() int64 { return time.Now().UnixMilli() }

// Apply applies one already-sequenced event: it must carry the
// sequence number the engine assigned while appending the owning WAL
// record, reused verbatim here rather than generated afresh, the fix
// for the teacher's transaction_write.go regenerating LSNs at apply
// time. txID identifies the writer for MVCC purposes; snap, when
// non-nil, is the writing transaction's snapshot, used to record the
// write for later conflict validation.
func (t *Table) Apply(ev Event, txID uint64, snap *mvcc.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Sequences are assigned starting at 1 (spec.md §3), so a zero
	// high-water mark unambiguously means "nothing applied yet" and
	// never collides with a real first event.
	if ev.Sequence <= t.highWater && t.highWater != 0 {
		return &xerrors.IOError{Op: "apply", Path: t.Name, Err: fmt.Errorf("sequence %d does not advance high-water %d", ev.Sequence, t.highWater)}
	}
	if err := t.applyLocked(ev, txID, snap, false); err != nil {
		return err
	}
	t.highWater = ev.Sequence
	for _, ix := range t.indexes {
		ix.Advance(ev.Sequence)
	}
	t.recordForRate(ev.Sequence)
	return t.maybeSnapshot()
}

// applyLocked performs the actual state transition: schema/uniqueness
// checks, frame append (skipped during replay, where the frame already
// exists on disk), index maintenance, and MVCC update. Callers must
// hold t.mu.
func (t *Table) applyLocked(ev Event, txID uint64, snap *mvcc.Snapshot, replay bool) error {
	pk, err := ev.PrimaryKey(t.pkColumn)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case frame.Insert:
		if err := t.Schema.CheckRow(ev.Payload); err != nil {
			return err
		}
		if head, ok := t.versions.Head(pk); ok && !head.HasDelete {
			return &xerrors.DuplicateKeyError{Table: t.Name, Key: fmt.Sprintf("%v", pk)}
		}
		if !replay {
			if _, err := t.appendFrame(ev); err != nil {
				return err
			}
		}
		t.versions.Put(pk, ev.Payload, txID, ev.Sequence, snap)
		t.indexRow(nil, ev.Payload, pk)

	case frame.Patch:
		head, ok := t.versions.Head(pk)
		if !ok || head.HasDelete {
			return &xerrors.NotFoundError{Kind: "row", Name: fmt.Sprintf("%v", pk)}
		}
		old, _ := head.Payload.(document.Doc)
		merged := mergeDoc(old, ev.Payload)
		if err := t.Schema.CheckRow(merged); err != nil {
			return err
		}
		if !replay {
			if _, err := t.appendFrame(ev); err != nil {
				return err
			}
		}
		t.versions.Put(pk, merged, txID, ev.Sequence, snap)
		t.indexRow(old, merged, pk)

	case frame.SoftDelete:
		head, ok := t.versions.Head(pk)
		if !ok || head.HasDelete {
			return &xerrors.NotFoundError{Kind: "row", Name: fmt.Sprintf("%v", pk)}
		}
		if !replay {
			if _, err := t.appendFrame(ev); err != nil {
				return err
			}
		}
		if err := t.versions.Delete(pk, txID, ev.Sequence, snap); err != nil {
			return err
		}
		old, _ := head.Payload.(document.Doc)
		t.indexRow(old, nil, pk)

	default:
		return fmt.Errorf("unknown event kind %v", ev.Kind)
	}
	return nil
}

// RowState is a row's existence and payload at some point in a
// validation pass; used only by ValidateWrite, never by the real
// applied-state path (the MVCC store's own Head is the source of truth
// there).
type RowState struct {
	Exists bool
	Doc    document.Doc
}

// ValidateWrite simulates applying ev against the table's committed
// state overlaid with pending - the effect of any earlier write in the
// same not-yet-committed transaction - without mutating the table,
// appending a frame, or touching an index. It raises exactly the
// errors applyLocked would raise for this event (schema violation,
// duplicate key, row not found) so a caller can validate an entire
// buffered transaction before writing anything to the WAL. The
// returned RowState belongs in pending under ev's primary key so a
// later write in the same validation pass sees this one's effect.
func (t *Table) ValidateWrite(ev Event, pending map[types.Comparable]RowState) (types.Comparable, RowState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pk, err := ev.PrimaryKey(t.pkColumn)
	if err != nil {
		return nil, RowState{}, err
	}

	state, ok := pending[pk]
	if !ok {
		if head, ok2 := t.versions.Head(pk); ok2 && !head.HasDelete {
			doc, _ := head.Payload.(document.Doc)
			state = RowState{Exists: true, Doc: doc}
		}
	}

	switch ev.Kind {
	case frame.Insert:
		if err := t.Schema.CheckRow(ev.Payload); err != nil {
			return nil, RowState{}, err
		}
		if state.Exists {
			return nil, RowState{}, &xerrors.DuplicateKeyError{Table: t.Name, Key: fmt.Sprintf("%v", pk)}
		}
		return pk, RowState{Exists: true, Doc: ev.Payload}, nil

	case frame.Patch:
		if !state.Exists {
			return nil, RowState{}, &xerrors.NotFoundError{Kind: "row", Name: fmt.Sprintf("%v", pk)}
		}
		merged := mergeDoc(state.Doc, ev.Payload)
		if err := t.Schema.CheckRow(merged); err != nil {
			return nil, RowState{}, err
		}
		return pk, RowState{Exists: true, Doc: merged}, nil

	case frame.SoftDelete:
		if !state.Exists {
			return nil, RowState{}, &xerrors.NotFoundError{Kind: "row", Name: fmt.Sprintf("%v", pk)}
		}
		return pk, RowState{Exists: false}, nil

	default:
		return nil, RowState{}, fmt.Errorf("unknown event kind %v", ev.Kind)
	}
}

func (t *Table) appendFrame(ev Event) (int64, error) {
	f, err := encodeFrame(ev)
	if err != nil {
		return 0, err
	}
	return t.segments.Append(f)
}

// indexRow updates every maintained index for the difference between
// old and next (either may be nil, for an insert or a delete).
func (t *Table) indexRow(old, next document.Doc, pk types.Comparable) {
	for col, ix := range t.indexes {
		var oldVal, newVal types.Comparable
		var oldOk, newOk bool
		if old != nil {
			oldVal, oldOk = old.FieldComparable(col)
		}
		if next != nil {
			newVal, newOk = next.FieldComparable(col)
		}
		if oldOk && (!newOk || oldVal.Compare(newVal) != 0) {
			ix.Remove(oldVal, pk)
		}
		if newOk && (!oldOk || oldVal.Compare(newVal) != 0) {
			ix.Add(newVal, pk)
		}
	}
}

func mergeDoc(base, patch document.Doc) document.Doc {
	out := base
	for _, field := range patch {
		out = out.Set(field.Key, field.Value)
	}
	return out
}

func (t *Table) recordForRate(sequence uint64) {
	t.rateMu.Lock()
	defer t.rateMu.Unlock()
	t.rateWindowCount++
	elapsed := time.Since(t.rateWindowStart)
	if elapsed >= 30*time.Second {
		t.rate = float64(t.rateWindowCount) / elapsed.Seconds()
		t.rateWindowCount = 0
		t.rateWindowStart = time.Now()
	}
}

func (t *Table) currentRate() float64 {
	t.rateMu.Lock()
	defer t.rateMu.Unlock()
	return t.rate
}

// maybeSnapshot asks the adaptive policy whether a new snapshot should
// be created now and, if so, materialises current_rows and persists
// it. Caller must hold t.mu (write side).
func (t *Table) maybeSnapshot() error {
	now := time.Now()
	if !t.policy.ShouldCreate(t.highWater, now, t.currentRate()) {
		return nil
	}
	rows, err := t.materialiseAtLocked(t.highWater)
	if err != nil {
		return err
	}
	if err := t.snapshots.Create(&snapshot.Snapshot{Sequence: t.highWater, Rows: rows}); err != nil {
		return err
	}
	t.policy.RecordSnapshot(t.highWater, now)
	return t.saveIndexes()
}

// saveIndexes persists every maintained index, done alongside snapshot
// creation so a restart can restore both without a full log replay.
func (t *Table) saveIndexes() error {
	for col, ix := range t.indexes {
		if err := index.SaveFile(ix, t.indexPath(col)); err != nil {
			return err
		}
	}
	return nil
}

// HighWater returns the table's current applied sequence.
func (t *Table) HighWater() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.highWater
}

// Index returns the maintained index for column, if any.
func (t *Table) Index(column string) (*index.Index, bool) {
	ix, ok := t.indexes[column]
	return ix, ok
}

// MaterialiseAt returns every live row as of sequence: nearest snapshot
// at or before sequence, replaying only the frames strictly after it
// and at or before sequence. Replaying the whole log here would defeat
// the point of keeping snapshots at all, per spec.md §4.6's explicit
// warning.
func (t *Table) MaterialiseAt(sequence uint64) (map[types.Comparable]document.Doc, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.materialiseAtLocked(sequence)
}

func (t *Table) materialiseAtLocked(sequence uint64) (map[types.Comparable]document.Doc, error) {
	snap, err := t.snapshots.NearestAtOrBefore(sequence)
	if err != nil {
		return nil, err
	}
	rows := make(map[types.Comparable]document.Doc)
	base := uint64(0)
	if snap != nil {
		base = snap.Sequence
		for k, v := range snap.Rows {
			rows[k] = v
		}
	}

	frames, err := t.segments.ReadAllFrames()
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		if f.Sequence <= base || f.Sequence > sequence {
			continue
		}
		ev, err := decodeFrame(f)
		if err != nil {
			return nil, err
		}
		pk, err := ev.PrimaryKey(t.pkColumn)
		if err != nil {
			return nil, err
		}
		switch ev.Kind {
		case frame.Insert:
			rows[pk] = ev.Payload
		case frame.Patch:
			rows[pk] = mergeDoc(rows[pk], ev.Payload)
		case frame.SoftDelete:
			delete(rows, pk)
		}
	}
	return rows, nil
}

// CurrentRows returns every row live at the table's high-water
// sequence, materialised the same way as MaterialiseAt(high-water):
// the nearest snapshot plus a replay of the segment frames after it.
func (t *Table) CurrentRows() (map[types.Comparable]document.Doc, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.materialiseAtLocked(t.highWater)
}

// History returns every event ever applied to the table, oldest first,
// decoded from the segment log directly: the `AS OF ALL` time-travel
// mode (spec.md §4.9) emits one row per historical event rather than a
// materialised state, so it bypasses snapshot+delta replay entirely.
func (t *Table) History() ([]Event, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	frames, err := t.segments.ReadAllFrames()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(frames))
	for _, f := range frames {
		ev, err := decodeFrame(f)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// SequenceAtOrBefore resolves an `AS OF <timestamp>` query to the
// highest sequence whose event was recorded at or before timestampMs,
// scanning every frame since there is no secondary index on time (a
// point-in-time query is rare enough that a full segment scan is
// acceptable, per spec.md §4.4's note that time travel never consults
// the secondary index anyway). ok is false if no event precedes
// timestampMs.
func (t *Table) SequenceAtOrBefore(timestampMs int64) (sequence uint64, ok bool, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	frames, err := t.segments.ReadAllFrames()
	if err != nil {
		return 0, false, err
	}
	for _, f := range frames {
		if f.TimestampMs > timestampMs {
			break
		}
		sequence = f.Sequence
		ok = true
	}
	return sequence, ok, nil
}

// Versions exposes the table's MVCC store, used by the transaction
// coordinator and query executor to resolve visibility under a
// transaction's own snapshot.
func (t *Table) Versions() *mvcc.Store { return t.versions }

// Snapshots exposes the table's snapshot store, used by VACUUM and by
// AS OF queries that need an explicit snapshot list.
func (t *Table) Snapshots() *snapshot.Store { return t.snapshots }

// PrimaryKeyColumn returns the name of the table's declared primary key.
func (t *Table) PrimaryKeyColumn() string { return t.pkColumn }

// Close seals (fsyncs) the table's active segment and releases its
// open segment files.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.segments.Active().Seal(); err != nil {
		return err
	}
	return t.segments.Close()
}

// Checkpoint forces a snapshot at the table's current high-water mark
// and persists every maintained index alongside it, independent of the
// adaptive policy in maybeSnapshot. This is the `checkpoint(table)`
// operation spec.md's external interface names.
func (t *Table) Checkpoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.materialiseAtLocked(t.highWater)
	if err != nil {
		return err
	}
	if err := t.snapshots.Create(&snapshot.Snapshot{Sequence: t.highWater, Rows: rows}); err != nil {
		return err
	}
	t.policy.RecordSnapshot(t.highWater, time.Now())
	return t.saveIndexes()
}

// Vacuum rewrites the table's segment log, discarding every event
// below retainBelow, the only legal deletion of on-disk history
// (spec.md §3 invariant 4). minActiveSequence is the oldest sequence
// any still-open read (a long-running transaction's snapshot, or a
// pinned historical query) might still need; Vacuum never discards
// history that reader could observe, lowering its effective cutoff to
// protect it. The state as of (effective cutoff - 1) is folded into a
// block of synthetic Insert events at the head of the rewritten log,
// so AS OF queries and crash recovery both still reconstruct the
// correct live set for every retained sequence.
func (t *Table) Vacuum(retainBelow, minActiveSequence uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := retainBelow
	if minActiveSequence < cutoff {
		cutoff = minActiveSequence
	}
	if cutoff == 0 {
		return nil
	}

	baseRows, err := t.materialiseAtLocked(cutoff - 1)
	if err != nil {
		return err
	}
	frames, err := t.segments.ReadAllFrames()
	if err != nil {
		return err
	}

	var kept []frame.Frame
	for _, f := range frames {
		if f.Sequence >= cutoff {
			kept = append(kept, f)
		}
	}

	// baseSeq..cutoff-1 is the range available for the synthetic block;
	// computing it as cutoff-len(baseRows) underflows (wraps, for a
	// uint64) whenever there are at least as many live rows as the
	// cutoff itself, so guard with a comparison rather than an
	// equals-zero check and clamp every assigned sequence below cutoff,
	// never letting a synthetic row collide with a kept frame's.
	var baseSeq uint64
	if uint64(len(baseRows)) < cutoff {
		baseSeq = cutoff - uint64(len(baseRows))
	} else {
		baseSeq = 1
	}
	now := time.Now().UnixMilli()
	synthetic := make([]frame.Frame, 0, len(baseRows))
	seq := baseSeq
	for _, doc := range baseRows {
		if seq >= cutoff {
			seq = cutoff - 1
		}
		f, err := encodeFrame(Event{Sequence: seq, TimestampMs: now, Kind: frame.Insert, Payload: doc})
		if err != nil {
			return err
		}
		synthetic = append(synthetic, f)
		seq++
	}

	rewritten := append(synthetic, kept...)
	newSegments, err := segment.Rewrite(t.segmentDir, rewritten, t.segments.MaxSize())
	if err != nil {
		return err
	}
	if err := t.segments.ReplaceAll(newSegments); err != nil {
		return err
	}
	return t.snapshots.Prune(cutoff)
}
