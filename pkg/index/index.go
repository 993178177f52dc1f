// Package index implements a table's per-column secondary index: an
// ordered map from an indexed column's value to the set of primary
// keys currently holding that value. Grounded on the teacher's
// pkg/storage/cursor.go for range-scan traversal and pkg/query/scan.go
// for the predicate vocabulary, built on the generic pkg/btree.Tree so
// the posting list can be the leaf value instead of a single heap
// offset.
//
// An index is a performance artefact, never a source of truth: it is
// only consulted for queries at the table's current high-water
// sequence, and can always be rebuilt by replaying every event from
// sequence 0.
package index

import (
	"sort"
	"sync"

	"github.com/lattice-db/eventdb/pkg/btree"
	"github.com/lattice-db/eventdb/pkg/types"
)

const degree = 32

// Index is one column's secondary index.
type Index struct {
	Column string

	mu        sync.RWMutex
	tree      *btree.Tree[[]types.Comparable]
	highWater uint64
}

// New creates an empty index for column.
func New(column string) *Index {
	return &Index{Column: column, tree: btree.New[[]types.Comparable](degree)}
}

// Add records that primary key pk now holds value for the indexed
// column. Safe to call with a value already holding pk (no duplicate
// is added).
func (ix *Index) Add(value, pk types.Comparable) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.tree.Upsert(value, func(old []types.Comparable, exists bool) ([]types.Comparable, error) {
		if !exists {
			return []types.Comparable{pk}, nil
		}
		for _, existing := range old {
			if existing.Compare(pk) == 0 {
				return old, nil
			}
		}
		return append(old, pk), nil
	})
}

// Remove drops pk from value's posting list. No-op if absent.
func (ix *Index) Remove(value, pk types.Comparable) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.tree.Upsert(value, func(old []types.Comparable, exists bool) ([]types.Comparable, error) {
		if !exists {
			return old, nil
		}
		out := old[:0:0]
		for _, existing := range old {
			if existing.Compare(pk) != 0 {
				out = append(out, existing)
			}
		}
		return out, nil
	})
}

// Lookup returns the posting list currently stored for value.
func (ix *Index) Lookup(value types.Comparable) []types.Comparable {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	list, ok := ix.tree.Get(value)
	if !ok {
		return nil
	}
	out := make([]types.Comparable, len(list))
	copy(out, list)
	return out
}

// Scan applies a predicate over the index in ascending value order,
// using the predicate's seek hint to skip directly to its start value
// when possible, and calling visit for every primary key in a
// matching posting list. Scanning stops as soon as the predicate
// reports the range is exhausted.
func (ix *Index) Scan(pred *Predicate, visit func(value, pk types.Comparable) bool) {
	var start types.Comparable
	if pred != nil && pred.ShouldSeek() {
		start = pred.StartValue()
	}

	c := ix.tree.Cursor(start)
	for {
		value, list, ok := c.Next()
		if !ok {
			return
		}
		if pred != nil && !pred.ShouldContinue(value) {
			return
		}
		if pred == nil || pred.Matches(value) {
			for _, pk := range list {
				if !visit(value, pk) {
					return
				}
			}
		}
	}
}

// HighWater returns the sequence this index has been applied through.
func (ix *Index) HighWater() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.highWater
}

// Advance records that the index now reflects events up to and
// including sequence. The table engine calls this once per applied
// event, after Add/Remove for that event's touched columns.
func (ix *Index) Advance(sequence uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if sequence > ix.highWater {
		ix.highWater = sequence
	}
}

// Entries returns a snapshot of every (value, posting list) pair in
// ascending value order, used by Save to serialise the index.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []Entry
	c := ix.tree.Cursor(nil)
	for {
		value, list, ok := c.Next()
		if !ok {
			break
		}
		cp := make([]types.Comparable, len(list))
		copy(cp, list)
		out = append(out, Entry{Value: value, PrimaryKeys: cp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value.Compare(out[j].Value) < 0 })
	return out
}

// Entry is one persisted (value, posting list) pair.
type Entry struct {
	Value       types.Comparable
	PrimaryKeys []types.Comparable
}

// LoadEntries rebuilds the index's tree from previously persisted
// entries, used when restoring an index from its .idx file instead of
// replaying from sequence 0.
func (ix *Index) LoadEntries(entries []Entry, highWater uint64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.tree = btree.New[[]types.Comparable](degree)
	for _, e := range entries {
		if err := ix.tree.Insert(e.Value, e.PrimaryKeys); err != nil {
			return err
		}
	}
	ix.highWater = highWater
	return nil
}
