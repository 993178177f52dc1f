// Package btree is a concurrent B+Tree ordered map, generic over its
// leaf value type. It is grounded on the teacher's latch-crabbing
// pkg/btree/{btree,node}.go: the same top-down preventive-split
// insertion and RLock-coupled search, generalized with Go generics so
// a single implementation serves any leaf value type; its user in this
// module is the secondary index (value = posting list of primary keys).
package btree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lattice-db/eventdb/pkg/types"
	"github.com/lattice-db/eventdb/pkg/xerrors"
)

// Tree is a concurrent B+Tree. T is the minimum degree; every node
// other than the root holds between T-1 and 2T-1 keys.
type Tree[V any] struct {
	t      int
	root   *node[V]
	unique bool
	mu     sync.RWMutex
}

// New creates a tree that allows duplicate keys, each overwriting the
// previous value on Insert.
func New[V any](t int) *Tree[V] {
	return &Tree[V]{t: t, root: newNode[V](t, true)}
}

// NewUnique creates a tree that rejects Insert of an already-present
// key with a *xerrors.DuplicateKeyError.
func NewUnique[V any](t int) *Tree[V] {
	return &Tree[V]{t: t, root: newNode[V](t, true), unique: true}
}

// Insert adds key/value. On a unique tree, inserting an existing key
// fails; on a non-unique tree it overwrites.
func (b *Tree[V]) Insert(key types.Comparable, value V) error {
	unique := b.unique
	return b.Upsert(key, func(_ V, exists bool) (V, error) {
		if exists && unique {
			var zero V
			return zero, &xerrors.DuplicateKeyError{Key: fmt.Sprintf("%v", key)}
		}
		return value, nil
	})
}

// Replace unconditionally sets value for key, inserting it if absent.
func (b *Tree[V]) Replace(key types.Comparable, value V) error {
	return b.Upsert(key, func(_ V, _ bool) (V, error) {
		return value, nil
	})
}

// Upsert runs fn against the current value for key (if any) while
// holding the leaf latch, and stores the returned value. This gives
// callers an atomic read-modify-write, used by the secondary index to
// add a primary key to an existing posting list.
func (b *Tree[V]) Upsert(key types.Comparable, fn func(old V, exists bool) (V, error)) error {
	b.mu.Lock()
	root := b.root
	root.Lock()

	if root.isFull() {
		newRoot := newNode[V](b.t, false)
		newRoot.children = append(newRoot.children, root)
		newRoot.splitChild(0)
		b.root = newRoot
		b.mu.Unlock()

		newRoot.Lock()
		root.Unlock()
		return b.upsertTopDown(newRoot, key, fn)
	}

	b.mu.Unlock()
	return b.upsertTopDown(root, key, fn)
}

// upsertTopDown descends the tree with latch crabbing, splitting full
// children preventively so that by the time it reaches a leaf, that
// leaf is guaranteed to have room. curr arrives already locked.
func (b *Tree[V]) upsertTopDown(curr *node[V], key types.Comparable, fn func(old V, exists bool) (V, error)) error {
	defer func() {
		if curr != nil {
			curr.Unlock()
		}
	}()

	for !curr.leaf {
		i := 0
		for i < curr.n && key.Compare(curr.keys[i]) >= 0 {
			i++
		}

		child := curr.children[i]
		child.Lock()

		if child.isFull() {
			curr.splitChild(i)
			if key.Compare(curr.keys[i]) >= 0 {
				child.Unlock()
				child = curr.children[i+1]
				child.Lock()
			}
		}

		curr.Unlock()
		curr = child
	}

	return curr.insertNonFull(key, zeroValue[V](), fn)
}

func zeroValue[V any]() V {
	var zero V
	return zero
}

// Get returns the value stored for key.
func (b *Tree[V]) Get(key types.Comparable) (V, bool) {
	var zero V
	if b == nil {
		return zero, false
	}
	b.mu.RLock()
	curr := b.root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.leaf {
		i := 0
		for i < curr.n && key.Compare(curr.keys[i]) >= 0 {
			i++
		}
		child := curr.children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}
	defer curr.RUnlock()

	for j := 0; j < curr.n; j++ {
		if key.Compare(curr.keys[j]) == 0 {
			return curr.values[j], true
		}
	}
	return zero, false
}

// Delete removes key, rebalancing via borrow/merge on the way down.
// Reports whether the key was present.
func (b *Tree[V]) Delete(key types.Comparable) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	root := b.root
	ok := root.remove(key)

	if !root.leaf && root.n == 0 {
		b.root = root.children[0]
	}
	return ok
}

// Cursor opens a forward range cursor positioned at the first key >=
// from, or at the first key in the tree if from is nil. The returned
// cursor holds no lock between calls to Next; each Next call takes and
// releases the relevant leaf's RLock, so long-lived cursors do not
// block concurrent writers indefinitely.
func (b *Tree[V]) Cursor(from types.Comparable) *Cursor[V] {
	return &Cursor[V]{tree: b, next: from, started: false}
}

// Cursor iterates a Tree's entries in ascending key order.
type Cursor[V any] struct {
	tree    *Tree[V]
	next    types.Comparable
	started bool
	leaf    *node[V]
	idx     int
	done    bool
}

// Next advances the cursor and returns the next key/value pair, or
// ok=false once the tree is exhausted.
func (c *Cursor[V]) Next() (types.Comparable, V, bool) {
	var zero V
	if c.done {
		return nil, zero, false
	}

	if !c.started {
		c.started = true
		leaf, idx := c.tree.findLeafLowerBoundUnlocked(c.next)
		c.leaf, c.idx = leaf, idx
	}

	for c.leaf != nil {
		c.leaf.RLock()
		if c.idx < c.leaf.n {
			key, value := c.leaf.keys[c.idx], c.leaf.values[c.idx]
			c.idx++
			c.leaf.RUnlock()
			return key, value, true
		}
		nextLeaf := c.leaf.next
		c.leaf.RUnlock()
		c.leaf, c.idx = nextLeaf, 0
	}

	c.done = true
	return nil, zero, false
}

// findLeafLowerBoundUnlocked locates the leaf and in-leaf index of the
// first key >= from (or the first leaf/index overall when from is
// nil), using RLock coupling, and returns it already unlocked: Cursor
// re-locks each leaf it visits individually so it never holds a latch
// across Next calls.
func (b *Tree[V]) findLeafLowerBoundUnlocked(from types.Comparable) (*node[V], int) {
	b.mu.RLock()
	curr := b.root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.leaf {
		var i int
		if from == nil {
			i = 0
		} else {
			i = sort.Search(curr.n, func(i int) bool {
				return curr.keys[i].Compare(from) >= 0
			})
		}
		child := curr.children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	var idx int
	if from == nil {
		idx = 0
	} else {
		idx = sort.Search(curr.n, func(i int) bool {
			return curr.keys[i].Compare(from) >= 0
		})
	}
	curr.RUnlock()
	return curr, idx
}
