package btree

import (
	"sort"
	"sync"

	"github.com/lattice-db/eventdb/pkg/types"
)

// node is one B+Tree node, generic over the value type V so the same
// latch-crabbing implementation can hold any leaf value; pkg/index uses
// it with posting lists of primary keys. Only leaves carry values; internal
// nodes carry only separator keys and children.
type node[V any] struct {
	t        int
	keys     []types.Comparable
	values   []V
	children []*node[V]
	leaf     bool
	n        int
	next     *node[V] // leaf chain, left to right
	mu       sync.RWMutex
}

func newNode[V any](t int, leaf bool) *node[V] {
	return &node[V]{
		t:        t,
		leaf:     leaf,
		keys:     make([]types.Comparable, 0, 2*t-1),
		values:   make([]V, 0, 2*t-1),
		children: make([]*node[V], 0, 2*t),
	}
}

func (n *node[V]) Lock() {
	if n != nil {
		n.mu.Lock()
	}
}

func (n *node[V]) Unlock() {
	if n != nil {
		n.mu.Unlock()
	}
}

func (n *node[V]) RLock() {
	if n != nil {
		n.mu.RLock()
	}
}

func (n *node[V]) RUnlock() {
	if n != nil {
		n.mu.RUnlock()
	}
}

func (n *node[V]) isSafeForInsert() bool { return n.n < 2*n.t-1 }
func (n *node[V]) isSafeForDelete() bool { return n.n > n.t-1 }
func (n *node[V]) isFull() bool          { return n.n == 2*n.t-1 }

func (n *node[V]) search(key types.Comparable) (*node[V], bool) {
	i := 0
	for i < n.n && key.Compare(n.keys[i]) >= 0 {
		i++
	}
	if n.leaf {
		for j := 0; j < n.n; j++ {
			if key.Compare(n.keys[j]) == 0 {
				return n, true
			}
		}
		return nil, false
	}
	return n.children[i].search(key)
}

func (n *node[V]) findLeafLowerBound(key types.Comparable) (*node[V], int) {
	i := sort.Search(n.n, func(i int) bool {
		return n.keys[i].Compare(key) >= 0
	})
	if n.leaf {
		return n, i
	}
	return n.children[i].findLeafLowerBound(key)
}

// insertNonFull inserts into a subtree rooted at n that is guaranteed to
// never need to split at this level (preventive splits already happened
// on the way down). fn computes the value to store: it receives the
// current value and true for an existing key, or value and false for a
// new one. When it returns an error (e.g. a unique tree rejecting a
// duplicate key) the leaf is left untouched.
func (n *node[V]) insertNonFull(key types.Comparable, value V, fn func(old V, exists bool) (V, error)) error {
	i := n.n - 1

	if n.leaf {
		idx := sort.Search(n.n, func(j int) bool {
			return n.keys[j].Compare(key) >= 0
		})

		if idx < n.n && n.keys[idx].Compare(key) == 0 {
			newValue, err := fn(n.values[idx], true)
			if err != nil {
				return err
			}
			n.values[idx] = newValue
			return nil
		}

		value, err := fn(value, false)
		if err != nil {
			return err
		}
		var zero V
		n.keys = append(n.keys, nil)
		n.values = append(n.values, zero)
		copy(n.keys[idx+1:], n.keys[idx:])
		copy(n.values[idx+1:], n.values[idx:])
		n.keys[idx] = key
		n.values[idx] = value
		n.n++
		return nil
	}

	for i >= 0 && key.Compare(n.keys[i]) < 0 {
		i--
	}
	i++

	if n.children[i].n == 2*n.children[i].t-1 {
		n.splitChild(i)
		if key.Compare(n.keys[i]) >= 0 {
			i++
		}
	}
	return n.children[i].insertNonFull(key, value, fn)
}

func (n *node[V]) splitChild(i int) {
	t := n.t
	y := n.children[i]
	z := newNode[V](t, y.leaf)

	if y.leaf {
		mid := t - 1
		z.n = y.n - mid
		z.keys = append(z.keys, y.keys[mid:]...)
		z.values = append(z.values, y.values[mid:]...)

		y.keys = y.keys[:mid]
		y.values = y.values[:mid]
		y.n = mid

		z.next = y.next
		y.next = z

		n.keys = append(n.keys, nil)
		copy(n.keys[i+1:], n.keys[i:])
		n.keys[i] = z.keys[0]

		n.children = append(n.children, nil)
		copy(n.children[i+2:], n.children[i+1:])
		n.children[i+1] = z
		n.n++
		return
	}

	mid := t - 1
	z.n = t - 1
	z.keys = append(z.keys, y.keys[mid+1:]...)
	z.children = append(z.children, y.children[mid+1:]...)

	upKey := y.keys[mid]

	y.keys = y.keys[:mid]
	y.children = y.children[:mid+1]
	y.n = mid

	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = upKey

	n.children = append(n.children, nil)
	copy(n.children[i+2:], n.children[i+1:])
	n.children[i+1] = z
	n.n++
}

func (n *node[V]) remove(key types.Comparable) bool {
	idx := sort.Search(n.n, func(i int) bool {
		return n.keys[i].Compare(key) >= 0
	})

	if n.leaf {
		if idx < n.n && n.keys[idx].Compare(key) == 0 {
			n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
			n.values = append(n.values[:idx], n.values[idx+1:]...)
			n.n--
			return true
		}
		return false
	}

	childIdx := idx
	if idx < n.n && n.keys[idx].Compare(key) == 0 {
		childIdx = idx + 1
	}

	child := n.children[childIdx]
	if child.n < n.t {
		n.fill(childIdx)
	}

	return n.removeRecursive(key)
}

func (n *node[V]) removeRecursive(key types.Comparable) bool {
	idx := sort.Search(n.n, func(i int) bool {
		return n.keys[i].Compare(key) >= 0
	})

	childIdx := idx
	if idx < n.n && n.keys[idx].Compare(key) == 0 {
		childIdx = idx + 1
	}
	if childIdx > n.n {
		childIdx = n.n
	}

	ok := n.children[childIdx].remove(key)
	if ok {
		n.fixSeparators()
	}
	return ok
}

func (n *node[V]) fixSeparators() {
	if n.leaf {
		return
	}
	for i := 0; i < n.n; i++ {
		curr := n.children[i+1]
		for !curr.leaf {
			curr = curr.children[0]
		}
		if curr.n > 0 {
			n.keys[i] = curr.keys[0]
		}
	}
}

func (n *node[V]) fill(i int) {
	if i != 0 && n.children[i-1].n >= n.t {
		n.borrowFromPrev(i)
	} else if i != n.n && n.children[i+1].n >= n.t {
		n.borrowFromNext(i)
	} else if i != n.n {
		n.merge(i)
	} else {
		n.merge(i - 1)
	}
}

func (n *node[V]) borrowFromPrev(i int) {
	child := n.children[i]
	sibling := n.children[i-1]

	if child.leaf {
		var zero V
		child.keys = append([]types.Comparable{nil}, child.keys...)
		child.values = append([]V{zero}, child.values...)
		child.keys[0] = sibling.keys[sibling.n-1]
		child.values[0] = sibling.values[sibling.n-1]
		child.n++

		sibling.keys = sibling.keys[:sibling.n-1]
		sibling.values = sibling.values[:sibling.n-1]
		sibling.n--

		n.keys[i-1] = child.keys[0]
		return
	}

	child.keys = append([]types.Comparable{nil}, child.keys...)
	child.children = append([]*node[V]{nil}, child.children...)
	child.keys[0] = n.keys[i-1]
	child.children[0] = sibling.children[sibling.n]
	child.n++

	n.keys[i-1] = sibling.keys[sibling.n-1]
	sibling.keys = sibling.keys[:sibling.n-1]
	sibling.children = sibling.children[:sibling.n]
	sibling.n--
}

func (n *node[V]) borrowFromNext(i int) {
	child := n.children[i]
	sibling := n.children[i+1]

	if child.leaf {
		child.keys = append(child.keys, sibling.keys[0])
		child.values = append(child.values, sibling.values[0])
		child.n++

		sibling.keys = append([]types.Comparable{}, sibling.keys[1:]...)
		sibling.values = append([]V{}, sibling.values[1:]...)
		sibling.n--

		n.keys[i] = sibling.keys[0]
		return
	}

	child.keys = append(child.keys, n.keys[i])
	child.children = append(child.children, sibling.children[0])
	child.n++

	n.keys[i] = sibling.keys[0]
	sibling.keys = append([]types.Comparable{}, sibling.keys[1:]...)
	sibling.children = append([]*node[V]{}, sibling.children[1:]...)
	sibling.n--
}

func (n *node[V]) merge(i int) {
	child := n.children[i]
	sibling := n.children[i+1]

	if child.leaf {
		child.keys = append(child.keys, sibling.keys...)
		child.values = append(child.values, sibling.values...)
		child.next = sibling.next
		child.n = len(child.keys)
	} else {
		child.keys = append(child.keys, n.keys[i])
		child.keys = append(child.keys, sibling.keys...)
		child.children = append(child.children, sibling.children...)
		child.n = len(child.keys)
	}

	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.children = append(n.children[:i+1], n.children[i+2:]...)
	n.n--
}
