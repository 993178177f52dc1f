package txn

import (
	"context"
	"sync"
)

// rowKey identifies one row a transaction holds a write-intent lock on.
type rowKey struct {
	table string
	key   string
}

// lockManager grants exclusive per-row write locks to buffered writes,
// held from the moment a write is buffered until the owning
// transaction commits or rolls back. Two-phase locking at this
// granularity is what makes the wait-for graph in deadlock.go
// meaningful: spec.md's commit-time conflict check alone (optimistic)
// never blocks, so it can never deadlock.
type lockManager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	held    map[rowKey]uint64
	waitFor map[uint64]uint64 // blocked txID -> txID it is waiting on
}

func newLockManager() *lockManager {
	lm := &lockManager{
		held:    make(map[rowKey]uint64),
		waitFor: make(map[uint64]uint64),
	}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

// acquire blocks until txID holds the lock for key, ctx is cancelled
// (by the caller's timeout or by the deadlock detector choosing txID
// as a victim), or the lock is already held by txID itself.
func (lm *lockManager) acquire(ctx context.Context, txID uint64, table, key string) error {
	k := rowKey{table, key}

	lm.mu.Lock()
	for {
		holder, busy := lm.held[k]
		if !busy || holder == txID {
			lm.held[k] = txID
			delete(lm.waitFor, txID)
			lm.mu.Unlock()
			return nil
		}
		lm.waitFor[txID] = holder

		if ctx.Err() != nil {
			delete(lm.waitFor, txID)
			lm.mu.Unlock()
			return ctx.Err()
		}

		// cond.Wait only wakes on Broadcast; AfterFunc turns context
		// cancellation (an explicit timeout, or the deadlock detector
		// cancelling this transaction as the chosen victim) into one,
		// so this loop notices it without polling.
		stop := context.AfterFunc(ctx, lm.cond.Broadcast)
		lm.cond.Wait()
		stop()
	}
}

// releaseAll drops every lock txID holds, waking any transactions
// waiting on one of them.
func (lm *lockManager) releaseAll(txID uint64) {
	lm.mu.Lock()
	for k, holder := range lm.held {
		if holder == txID {
			delete(lm.held, k)
		}
	}
	delete(lm.waitFor, txID)
	lm.mu.Unlock()
	lm.cond.Broadcast()
}

// release drops a single key, used when rolling back to a savepoint
// undoes a subset of a transaction's writes.
func (lm *lockManager) release(txID uint64, table, key string) {
	lm.mu.Lock()
	k := rowKey{table, key}
	if lm.held[k] == txID {
		delete(lm.held, k)
	}
	lm.mu.Unlock()
	lm.cond.Broadcast()
}

// waitForGraph returns a snapshot of the blocked-tx -> holder-tx edges
// for the deadlock detector.
func (lm *lockManager) waitForGraph() map[uint64]uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make(map[uint64]uint64, len(lm.waitFor))
	for k, v := range lm.waitFor {
		out[k] = v
	}
	return out
}
