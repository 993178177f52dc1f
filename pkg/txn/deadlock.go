package txn

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// detectDeadlocks runs one pass of cycle detection over the lock
// manager's wait-for graph, ported from Jekaa-go-mvcc-map's
// mvcc/deadlock.go: DFS over a single-edge-per-node graph (each
// blocked transaction waits on exactly one holder at a time), abort
// the transaction with the highest id in any cycle found (youngest
// victim, it has done the least work to lose). Unlike the Jekaa
// version, which documents the cancellation step without writing it,
// the chosen victim's context is cancelled here, so acquire() actually
// wakes up and returns context.Canceled.
func (c *Coordinator) detectDeadlocks() {
	graph := c.locks.waitForGraph()
	if len(graph) == 0 {
		return
	}

	visited := make(map[uint64]bool)
	inStack := make(map[uint64]bool)

	var dfs func(id uint64) []uint64
	dfs = func(id uint64) []uint64 {
		if inStack[id] {
			return []uint64{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		inStack[id] = true
		if next, ok := graph[id]; ok {
			if cycle := dfs(next); cycle != nil {
				return append(cycle, id)
			}
		}
		inStack[id] = false
		return nil
	}

	for id := range graph {
		if visited[id] {
			continue
		}
		if cycle := dfs(id); cycle != nil {
			c.resolveDeadlock(cycle)
			return
		}
	}
}

func (c *Coordinator) resolveDeadlock(path []uint64) {
	// dfs returns the node that closed the cycle first, then the path
	// back out to where the walk started; only the entries before that
	// node recurs are members of the cycle.
	cycle := []uint64{path[0]}
	for _, id := range path[1:] {
		if id == path[0] {
			break
		}
		cycle = append(cycle, id)
	}
	var victim uint64
	for _, id := range cycle {
		if id > victim {
			victim = id
		}
	}

	c.mu.Lock()
	tx, ok := c.active[victim]
	c.mu.Unlock()
	if !ok {
		return
	}

	log.Warn().Str("cycle", fmt.Sprint(cycle)).Uint64("victim", victim).Msg("deadlock detected, aborting victim transaction")
	tx.cancel()
}
