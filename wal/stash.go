package wal

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tux3fs/tux3fs/common"
)

// run is one contiguous physical range queued for deferred free. The
// type itself stays unexported (callers never construct one directly),
// but Block/Count let the delta package read back what DrainDefree
// handed it without reaching into wal's internals.
type run struct {
	block common.Block
	count uint32
}

// Block returns the run's starting physical block.
func (r run) Block() common.Block { return r.block }

// Count returns the run's block count.
func (r run) Count() uint32 { return r.count }

// Stash holds blocks freed during the current delta that cannot be
// reused immediately: defree (released once this delta's log is
// durable) and deunify (released only after the next unify barrier),
// matching spec.md §4.7's delta-transition draining and unify
// promotion.
type Stash struct {
	defree  []run
	deunify []run
}

// NewStash returns an empty Stash.
func NewStash() *Stash { return &Stash{} }

// DeferFree queues count blocks starting at block for release at this
// delta's transition (LOG_BFREE semantics).
func (s *Stash) DeferFree(block common.Block, count uint32) {
	s.defree = append(s.defree, run{block, count})
}

// DeferUnify queues count blocks starting at block for release only
// after the next unify barrier (LOG_BFREE_ON_UNIFY semantics) — used
// for blocks still referenced by the log itself, such as redirected
// metadata's old physical address.
func (s *Stash) DeferUnify(block common.Block, count uint32) {
	s.deunify = append(s.deunify, run{block, count})
}

// DrainDefree logs and returns every defree run, clearing it. Called at
// delta transition after the backend has walked all dirty maps.
func (s *Stash) DrainDefree(w *Writer) []run {
	for _, r := range s.defree {
		w.Bfree(r.block, r.count)
	}
	out := s.defree
	s.defree = nil
	return out
}

// PromoteUnify re-logs every deunify run as BFREE_RELOG, moves it into
// defree for the new cycle, and deduplicates overlapping runs recorded
// by distinct redirect chains within the same unify cycle (spec.md
// §4.7: "Unify ... deunify is promoted"). Deduplication is by exact
// (block, count) pair, since the log never needs partial-run merging
// in practice — two redirects of the same leaf within a cycle log
// identical runs.
func (s *Stash) PromoteUnify(w *Writer) {
	seen := mapset.NewThreadUnsafeSet[run]()
	for _, r := range s.deunify {
		if seen.Contains(r) {
			continue
		}
		seen.Add(r)
		w.BfreeRelog(r.block, r.count)
		s.defree = append(s.defree, r)
	}
	s.deunify = nil
}

// Freeblocks returns the net count of blocks currently parked in either
// queue. The engine's FREEBLOCKS checkpoint records the allocator's
// count, not this one.
func (s *Stash) Freeblocks() common.Block {
	var n common.Block
	for _, r := range s.defree {
		n += common.Block(r.count)
	}
	for _, r := range s.deunify {
		n += common.Block(r.count)
	}
	return n
}
