package dleaf

import (
	"fmt"

	"github.com/tux3fs/tux3fs/common"
)

// Ops implements btree.LeafOps for the dleaf2 dialect. Writes are
// assumed to materialise one contiguous physical run per call (the
// common case for sequential file writes); a write straddling more
// than two pre-existing extents still round-trips correctly but always
// allocates a single run rather than reusing interior already-allocated
// blocks, a simplification over the original's segment-by-segment
// seg_alloc retry loop.
type Ops struct{}

func nextBoundary(entries []extent, idx int) uint64 {
	if idx+1 < len(entries) {
		return entries[idx+1].logical
	}
	return ^uint64(0)
}

func findCovering(entries []extent, key uint64) int {
	best := 0
	for i, e := range entries {
		if e.logical <= key {
			best = i
		} else {
			break
		}
	}
	return best
}

func (Ops) New(blockSize int, bottom uint64) []byte { return New(blockSize, bottom) }

func (Ops) Write(leaf []byte, bottom, limit uint64, req any) (bool, uint64, error) {
	r := req.(WriteRequest)
	entries, err := decode(leaf)
	if err != nil {
		return false, 0, err
	}
	if r.Len == 0 {
		return false, 0, nil
	}
	endLogical := r.Start + r.Len

	startIdx := findCovering(entries, r.Start)
	endIdx := findCovering(entries, endLogical-1)
	leftPartial := entries[startIdx].logical < r.Start
	rightBoundary := nextBoundary(entries, endIdx)
	rightPartial := rightBoundary > endLogical

	need := startIdx + b2i(leftPartial) + 1 + b2i(rightPartial) + (len(entries) - 1 - endIdx)
	if need > Capacity(len(leaf)) {
		hint := r.Start
		if startIdx+1 < len(entries) {
			hint = entries[startIdx+1].logical
		}
		return true, hint, nil
	}

	blocks, err := r.Alloc(int(r.Len))
	if err != nil {
		return false, 0, fmt.Errorf("dleaf: write alloc: %w", err)
	}

	out := append([]extent{}, entries[:startIdx]...)
	if leftPartial {
		out = append(out, entries[startIdx])
	}
	out = append(out, extent{logical: r.Start, physical: uint64(blocks[0]), version: r.Version})
	if rightPartial {
		var tailPhys uint64
		if entries[endIdx].physical != 0 {
			tailPhys = entries[endIdx].physical + (endLogical - entries[endIdx].logical)
		}
		out = append(out, extent{logical: endLogical, physical: tailPhys, version: entries[endIdx].version})
	}
	out = append(out, entries[endIdx+1:]...)

	encode(leaf, out)
	return false, 0, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Split picks the entry covering hint as the pivot (or the midpoint if
// hint falls in the sentinel run), moves it and everything after into
// dst, and leaves a fresh sentinel in src (spec.md §4.5).
func (Ops) Split(hint uint64, src, dst []byte) uint64 {
	entries, err := decode(src)
	if err != nil {
		panic(err) // caller guarantees a well-formed leaf reaches Split
	}
	idx := findCovering(entries, hint)
	if idx == len(entries)-1 { // hint landed in the sentinel: split at the midpoint instead
		idx = len(entries) / 2
		if idx == 0 {
			idx = 1
		}
	}
	if idx == 0 {
		idx = 1
	}
	left := append([]extent{}, entries[:idx]...)
	right := append([]extent{}, entries[idx:]...)
	pivot := right[0].logical

	left = append(left, extent{logical: pivot, physical: 0})
	encode(src, left)
	encode(dst, right)
	return pivot
}

// Merge folds right's entries into left when they fit combined,
// eliding left's sentinel in favour of right's first entry (spec.md
// §4.5's two fold cases collapse to the same rule here since both
// sides are always sentinel-terminated runs).
func (Ops) Merge(left, right []byte) bool {
	le, err := decode(left)
	if err != nil {
		return false
	}
	re, err := decode(right)
	if err != nil {
		return false
	}
	combined := len(le) - 1 + len(re) // drop left's sentinel
	if combined > Capacity(len(left)) {
		return false
	}
	out := append(le[:len(le)-1:len(le)-1], re...)
	encode(left, out)
	return true
}

// Chop truncates the leaf at start, replacing everything from the
// covering entry onward with a hole sentinel and reporting the
// physical extents it removed.
func (Ops) Chop(leaf []byte, start uint64) []common.Block {
	entries, err := decode(leaf)
	if err != nil {
		return nil
	}
	idx := findCovering(entries, start)
	var freed []common.Block
	for i := idx; i < len(entries)-1; i++ {
		e := entries[i]
		next := nextBoundary(entries, i)
		if e.physical == 0 || next == ^uint64(0) {
			continue
		}
		rangeStart := e.logical
		if i == idx && start > rangeStart {
			rangeStart = start
		}
		physStart := e.physical + (rangeStart - e.logical)
		for b := uint64(0); b < next-rangeStart; b++ {
			freed = append(freed, common.Block(physStart+b))
		}
	}

	var out []extent
	if entries[idx].logical == start {
		out = append(append([]extent{}, entries[:idx]...), extent{logical: start, physical: 0})
	} else {
		out = append(append([]extent{}, entries[:idx+1]...), extent{logical: start, physical: 0})
	}
	encode(leaf, out)
	return freed
}

// Empty reports whether leaf holds nothing but the hole sentinel Chop
// leaves behind once every real extent at or after its covering key is
// gone.
func (Ops) Empty(leaf []byte) bool {
	entries, err := decode(leaf)
	return err == nil && len(entries) <= 1
}
