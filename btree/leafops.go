package btree

import "github.com/tux3fs/tux3fs/common"

// LeafOps is the vtable a leaf dialect (dleaf2, ileaf) implements so the
// generic engine in this package can split, merge, and redirect leaves
// without knowing their payload format (spec.md §4.5).
type LeafOps interface {
	// New returns a freshly initialised empty leaf of blockSize bytes,
	// with its bottom key set to bottom.
	New(blockSize int, bottom uint64) []byte

	// Write applies req (a dialect-specific request, e.g. a run of
	// extents or an attribute record) to leaf, which spans [bottom,
	// limit). If the leaf has no room, it returns needSplit=true and a
	// suggested pivot key for Split; the caller must split and retry.
	Write(leaf []byte, bottom, limit uint64, req any) (needSplit bool, splitHint uint64, err error)

	// Split moves entries at or after hint (approximately) from src into
	// dst, shrinking src in place, and returns the pivot key that now
	// separates them (dst's new bottom).
	Split(hint uint64, src, dst []byte) (pivot uint64)

	// Merge folds right's entries into left if the combined size fits in
	// one leaf; returns true on success, in which case right is fully
	// absorbed and must be freed by the caller.
	Merge(left, right []byte) bool

	// Chop truncates leaf at start, returning the physical blocks it
	// referenced at or after start so the caller can defer-free them.
	Chop(leaf []byte, start uint64) []common.Block

	// Empty reports whether Chop has truncated leaf down to no live
	// entries, the one case mergeLeft can't fold into a left sibling
	// (spec.md §4.4: a leftmost leaf has none) and must instead drop
	// outright, promoting its parent's next entry to the wildcard
	// position 0.
	Empty(leaf []byte) bool
}
