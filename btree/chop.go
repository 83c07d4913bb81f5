package btree

import (
	"github.com/tux3fs/tux3fs/bufcache"
	"github.com/tux3fs/tux3fs/common"
)

// Chop implements range-delete from start to the end of the tree's key
// space (spec.md §4.4's chop): redirect the leaf, ask Ops to truncate
// it, and fold it into its left sibling when possible, removing the
// now-empty parent index entry and dropping a tree level when the root
// is left with a single child. A merge (or a dropped leftmost leaf)
// that leaves its own parent bnode short an entry propagates the same
// treatment upward, one level at a time, instead of stopping at the
// immediate parent. Returns the physical blocks Ops.Chop reported as
// freed (the caller defers their release through Stash).
func (t *Tree) Chop(start uint64) ([]common.Block, error) {
	var freed []common.Block
	key := start
	for {
		c, err := t.Probe(key)
		if err != nil {
			return freed, err
		}
		if err := c.Redirect(); err != nil {
			c.release()
			return freed, err
		}
		// The next leaf's separator, read before merging reshapes the path.
		limit := c.limitKey()
		leafBuf := c.path[len(c.path)-1].buf // Redirect already pinned this level
		freed = append(freed, t.Ops.Chop(leafBuf.Data(), start)...)

		mergeErr := t.mergeLeft(c)
		c.release()
		if mergeErr != nil {
			return freed, mergeErr
		}
		if limit == ^uint64(0) {
			break // that was the rightmost leaf
		}
		key = limit
	}
	t.shrinkRoot()
	return freed, nil
}

// mergeLeft attempts to fold the cursor's current leaf into its
// immediate left sibling, per spec.md §4.4's "merge direction is
// strictly right-into-left", then keeps propagating the same attempt
// one bnode level up for as long as a merge (or a dropped leftmost
// leaf) leaves the level above it short an entry.
func (t *Tree) mergeLeft(c *Cursor) error {
	return t.mergeUp(c, len(c.path)-1)
}

// mergeUp merges the node at c.path[level] into its immediate left
// sibling, falling back to dropping it outright when it has none and
// Ops reports it empty (the leftmost-leaf case no sibling can absorb),
// then recurses into the parent level so a chop that crosses several
// bnode boundaries fully collapses instead of leaving the upper levels
// underfull.
func (t *Tree) mergeUp(c *Cursor, level int) error {
	if level == 0 {
		return nil // the root has no parent to merge into
	}
	parent := &c.path[level-1]
	pos := parent.next - 1
	isLeaf := level == len(c.path)-1

	if pos == 0 {
		if isLeaf && t.Ops.Empty(c.path[level].buf.Data()) {
			return t.dropFirst(c, level)
		}
		return t.mergeUp(c, level-1)
	}

	leftBlock := parent.n.entries[pos-1].block
	leftBuf, err := t.Pool.Read(t.Map, leftBlock)
	if err != nil {
		return err
	}
	leftBuf = t.Pool.Fork(t.Map, leftBuf, t.Delta)
	curBuf := c.path[level].buf

	var merged bool
	if isLeaf {
		merged = t.Ops.Merge(leftBuf.Data(), curBuf.Data())
	} else {
		merged, err = mergeBnodes(leftBuf, curBuf, parent.n.entries[pos].key, nodeCapacity(t.BlockSize))
		if err != nil {
			t.Pool.Release(leftBuf)
			return err
		}
	}
	if !merged {
		t.Pool.Release(leftBuf)
		return nil
	}

	oldBlock := c.path[level].block
	parent.n.removeAt(pos)
	parent.n.encode(parent.buf.Data())
	parent.next--
	if isLeaf {
		t.Log.LeafFree(oldBlock)
	} else {
		t.Log.BnodeFree(oldBlock)
	}
	t.Stash.DeferFree(oldBlock, 1)

	t.Pool.Release(curBuf)
	c.path[level].buf = nil
	t.Pool.Release(leftBuf)

	return t.mergeUp(c, level-1)
}

// mergeBnodes folds right's entries onto the end of left's if they fit
// in one block, pulling down the parent separator (the key about to be
// removed from the parent) as right's new entry-0 key: that slot is
// never compared while it heads its own bnode, but becomes a real
// boundary the moment it's absorbed past position 0 of left.
func mergeBnodes(left, right *bufcache.Buffer, parentSep uint64, cap int) (bool, error) {
	leftNode, err := decodeNode(left.Data())
	if err != nil {
		return false, err
	}
	rightNode, err := decodeNode(right.Data())
	if err != nil {
		return false, err
	}
	if len(leftNode.entries)+len(rightNode.entries) > cap {
		return false, nil
	}
	rightNode.entries[0].key = parentSep
	leftNode.entries = append(leftNode.entries, rightNode.entries...)
	leftNode.encode(left.Data())
	return true, nil
}

// dropFirst removes parent's position-0 entry outright when its leaf
// has been chopped empty and has no left sibling to merge into,
// promoting the next entry into the wildcard position 0 and pushing
// the subtree's new floor key up to the nearest ancestor that actually
// compares against it (spec.md §4.4's adjust_parent_sep): position 0 is
// never compared, so an ancestor that itself turned right at level-1
// holds the only separator worth rewriting.
func (t *Tree) dropFirst(c *Cursor, level int) error {
	parent := &c.path[level-1]
	if len(parent.n.entries) <= 1 {
		return nil // removing it would leave parent with no children at all
	}
	oldLeaf := c.path[level].block
	newFloor := parent.n.entries[1].key
	oldFloor := parent.n.entries[0].key
	parent.n.removeAt(0)
	parent.n.encode(parent.buf.Data())
	parent.next--
	t.Log.LeafFree(oldLeaf)
	t.Stash.DeferFree(oldLeaf, 1)
	t.Pool.Release(c.path[level].buf)
	c.path[level].buf = nil

	t.adjustFloor(c, level-1, oldFloor, newFloor)
	return t.mergeUp(c, level-1)
}

// adjustFloor walks up from lvl looking for the nearest ancestor whose
// path turned right (descended through a non-first entry) and rewrites
// that entry's key to newFloor, logging BnodeAdjust. An ancestor
// reached only through position-0 entries has no comparable separator
// to fix, since position 0 is never compared.
func (t *Tree) adjustFloor(c *Cursor, lvl int, oldFloor, newFloor uint64) {
	for i := lvl; i > 0; i-- {
		anc := &c.path[i-1]
		pos := anc.next - 1
		if pos > 0 {
			anc.n.entries[pos].key = newFloor
			anc.n.encode(anc.buf.Data())
			t.Log.BnodeAdjust(uint64(anc.block), oldFloor, newFloor)
			return
		}
	}
}

// shrinkRoot drops a level when the root bnode has exactly one child
// remaining and the tree has depth > 0 (spec.md §4.4).
func (t *Tree) shrinkRoot() {
	if t.Depth == 0 {
		return
	}
	buf, err := t.Pool.Read(t.Map, t.Root)
	if err != nil {
		return
	}
	n, err := decodeNode(buf.Data())
	if err != nil || len(n.entries) != 1 {
		t.Pool.Release(buf)
		return
	}
	oldRoot := t.Root
	t.Root = n.entries[0].block
	t.Depth--
	t.Pool.Release(buf)
	t.Log.BnodeFree(oldRoot)
	t.Stash.DeferFree(oldRoot, 1)
}
