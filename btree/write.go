package btree

import (
	"fmt"

	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/internal/tux3err"
)

// Write applies req to the tree over the logical key range
// [key, key+coverage), matching spec.md §4.4's write(cursor, key_range):
// redirect the cursor, attempt leaf_write, and split (propagating up
// to the root if necessary) whenever the leaf reports it has no room.
// The caller's LeafOps.Write determines how much of the range it
// actually consumed per call; Write loops until req reports nothing
// left (a dialect-specific convention: Ops.Write mutates req in place
// and signals completion via its own bookkeeping, so this loop simply
// retries the same req after any split until needSplit comes back
// false).
func (t *Tree) Write(key uint64, req any) error {
	for {
		c, err := t.Probe(key)
		if err != nil {
			return err
		}
		if err := c.Redirect(); err != nil {
			c.release()
			return err
		}
		leafBuf := c.path[len(c.path)-1].buf // Redirect already pinned this level
		bottom, limit := c.bottomKey(), c.limitKey()
		needSplit, hint, err := t.Ops.Write(leafBuf.Data(), bottom, limit, req)
		if err != nil {
			c.release()
			return err
		}
		if !needSplit {
			c.release()
			return nil
		}
		splitErr := t.split(c, hint)
		c.release()
		if splitErr != nil {
			return splitErr
		}
		// retry from the top: the split changed the tree shape, and the
		// target key may now live in either half.
	}
}

// split allocates a fresh leaf, asks Ops to divide the cursor's current
// leaf at hint, and inserts the new leaf into the parent (growing depth
// at the root if the split propagates all the way up), per spec.md
// §4.4's write/split description.
func (t *Tree) split(c *Cursor, hint uint64) error {
	blocks, err := t.Alloc.Alloc(1)
	if err != nil {
		return fmt.Errorf("%w: split alloc: %v", tux3err.ErrNoSpace, err)
	}
	dstBlock := blocks[0]
	dstBuf, err := t.Pool.Get(t.Map, dstBlock)
	if err != nil {
		return err
	}
	dstBuf = t.Pool.Fork(t.Map, dstBuf, t.Delta)

	srcBuf := c.path[len(c.path)-1].buf // the leaf Redirect already pinned
	pivot := t.Ops.Split(hint, srcBuf.Data(), dstBuf.Data())
	t.Log.Balloc(dstBlock, 1)
	t.Pool.Release(dstBuf)

	return t.insertIndex(c, len(c.path)-1, pivot, dstBlock)
}

// insertIndex inserts (pivot, newBlock) as a new sibling entry at
// level i's parent, splitting that bnode in turn if it is full, and
// growing the tree's depth if the split reaches the root.
func (t *Tree) insertIndex(c *Cursor, i int, pivot uint64, newBlock common.Block) error {
	if i == 0 {
		// The root itself split: grow depth by one, installing a fresh
		// root bnode with two children.
		blocks, err := t.Alloc.Alloc(1)
		if err != nil {
			return fmt.Errorf("%w: root grow alloc: %v", tux3err.ErrNoSpace, err)
		}
		newRoot := blocks[0]
		rootBuf, err := t.Pool.Get(t.Map, newRoot)
		if err != nil {
			return err
		}
		rootBuf = t.Pool.Fork(t.Map, rootBuf, t.Delta)
		n := &node{entries: []entry{{0, c.path[0].block}, {pivot, newBlock}}}
		n.encode(rootBuf.Data())
		t.Pool.Release(rootBuf)
		t.Log.Balloc(newRoot, 1)
		t.Log.BnodeRoot(uint8(t.Depth+1), newRoot, c.path[0].block, newBlock, pivot)
		t.Root = newRoot
		t.Depth++
		return nil
	}

	parent := &c.path[i-1]
	pos := parent.next // insert right after the entry we descended through
	if len(parent.n.entries) >= nodeCapacity(t.BlockSize) {
		return t.splitBnode(c, i-1, pos, pivot, newBlock)
	}
	parent.n.insertAt(pos, entry{pivot, newBlock})
	parent.n.encode(parent.buf.Data())
	t.Log.BnodeAdd(uint64(parent.block), uint64(newBlock), pivot)
	return nil
}

// splitBnode splits a full internal node to make room for a new
// (pivot, newBlock) entry at pos, propagating upward via insertIndex.
func (t *Tree) splitBnode(c *Cursor, i, pos int, pivot uint64, newBlock common.Block) error {
	lv := &c.path[i]
	mid := len(lv.n.entries) / 2
	right := &node{entries: append([]entry{}, lv.n.entries[mid:]...)}
	lv.n.entries = lv.n.entries[:mid]

	if pos >= mid {
		right.entries = insertEntry(right.entries, pos-mid, entry{pivot, newBlock})
	} else {
		lv.n.entries = insertEntry(lv.n.entries, pos, entry{pivot, newBlock})
	}

	blocks, err := t.Alloc.Alloc(1)
	if err != nil {
		return fmt.Errorf("%w: bnode split alloc: %v", tux3err.ErrNoSpace, err)
	}
	rightBlock := blocks[0]
	rightBuf, err := t.Pool.Get(t.Map, rightBlock)
	if err != nil {
		return err
	}
	rightBuf = t.Pool.Fork(t.Map, rightBuf, t.Delta)
	right.encode(rightBuf.Data())
	lv.n.encode(lv.buf.Data())
	t.Pool.Release(rightBuf)

	t.Log.Balloc(rightBlock, 1)
	t.Log.BnodeSplit(uint16(mid), uint64(lv.block), uint64(rightBlock))

	return t.insertIndex(c, i, right.entries[0].key, rightBlock)
}

func insertEntry(entries []entry, i int, e entry) []entry {
	entries = append(entries, entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}
