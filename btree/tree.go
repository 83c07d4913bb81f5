package btree

import (
	"fmt"

	"github.com/tux3fs/tux3fs/bufcache"
	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/internal/tux3err"
	"github.com/tux3fs/tux3fs/wal"
)

// Allocator hands out fresh physical blocks to the tree, matching the
// "seg_alloc"/redirect allocation call in spec.md §4.4.
type Allocator interface {
	Alloc(n int) ([]common.Block, error)
}

// Tree is one generic CoW B+tree instance: a root block and depth,
// backed by blocks in Map, mutated through Ops, and logging every
// structural change through Log (spec.md §4.4).
type Tree struct {
	Pool      *bufcache.Pool
	Map       *bufcache.Map
	Ops       LeafOps
	Log       *wal.Writer
	Stash     *wal.Stash
	Alloc     Allocator
	BlockSize int
	Delta     uint64

	Root  common.Block
	Depth int // 0 means the root block is itself a leaf
}

// readNode loads and decodes the bnode at block. decodeNode copies the
// entry table out into n, so the buffer is released before returning;
// callers never need it past the decode.
func (t *Tree) readNode(block common.Block) (*node, error) {
	buf, err := t.Pool.Read(t.Map, block)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(buf.Data())
	t.Pool.Release(buf)
	return n, err
}

// NewEmpty initialises a one-leaf tree: allocates a single empty leaf
// block and sets it as the root at depth 0.
func NewEmpty(t *Tree) error {
	blocks, err := t.Alloc.Alloc(1)
	if err != nil {
		return err
	}
	buf, err := t.Pool.Get(t.Map, blocks[0])
	if err != nil {
		return err
	}
	buf = t.Pool.Fork(t.Map, buf, t.Delta)
	copy(buf.Data(), t.Ops.New(t.BlockSize, 0))
	t.Pool.Release(buf)
	t.Root = blocks[0]
	t.Depth = 0
	t.Log.Balloc(blocks[0], 1)
	return nil
}

// level is one entry in a cursor's root-to-leaf path.
type level struct {
	block common.Block
	buf   *bufcache.Buffer // nil until loaded; for bnodes it's the decoded node's backing buffer
	n     *node            // nil at the leaf level
	next  int              // index of the next sibling entry to descend into, for Advance
}

// Cursor is a probed path from the root to one leaf (spec.md §4.4).
type Cursor struct {
	t    *Tree
	path []level
}

// bottomKey returns the key of the leaf currently referenced by the
// cursor: the key of the entry the cursor descended through at the
// deepest internal level, or 0 if the tree is a single leaf.
func (c *Cursor) bottomKey() uint64 {
	if len(c.path) < 2 {
		return 0
	}
	parent := c.path[len(c.path)-2]
	return parent.n.entries[parent.next-1].key
}

// limitKey returns the key one past the current leaf's coverage: the
// next sibling's key in the nearest ancestor that has one, or
// math.MaxUint64 if the current leaf is the tree's rightmost.
func (c *Cursor) limitKey() uint64 {
	for i := len(c.path) - 2; i >= 0; i-- {
		lv := c.path[i]
		if lv.next < len(lv.n.entries) {
			return lv.n.entries[lv.next].key
		}
	}
	return ^uint64(0)
}

// LeafBlock returns the cursor's current leaf's physical block address.
func (c *Cursor) LeafBlock() common.Block {
	return c.path[len(c.path)-1].block
}

// release returns every buffer this cursor's Redirect pinned along its
// path, once the caller is done mutating through it. A cursor that
// never called Redirect has nothing to release.
func (c *Cursor) release() {
	for i := range c.path {
		if c.path[i].buf != nil {
			c.t.Pool.Release(c.path[i].buf)
			c.path[i].buf = nil
		}
	}
}

// Probe descends from the root to the leaf covering key (spec.md
// §4.4's probe).
func (t *Tree) Probe(key uint64) (*Cursor, error) {
	c := &Cursor{t: t}
	block := t.Root
	for d := 0; d <= t.Depth; d++ {
		if d == t.Depth {
			c.path = append(c.path, level{block: block})
			break
		}
		n, err := t.readNode(block)
		if err != nil {
			return nil, err
		}
		i := n.find(key)
		c.path = append(c.path, level{block: block, n: n, next: i + 1})
		block = n.entries[i].block
	}
	return c, nil
}

// Advance moves the cursor to the next leaf in key order, returning
// false once the rightmost leaf has been passed (spec.md §4.4).
func (c *Cursor) Advance() (bool, error) {
	i := len(c.path) - 2
	for i >= 0 && c.path[i].next >= len(c.path[i].n.entries) {
		i--
	}
	if i < 0 {
		return false, nil
	}
	block := c.path[i].n.entries[c.path[i].next].block
	c.path[i].next++
	c.path = c.path[:i+1]
	for d := i + 1; d <= c.t.Depth; d++ {
		if d == c.t.Depth {
			c.path = append(c.path, level{block: block})
			break
		}
		n, err := c.t.readNode(block)
		if err != nil {
			return false, err
		}
		c.path = append(c.path, level{block: block, n: n, next: 1})
		block = n.entries[0].block
	}
	return true, nil
}

// Redirect implements cursor_redirect (spec.md §4.4): walk root-to-leaf,
// and for any block not already dirty for the relevant scope, allocate
// a fresh physical address, copy the contents, patch the parent's
// index entry (or the tree root), defer-free the old block, and log
// the redirect.
func (c *Cursor) Redirect() error {
	t := c.t
	for i, lv := range c.path {
		buf, err := t.Pool.Read(t.Map, lv.block)
		if err != nil {
			return err
		}
		alreadyDirty := buf.State() == bufcache.Dirty && uint64(buf.Delta()) == t.Delta%2
		if alreadyDirty {
			c.path[i].buf = buf
			continue
		}

		blocks, err := t.Alloc.Alloc(1)
		if err != nil {
			t.Pool.Release(buf)
			return fmt.Errorf("%w: redirect alloc: %v", tux3err.ErrNoSpace, err)
		}
		newBlock := blocks[0]
		newBuf, err := t.Pool.Get(t.Map, newBlock)
		if err != nil {
			t.Pool.Release(buf)
			return err
		}
		newBuf = t.Pool.Fork(t.Map, newBuf, t.Delta)
		copy(newBuf.Data(), buf.Data())
		t.Pool.Release(buf) // old contents are copied; this level now pins newBuf instead

		oldBlock := lv.block
		c.path[i].block = newBlock
		c.path[i].buf = newBuf

		if i == 0 {
			t.Root = newBlock
		} else {
			parent := &c.path[i-1]
			parent.n.entries[parent.next-1].block = newBlock
			parent.n.encode(parent.buf.Data())
			t.Log.BnodeUpdate(uint64(parent.block), uint64(newBlock), parent.n.entries[parent.next-1].key)
		}
		if i == len(c.path)-1 {
			t.Log.LeafRedirect(oldBlock, newBlock)
		} else {
			t.Log.BnodeRedirect(oldBlock, newBlock)
		}
		t.Stash.DeferUnify(oldBlock, 1)
		t.Log.Balloc(newBlock, 1)
	}
	return nil
}
