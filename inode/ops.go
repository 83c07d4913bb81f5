package inode

import (
	"fmt"

	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/internal/tux3err"
)

// Open looks up an already-cached inode by inum or loads it from the
// itable, matching spec.md §4.6's iget5 with a "populate from disk" set
// function.
func (c *Cache) Open(inum uint64) (*Inode, error) {
	return c.iget5(inum, nil, func(ino *Inode) {
		if attrs, root, depth, ok, err := c.readAttrs(inum); err == nil && ok {
			ino.Attrs = attrs
			ino.Root = root
			ino.Depth = depth
		}
	})
}

// Create allocates a fresh inum (next-fit over the itable's dictionary
// gaps is the original's policy; this rewrite uses a monotonic counter
// instead, since nothing here ever needs to reclaim a low inum),
// inserts it into the cache with
// insert_locked4 semantics, and writes its initial attributes.
func (c *Cache) Create(attrs Attrs) (*Inode, error) {
	c.mu.Lock()
	inum := c.nextInum
	c.nextInum++
	c.mu.Unlock()

	ino := &Inode{Inum: inum, refcount: 1, state: StateNew | StateDirty, dirtyDelta: -1, Root: common.NoBlock, Attrs: attrs}
	if err := c.insertLocked4(ino, nil); err != nil {
		return nil, err
	}
	if err := c.writeAttrs(ino); err != nil {
		return nil, fmt.Errorf("create inode %d: %w", inum, err)
	}
	return ino, nil
}

// Unlink drops a hard link: decrements Nlink and, if it reaches zero,
// adds the inode to the orphan list (spec.md §4.8). Dropping the last
// reference does not free an orphan's data; ProcessOrphans does, and it
// runs at mount. delta is the current frontend delta, also used
// (truncated) as the
// orphan record's version field.
func (c *Cache) Unlink(ino *Inode, delta uint64) error {
	if ino.Attrs.Nlink == 0 {
		return fmt.Errorf("%w: unlink of inode %d with no links", tux3err.ErrBusy, ino.Inum)
	}
	ino.Attrs.Nlink--
	ino.iattrdirty(delta)
	if ino.Attrs.Nlink == 0 {
		c.AddOrphan(ino.Inum, uint16(delta))
	}
	return c.writeAttrs(ino)
}

// SetSize updates ino's size attribute and, when shrinking, truncates
// the backing extent map via btree.Chop (spec.md §4.1's
// invalidate-on-truncate combined with §4.4's chop).
func (c *Cache) SetSize(ino *Inode, size uint64, delta uint64) error {
	shrinking := size < ino.Attrs.Size
	ino.Attrs.Size = size
	ino.iattrdirty(delta)
	if shrinking {
		t := c.OpenDataTree(ino, delta)
		blockSize := uint64(c.blkSize)
		startBlock := (size + blockSize - 1) / blockSize
		freed, err := t.Chop(startBlock)
		if err != nil {
			return err
		}
		for _, b := range freed {
			c.stash.DeferFree(b, 1)
		}
		ino.Root, ino.Depth = t.Root, t.Depth
	}
	return c.writeAttrs(ino)
}

// Sync flushes ino's dirty attribute snapshot for delta into the
// itable, consuming its ddc slot (spec.md §4.6/§4.7: the backend reads
// and consumes a dirty chunk once per delta it belongs to).
func (c *Cache) Sync(ino *Inode, delta uint64) error {
	snapshot, ok := ino.consumeDirty(delta)
	if !ok {
		return nil
	}
	saved := ino.Attrs
	ino.Attrs = snapshot
	err := c.writeAttrs(ino)
	ino.Attrs = saved
	return err
}
