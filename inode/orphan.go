package inode

// AddOrphan records inum as orphaned (unlinked but still referenced by
// an open handle), logging ORPHAN_ADD (spec.md §4.8).
func (c *Cache) AddOrphan(inum uint64, version uint16) {
	c.mu.Lock()
	c.orphans.Add(inum)
	c.mu.Unlock()
	if c.log != nil {
		c.log.OrphanAdd(version, inum)
	}
}

// RemoveOrphan drops inum from the orphan list, logging ORPHAN_DEL.
func (c *Cache) RemoveOrphan(inum uint64, version uint16) {
	c.mu.Lock()
	c.orphans.Remove(inum)
	c.mu.Unlock()
	if c.log != nil {
		c.log.OrphanDel(version, inum)
	}
}

// ProcessOrphans frees every still-orphaned inode's data via the normal
// btree.Chop path and removes it from the list, draining it to empty by
// the time mount finishes (SPEC_FULL.md §7.1, grounded on
// original_source/inode.c's orphan sweep). Called once after replay
// completes.
func (c *Cache) ProcessOrphans(version uint16) error {
	c.mu.Lock()
	pending := c.orphans.ToSlice()
	c.mu.Unlock()

	for _, inum := range pending {
		ino, err := c.Open(inum)
		if err != nil {
			return err
		}
		t := c.OpenDataTree(ino, 0)
		freed, err := t.Chop(0)
		if err != nil {
			c.iput(ino)
			return err
		}
		for _, b := range freed {
			c.stash.DeferFree(b, 1)
		}
		ino.Root, ino.Depth = t.Root, t.Depth
		c.iput(ino)
		c.RemoveOrphan(inum, version)
	}
	return nil
}
