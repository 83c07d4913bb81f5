package inode

import (
	"encoding/binary"

	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/ileaf"
	"github.com/tux3fs/tux3fs/internal/tux3err"
)

// rootDepthSize is the width of the data-tree root pointer persisted
// right after the fixed Attrs encoding: the file-extent tree's root
// block and depth must survive an inode's eviction and a remount, or
// a file's content becomes unreachable the moment its inode is no
// longer cached (spec.md §3/§4.1's "the extent tree root is part of
// the inode's persistent state").
const rootDepthSize = 8 + 4

// writeAttrs persists ino's current Attrs, and its data tree's Root and
// Depth, into the shared itable (spec.md §4.5/§4.6). The slot is tagged
// with overflowTag whenever the atable holds attributes for the inode,
// so an inode with overflow attributes keeps its atable link when its
// inline POSIX attributes are rewritten.
func (c *Cache) writeAttrs(ino *Inode) error {
	blob := make([]byte, 0, attrsSize+rootDepthSize+1)
	blob = append(blob, encodeAttrs(ino.Attrs)...)
	var rd [rootDepthSize]byte
	binary.BigEndian.PutUint64(rd[0:8], uint64(ino.Root))
	binary.BigEndian.PutUint32(rd[8:12], uint32(ino.Depth))
	blob = append(blob, rd[:]...)
	if _, err := c.Xattrs(ino.Inum); err == nil {
		blob = append(blob, overflowTag)
	}
	return c.itable.Write(ino.Inum, ileaf.WriteRequest{Inum: ino.Inum, Attrs: blob})
}

// readAttrs looks up inum's attributes and data tree root in the
// itable, returning ok=false if no slot exists for it yet.
func (c *Cache) readAttrs(inum uint64) (attrs Attrs, root common.Block, depth int, ok bool, err error) {
	root = common.NoBlock
	cur, err := c.itable.Probe(inum)
	if err != nil {
		return Attrs{}, common.NoBlock, 0, false, err
	}
	leafBuf, err := c.itable.Pool.Read(c.itable.Map, cur.LeafBlock())
	if err != nil {
		return Attrs{}, common.NoBlock, 0, false, err
	}
	blob := ileaf.Lookup(leafBuf.Data(), inum)
	if blob == nil {
		c.itable.Pool.Release(leafBuf)
		return Attrs{}, common.NoBlock, 0, false, nil
	}
	attrs = decodeAttrs(blob)
	if len(blob) >= attrsSize+rootDepthSize {
		root = common.Block(binary.BigEndian.Uint64(blob[attrsSize : attrsSize+8]))
		depth = int(binary.BigEndian.Uint32(blob[attrsSize+8 : attrsSize+rootDepthSize]))
	}
	c.itable.Pool.Release(leafBuf)
	return attrs, root, depth, true, nil
}

func (c *Cache) hasXattrTag(inum uint64) (bool, error) {
	cur, err := c.itable.Probe(inum)
	if err != nil {
		return false, err
	}
	leafBuf, err := c.itable.Pool.Read(c.itable.Map, cur.LeafBlock())
	if err != nil {
		return false, err
	}
	blob := ileaf.Lookup(leafBuf.Data(), inum)
	tagOff := attrsSize + rootDepthSize
	has := len(blob) > tagOff && blob[tagOff] == overflowTag
	c.itable.Pool.Release(leafBuf)
	return has, nil
}

// SetXattrs writes data into the per-inode overflow attribute tree and
// tags the primary inline slot so future reads know to look there
// (SPEC_FULL.md §7.2's attribute fork overflow, grounded on
// original_source/kernel/writeback_xattrfork.c).
func (c *Cache) SetXattrs(ino *Inode, data []byte) error {
	if err := c.atable.Write(ino.Inum, ileaf.WriteRequest{Inum: ino.Inum, Attrs: data}); err != nil {
		return err
	}
	return c.writeAttrs(ino)
}

// Xattrs reads back the overflow attribute blob for inum, or
// ErrNoAttr if the inode has none.
func (c *Cache) Xattrs(inum uint64) ([]byte, error) {
	cur, err := c.atable.Probe(inum)
	if err != nil {
		return nil, err
	}
	leafBuf, err := c.atable.Pool.Read(c.atable.Map, cur.LeafBlock())
	if err != nil {
		return nil, err
	}
	blob := ileaf.Lookup(leafBuf.Data(), inum)
	if blob == nil {
		c.atable.Pool.Release(leafBuf)
		return nil, tux3err.ErrNoAttr
	}
	out := append([]byte(nil), blob...) // leafBuf is released below; the caller must not alias its backing array
	c.atable.Pool.Release(leafBuf)
	return out, nil
}
