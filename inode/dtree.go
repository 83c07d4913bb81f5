package inode

import (
	"fmt"

	"github.com/tux3fs/tux3fs/bufcache"
	"github.com/tux3fs/tux3fs/bufvec"
	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/dleaf"
	"github.com/tux3fs/tux3fs/internal/tux3err"
)

// fileTranslator adapts one inode's file-extent btree.Tree to
// bufvec.Translator (spec.md §4.2: "the file's btree is consulted with
// mode write, which may allocate blocks") and to bufcache.IOFunc for
// single-buffer reads outside the flush path.
type fileTranslator struct {
	cache *Cache
	ino   *Inode
}

var _ bufvec.Translator = (*fileTranslator)(nil)

// Translate resolves [first, first+n) logical blocks of ino's data map
// to physical extents, allocating fresh blocks first if rw is Write.
func (ft *fileTranslator) Translate(rw bufcache.RW, first common.Block, n int) ([]bufvec.Extent, error) {
	t := ft.ino.Dtree
	if rw == bufcache.Write {
		if err := t.Write(uint64(first), dleaf.WriteRequest{
			Start:   uint64(first),
			Len:     uint64(n),
			Version: uint32(t.Delta),
			Alloc:   ft.cache.alloc.Alloc,
		}); err != nil {
			return nil, err
		}
		ft.ino.Root, ft.ino.Depth = t.Root, t.Depth
	}
	return ft.resolve(first, n)
}

// resolve reads back the extents currently mapping [first, first+n),
// stitching across a leaf boundary via Advance when the run is wider
// than one leaf's coverage.
func (ft *fileTranslator) resolve(first common.Block, n int) ([]bufvec.Extent, error) {
	t := ft.ino.Dtree
	c, err := t.Probe(uint64(first))
	if err != nil {
		return nil, err
	}
	var out []bufvec.Extent
	pos, remaining := first, n
	for remaining > 0 {
		leafBuf, err := t.Pool.Read(t.Map, c.LeafBlock())
		if err != nil {
			return nil, err
		}
		segs, err := dleaf.Read(leafBuf.Data(), uint64(pos), uint64(pos)+uint64(remaining), remaining)
		t.Pool.Release(leafBuf)
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			break
		}
		for _, s := range segs {
			if remaining <= 0 {
				break
			}
			phys := common.NoBlock
			if !s.Hole {
				phys = s.Block
			}
			out = append(out, bufvec.Extent{LogicalOffset: int(pos - first), Physical: phys, Len: s.Count})
			pos += common.Block(s.Count)
			remaining -= s.Count
		}
		if remaining <= 0 {
			break
		}
		more, err := c.Advance()
		if err != nil {
			return nil, err
		}
		if !more {
			out = append(out, bufvec.Extent{LogicalOffset: int(pos - first), Physical: common.NoBlock, Len: remaining})
			break
		}
	}
	return out, nil
}

// ioFunc is the data map's bufcache.IOFunc for single-buffer reads
// issued outside a flush (spec.md §4.1's read()); FlushList drives
// writes directly through Translate instead of this path.
func (ft *fileTranslator) ioFunc(rw bufcache.RW, bufs []*bufcache.Buffer) error {
	if rw != bufcache.Read || len(bufs) != 1 {
		return fmt.Errorf("%w: inode map io only serves single-buffer reads directly", tux3err.ErrIO)
	}
	extents, err := ft.Translate(bufcache.Read, bufs[0].Index(), 1)
	if err != nil {
		return err
	}
	if err := bufvec.ReadExtents(ft.cache.pool, ft.cache.dev, bufs, extents); err != nil {
		return err
	}
	ft.cache.pool.EndIO(bufs, true)
	return nil
}
