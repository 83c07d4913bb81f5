// Package bufvec gathers contiguous-by-index dirty buffers of one map
// into I/O vectors and drives the end-of-I/O state transition back to
// bufcache, matching spec.md §4.2.
package bufvec

import (
	"fmt"
	"sort"

	"github.com/tux3fs/tux3fs/bufcache"
	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/devio"
	"github.com/tux3fs/tux3fs/internal/tux3err"
)

// Vec is a run of contiguous (by index) dirty buffers destined for a
// single logical I/O.
type Vec struct {
	Bufs []*bufcache.Buffer
}

// First returns the vector's lowest logical index.
func (v *Vec) First() common.Block {
	return v.Bufs[0].Index()
}

// Len returns the number of contiguous buffers in the vector.
func (v *Vec) Len() int { return len(v.Bufs) }

// maxStride bounds how many buffers a single contig_collect call will
// gather, matching spec.md §4.2's "UINT_MAX or a codec-imposed stride
// length" cap; left generous since Collect's callers may pass a
// smaller cap of their own.
const maxStride = 1 << 16

// contigAdd reports whether buf may extend vec: index must be exactly
// one past the last buffer's, and the vector must still be under cap.
func contigAdd(v *Vec, buf *bufcache.Buffer, cap int) bool {
	if len(v.Bufs) == 0 {
		return true
	}
	if len(v.Bufs) >= cap {
		return false
	}
	return buf.Index() == v.Bufs[len(v.Bufs)-1].Index()+1
}

// Collect groups a sorted (by index) slice of dirty buffers into
// maximal contiguous runs, matching spec.md §4.2's contig_collect. Any
// buffer at or beyond limit (the inode's ceil(i_size/blocksize), or
// common.NoBlock to mean unbounded) is excluded from the result and
// returned separately so the caller can cancel it (complete_without_io
// back to clean, no I/O).
func Collect(sorted []*bufcache.Buffer, limit common.Block, cap int) (vecs []*Vec, cancelled []*bufcache.Buffer) {
	if cap <= 0 {
		cap = maxStride
	}
	var cur *Vec
	for _, b := range sorted {
		if limit != common.NoBlock && b.Index() >= limit {
			cancelled = append(cancelled, b)
			continue
		}
		if cur != nil && contigAdd(cur, b, cap) {
			cur.Bufs = append(cur.Bufs, b)
			continue
		}
		cur = &Vec{Bufs: []*bufcache.Buffer{b}}
		vecs = append(vecs, cur)
	}
	return vecs, cancelled
}

// Translator maps a contiguous logical run [first, first+n) of a map's
// address space to zero or more physical extents, allocating new
// physical blocks as needed (spec.md §4.2: "the file's btree is
// consulted with mode write, which may allocate blocks"). It is
// satisfied by the inode package's file-extent btree in the full
// engine and by a fixed offset mapping for the volume-wide maps
// (itable, atable).
type Translator interface {
	Translate(rw bufcache.RW, first common.Block, n int) ([]Extent, error)
}

// Extent is one run backing part of a logical vector. A hole (no
// physical backing, e.g. a sparse file region) is represented by
// Physical == common.NoBlock; Len is always the number of logical
// blocks the extent covers, hole or not.
type Extent struct {
	LogicalOffset int // offset within the Vec's buffer slice
	Physical      common.Block
	Len           int
}

func (e Extent) isHole() bool { return e.Physical == common.NoBlock }

// CompleteWithoutIO zero-fills buf's data and transitions it to clean
// without issuing I/O, used for holes encountered on read (spec.md
// §4.2: complete_without_io).
func CompleteWithoutIO(pool *bufcache.Pool, bufs []*bufcache.Buffer) {
	for _, b := range bufs {
		data := b.Data()
		for i := range data {
			data[i] = 0
		}
	}
	pool.EndIO(bufs, true)
}

// FlushList runs the flush protocol of spec.md §4.2 for one map's dirty
// list at a given delta: sort by index, contig_collect, translate each
// run to physical segments via tr, and issue one gather-I/O per segment
// through dev. Buffers beyond the map's valid range are cancelled back
// to clean. Returns the first error encountered, if any — buffers
// involved in a failed vector are left
// Dirty for retry on the next delta, per spec.md §7's "Device I/O
// failure" edge case.
func FlushList(pool *bufcache.Pool, m *bufcache.Map, dev devio.BlockDevice, tr Translator, limit common.Block, delta uint64) error {
	sorted := m.DirtyList(delta)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index() < sorted[j].Index() })

	vecs, cancelled := Collect(sorted, limit, maxStride)
	for _, b := range cancelled {
		pool.ForgetDirty(b)
	}

	for _, v := range vecs {
		extents, err := tr.Translate(bufcache.Write, v.First(), v.Len())
		if err != nil {
			return fmt.Errorf("%w: translate %s:%d+%d: %v", tux3err.ErrIO, m.Name, v.First(), v.Len(), err)
		}
		if err := writeVec(dev, v, extents); err != nil {
			return err
		}
		pool.EndIO(v.Bufs, true)
	}
	return nil
}

// writeVec issues one WritevAt per physical extent backing v; holes
// (Physical == common.NoBlock) are skipped.
func writeVec(dev devio.BlockDevice, v *Vec, extents []Extent) error {
	blockSize := len(v.Bufs[0].Data())
	for _, e := range extents {
		if e.isHole() {
			continue // sparse write-through is not modeled; allocator always backs writes
		}
		segs := make([]devio.IOSegment, 0, e.Len)
		for i := 0; i < e.Len; i++ {
			buf := v.Bufs[e.LogicalOffset+i]
			off := int64(e.Physical+common.Block(i)) * int64(blockSize)
			segs = append(segs, devio.IOSegment{Off: off, Data: buf.Data()})
		}
		if err := dev.WritevAt(segs); err != nil {
			return fmt.Errorf("%w: %v", tux3err.ErrIO, err)
		}
	}
	return nil
}

// ReadExtents reads the physical extents backing [first, first+n)
// blocks of a map into bufs (already allocated Empty buffers), zeroing
// any hole rather than reading it, then transitions every buffer to
// Clean.
func ReadExtents(pool *bufcache.Pool, dev devio.BlockDevice, bufs []*bufcache.Buffer, extents []Extent) error {
	blockSize := len(bufs[0].Data())
	for _, e := range extents {
		if e.isHole() {
			CompleteWithoutIO(pool, bufs[e.LogicalOffset:e.LogicalOffset+e.Len])
			continue
		}
		segs := make([]devio.IOSegment, 0, e.Len)
		for i := 0; i < e.Len; i++ {
			buf := bufs[e.LogicalOffset+i]
			off := int64(e.Physical+common.Block(i)) * int64(blockSize)
			segs = append(segs, devio.IOSegment{Off: off, Data: buf.Data()})
		}
		if err := dev.ReadvAt(segs); err != nil {
			return fmt.Errorf("%w: %v", tux3err.ErrIO, err)
		}
	}
	pool.EndIO(bufs, true)
	return nil
}
