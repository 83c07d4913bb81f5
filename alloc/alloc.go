// Package alloc implements the volume's block allocator: a bitmap
// tracking free/used physical blocks, consulted by the backend only
// after change-windows drain (spec.md §5), and wired as a btree.Allocator
// for the generic B+tree engine's redirect and split paths.
//
// The original keeps the bitmap itself as a btree-indexed file so it
// can grow with the volume; this rewrite keeps it as one contiguous
// in-memory bitmap sized to the volume at mount time, a simplification
// documented in DESIGN.md (the volume size is fixed for the lifetime of
// a mounted instance in this engine, so a growable bitmap buys nothing
// here).
package alloc

import (
	"fmt"
	"sync"

	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/internal/tux3err"
	"github.com/tux3fs/tux3fs/wal"
)

// Bitmap is a process-private free-block bitmap, one bit per physical
// block (spec.md §5: "The allocator bitmap — accessed only by the
// backend after change-windows drain").
type Bitmap struct {
	mu    sync.Mutex
	bits  []byte
	total common.Block
	free  common.Block
	next  common.Block // next block to probe from, for next-fit allocation
}

// New returns a Bitmap for a volume of total blocks, with the first
// reserved blocks (superblock, boot area) pre-marked used.
func New(total common.Block, reserved common.Block) *Bitmap {
	b := &Bitmap{
		bits:  make([]byte, (total+7)/8),
		total: total,
		free:  total - reserved,
	}
	for i := common.Block(0); i < reserved; i++ {
		b.set(i, true)
	}
	b.next = reserved
	return b
}

func (b *Bitmap) get(i common.Block) bool {
	return b.bits[i/8]&(1<<(i%8)) != 0
}

func (b *Bitmap) set(i common.Block, used bool) {
	if used {
		b.bits[i/8] |= 1 << (i % 8)
	} else {
		b.bits[i/8] &^= 1 << (i % 8)
	}
}

// Alloc finds n free blocks (not necessarily contiguous with each
// other, though it prefers a contiguous run via next-fit scanning) and
// marks them used, satisfying btree.Allocator.
func (b *Bitmap) Alloc(n int) ([]common.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if common.Block(n) > b.free {
		return nil, fmt.Errorf("%w: need %d blocks, %d free", tux3err.ErrNoSpace, n, b.free)
	}
	out := make([]common.Block, 0, n)
	start := b.next
	for scanned := common.Block(0); scanned < b.total && len(out) < n; scanned++ {
		i := (start + scanned) % b.total
		if !b.get(i) {
			b.set(i, true)
			out = append(out, i)
			b.free--
		}
	}
	if len(out) < n {
		// Shouldn't happen given the free-count check above, but fail
		// safe rather than hand back a short allocation.
		for _, i := range out {
			b.set(i, false)
		}
		b.free += common.Block(len(out))
		return nil, fmt.Errorf("%w: bitmap scan found only %d of %d blocks", tux3err.ErrNoSpace, len(out), n)
	}
	b.next = out[len(out)-1] + 1
	return out, nil
}

// Free marks count blocks starting at block as available again. Called
// only once the allocating delta has drained (BFREE) or, for
// still-referenced log blocks, only after the next unify
// (BFREE_ON_UNIFY) — that staging discipline lives in wal.Stash, not
// here; Free is the unconditional, immediate primitive both funnel
// into once their deferral window has closed.
func (b *Bitmap) Free(block common.Block, count uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := common.Block(0); i < common.Block(count); i++ {
		if b.get(block + i) {
			b.set(block+i, false)
			b.free++
		}
	}
}

// FreeBlocks returns the current free block count, for FREEBLOCKS
// checkpoints and the superblock.
func (b *Bitmap) FreeBlocks() common.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.free
}

// Replay applies a single allocator log record to the bitmap, matching
// spec.md §4.8's "Allocator records ... rebuild the allocator's bitmap
// state". BFREE_ON_UNIFY and BFREE_RELOG both free immediately on
// replay since replay only ever reconstructs a single, already-settled
// point-in-time state; the unify-deferral distinction only matters to
// a live, running delta sequence.
func (b *Bitmap) Replay(t wal.Type, block common.Block, count uint32) {
	switch t {
	case wal.Balloc:
		b.mu.Lock()
		for i := common.Block(0); i < common.Block(count); i++ {
			if !b.get(block + i) {
				b.set(block+i, true)
				b.free--
			}
		}
		b.mu.Unlock()
	case wal.Bfree, wal.BfreeOnUnify, wal.BfreeRelog:
		b.Free(block, count)
	}
}
