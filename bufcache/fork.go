package bufcache

import (
	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/internal/invariant"
)

// Fork implements the three-way CoW branch of spec.md §4.1's "dirty a
// buffer": the frontend must never mutate a buffer the backend has
// already queued for the delta currently being flushed.
//
//   - already dirty for the current delta: return b unchanged, the
//     frontend may write into it directly.
//   - dirty for an earlier delta (the backend is still flushing it):
//     allocate a fresh private buffer, copy the old contents, unhash
//     the old one from the map (it keeps flushing under its own
//     reference) and hash the new one in its place.
//   - clean or empty: transition in place to dirty for delta.
func (p *Pool) Fork(m *Map, b *Buffer, delta uint64) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := uint8(delta % 2)

	switch b.state {
	case Dirty:
		if b.delta == slot {
			return b
		}
		nb := &Buffer{
			index: b.index,
			owner: m,
			data:  make([]byte, len(b.data)),
			state: Dirty,
			delta: slot,
			count: 1,
		}
		copy(nb.data, b.data)
		m.hashRemove(b)
		m.hashInsert(nb)
		m.dirty[slot].pushBack(nb)
		p.lru.Add(nb, struct{}{})
		p.count++
		return nb
	case Clean, Empty:
		b.state = Dirty
		b.delta = slot
		m.dirty[slot].pushBack(b)
		return b
	default:
		invariant.Check(false, "Fork of freed buffer", "index", b.index)
		return nil
	}
}

// TruncateRange drops or zeroes buffers wholly or partly past newSize
// blocks, forking any buffer still dirty for an earlier delta before
// touching it (spec.md §4.1's truncate interaction with the dirty
// list). Freed indexes are appended to freed for the caller to hand to
// the allocator's defer-free queue.
func (p *Pool) TruncateRange(m *Map, newSize common.Block, delta uint64) (freed []common.Block) {
	p.mu.Lock()
	victims := make([]*Buffer, 0)
	for _, bucket := range m.buckets {
		for _, b := range bucket {
			if b.index >= newSize {
				victims = append(victims, b)
			}
		}
	}
	p.mu.Unlock()

	for _, b := range victims {
		fb := p.Fork(m, b, delta)
		p.mu.Lock()
		if fb.state == Dirty {
			fb.owner.dirty[fb.delta%2].remove(fb)
		}
		fb.state = Empty
		for i := range fb.data {
			fb.data[i] = 0
		}
		p.mu.Unlock()
		freed = append(freed, fb.index)
	}
	return freed
}
