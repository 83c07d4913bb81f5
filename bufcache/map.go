package bufcache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/tux3fs/tux3fs/common"
)

// IOFunc performs the actual device transfer for a contiguous run of
// buffers handed to it by the bufvec layer (spec.md §4.2), or a single
// buffer for bufcache's own Read. rw selects direction; on return every
// buffer in bufs must have been end_io'd to Clean (success) or Empty
// (failure) by the IOFunc itself, through Pool.EndIO — bufcache.Read
// fails if its buffer is not Clean once the IOFunc returns.
type IOFunc func(rw RW, bufs []*Buffer) error

// defaultBuckets matches spec.md §3's "~1000 buckets in the reference".
const defaultBuckets = 1021

// Map is an address space (spec.md §3): a fixed-size open hash keyed by
// index, an optional owning inode, and an I/O vector function.
//
// A Map's hash buckets and dirty lists are protected by its owning
// Pool's single mutex (spec.md §5: "the reference implementation is
// single-threaded cooperative"; a rewrite may escalate to a per-map
// lock, but one pool-wide lock is simpler and sufficient here since the
// frontend is already single-writer by construction).
type Map struct {
	pool  *Pool
	id    uint64
	Name  string
	Inode InodeRef // nil for the volume-wide volmap/logmap
	IO    IOFunc

	buckets [][]*Buffer
	dirty   [2]dirtyList // per-delta dirty lists, indexed by delta mod 2
}

type dirtyList struct {
	head, tail *Buffer
	n          int
}

func (d *dirtyList) pushBack(b *Buffer) {
	b.dirtyNext, b.dirtyPrev = nil, d.tail
	if d.tail != nil {
		d.tail.dirtyNext = b
	} else {
		d.head = b
	}
	d.tail = b
	d.n++
}

func (d *dirtyList) remove(b *Buffer) {
	if b.dirtyPrev != nil {
		b.dirtyPrev.dirtyNext = b.dirtyNext
	} else if d.head == b {
		d.head = b.dirtyNext
	}
	if b.dirtyNext != nil {
		b.dirtyNext.dirtyPrev = b.dirtyPrev
	} else if d.tail == b {
		d.tail = b.dirtyPrev
	}
	b.dirtyNext, b.dirtyPrev = nil, nil
	d.n--
}

// newMap allocates a Map with defaultBuckets hash buckets.
func newMap(pool *Pool, name string, inode InodeRef, io IOFunc) *Map {
	return &Map{
		pool:    pool,
		Name:    name,
		Inode:   inode,
		IO:      io,
		buckets: make([][]*Buffer, defaultBuckets),
	}
}

func bucketOf(index common.Block) int {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(index))
	return int(xxhash.Sum64(key[:]) % defaultBuckets)
}

// lookup finds a hashed buffer for index without taking a reference.
func (m *Map) lookup(index common.Block) *Buffer {
	bucket := m.buckets[bucketOf(index)]
	for _, b := range bucket {
		if b.index == index {
			return b
		}
	}
	return nil
}

// hashInsert links b into the map's hash table. The hash linkage holds
// its own reference distinct from whatever caller asked for b (spec.md
// §3), so every insert bumps count; hashRemove below gives it back.
func (m *Map) hashInsert(b *Buffer) {
	h := bucketOf(b.index)
	m.buckets[h] = append(m.buckets[h], b)
	b.hashed = true
	b.count++
}

func (m *Map) hashRemove(b *Buffer) {
	h := bucketOf(b.index)
	bucket := m.buckets[h]
	for i, cand := range bucket {
		if cand == b {
			m.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	b.hashed = false
	b.count--
}

// DirtyCount returns the number of buffers dirty for delta (mod 2);
// used by the flush path to size its sort buffer up front.
func (m *Map) DirtyCount(delta uint64) int {
	m.pool.mu.Lock()
	defer m.pool.mu.Unlock()
	return m.dirty[delta%2].n
}

// DirtyList returns a snapshot slice of the buffers dirty for delta
// (mod 2), in current list order (not yet sorted by index — the
// flusher does that, per spec.md §4.2's flush_list).
func (m *Map) DirtyList(delta uint64) []*Buffer {
	m.pool.mu.Lock()
	defer m.pool.mu.Unlock()
	dl := &m.dirty[delta%2]
	out := make([]*Buffer, 0, dl.n)
	for b := dl.head; b != nil; b = b.dirtyNext {
		out = append(out, b)
	}
	return out
}
