package bufcache

import "github.com/tux3fs/tux3fs/common"

// InodeRef is the minimal view a Map needs of its owning inode: just
// enough to identify it for logging and dirty-chunk lookups, without
// bufcache importing the inode package (which itself imports bufcache
// to get its address space). See DESIGN.md for why this stays a plain
// interface rather than an ID-indexed table: Go's tracing GC makes the
// cyclic-ownership concern from spec.md §9's design notes moot.
type InodeRef interface {
	Inum() uint64
}

// Buffer exclusively owns a page-aligned data region of size
// 1<<dev.bits (spec.md §3). A live buffer sits in the owning Map's hash
// bucket (unless it has been forked away) and in the pool's LRU; while
// dirty it is also on the owning Map's per-delta dirty list.
type Buffer struct {
	index common.Block
	owner *Map
	data  []byte

	state State
	delta uint8 // meaningful only when state == Dirty: which delta (mod 2)

	count  int  // reference count; the hash bucket holds one
	hashed bool // membership in owner.buckets; false ⇒ a forked, private copy

	dirtyNext, dirtyPrev *Buffer // intrusive per-delta dirty list links
}

// Index returns the buffer's logical address within its Map.
func (b *Buffer) Index() common.Block { return b.index }

// Map returns the address space this buffer belongs to.
func (b *Buffer) Map() *Map { return b.owner }

// Data returns the buffer's backing bytes. Callers must not retain the
// slice past a Release.
func (b *Buffer) Data() []byte { return b.data }

// State returns the buffer's current state-machine position.
func (b *Buffer) State() State { return b.state }

// Delta returns which delta (mod 2) this buffer is dirty for; only
// meaningful when State() == Dirty.
func (b *Buffer) Delta() uint8 { return b.delta }

// Count returns the current reference count.
func (b *Buffer) Count() int { return b.count }
