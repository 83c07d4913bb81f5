// Package inode implements the inode cache of spec.md §4.6: a
// fixed-size open hash of inodes keyed by inum, refcounted lifetime
// (lookup5/iget5/insert_locked4/iput), a per-delta dirty-chunk snapshot
// (ddc[2]), and the orphan list supplement from
// original_source/inode.c (spec.md §7 of SPEC_FULL.md). Each inode
// wires a file-extent btree.Tree (dleaf.Ops) for its data map and goes
// through the shared primary/overflow ileaf trees for attribute
// storage.
package inode

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tux3fs/tux3fs/bufcache"
	"github.com/tux3fs/tux3fs/btree"
	"github.com/tux3fs/tux3fs/bufvec"
	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/devio"
	"github.com/tux3fs/tux3fs/dleaf"
	"github.com/tux3fs/tux3fs/internal/invariant"
	"github.com/tux3fs/tux3fs/internal/tux3err"
	"github.com/tux3fs/tux3fs/wal"
)

// State bits, matching spec.md §4.6's "state field with bits {NEW,
// DIRTY, DIRTY_SYNC, DIRTY_DATASYNC, FREEING, BAD}".
type State uint8

const (
	StateNew State = 1 << iota
	StateDirty
	StateDirtySync
	StateDirtyDatasync
	StateFreeing
	StateBad
)

// buckets is the inode hash's bucket count (spec.md §4.6: "A
// fixed-size (power-of-two) open hash of 1024 buckets").
const buckets = 1024

// inlineAttrLimit is a size bound for an encoded inline attribute
// record (SPEC_FULL.md §7.2). No code checks records against it;
// attributes reach the atable only through SetXattrs.
const inlineAttrLimit = 256

// overflowTag is the single byte appended after an inline slot's attrs
// and data-tree root to mark that the inode also has attributes in the
// atable.
const overflowTag = 0xFF

// Inode is one cached inode (spec.md §3/§4.6).
type Inode struct {
	Inum  uint64
	Attrs Attrs

	state      State
	refcount   int32
	dirtyDelta int64 // delta this inode was last dirtied for, or -1
	ddc        [2]dirtyChunk

	Root  common.Block // file-extent tree root
	Depth int

	Map   *bufcache.Map
	Dtree *btree.Tree

	next *Inode // hash chain link
}

var _ bufcache.InodeRef = (*inodeRefAdapter)(nil)

// inodeRefAdapter exists only because Go cannot name a method Inum()
// and also a field Inum on the same struct; Cache hands this adapter
// to bufcache.NewMap instead of the *Inode itself.
type inodeRefAdapter struct{ ino *Inode }

func (a *inodeRefAdapter) Inum() uint64 { return a.ino.Inum }

// Cache is the process-wide (or per-Instance) inode hash of spec.md
// §4.6, plus the shared itable/atable attribute trees and the orphan
// list supplement.
type Cache struct {
	mu      sync.Mutex
	table   [buckets]*Inode
	pool    *bufcache.Pool
	dev     devio.BlockDevice
	blkSize int
	alloc   btree.Allocator
	log     *wal.Writer
	stash   *wal.Stash

	itable *btree.Tree // primary ileaf tree, keyed by inum
	atable *btree.Tree // overflow oleaf tree, keyed by inum

	orphans  mapset.Set[uint64]
	nextInum uint64
}

// NewCache constructs an inode cache bound to pool/dev, with itable and
// atable already initialised (freshly, via btree.NewEmpty, or loaded
// from a superblock root by the caller before use) and sharing the
// volume's single log writer and defer-free stash.
func NewCache(pool *bufcache.Pool, dev devio.BlockDevice, blkSize int, alloc btree.Allocator, log *wal.Writer, stash *wal.Stash, itable, atable *btree.Tree, startInum uint64) *Cache {
	return &Cache{
		pool:     pool,
		dev:      dev,
		blkSize:  blkSize,
		alloc:    alloc,
		log:      log,
		stash:    stash,
		itable:   itable,
		atable:   atable,
		orphans:  mapset.NewThreadUnsafeSet[uint64](),
		nextInum: startInum,
	}
}

// NextInum returns the next inum Create will allocate, for the
// superblock's persisted counter.
func (c *Cache) NextInum() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextInum
}

func hashIndex(inum uint64) int {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(inum >> (56 - 8*i))
	}
	return int(xxhash.Sum64(b[:]) % buckets)
}

// lookup5 finds a cached inode matching inum and test, bumping its
// refcount on a hit (spec.md §4.6).
func (c *Cache) lookup5(inum uint64, test func(*Inode) bool) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ino := c.table[hashIndex(inum)]; ino != nil; ino = ino.next {
		if ino.Inum == inum && (test == nil || test(ino)) {
			ino.refcount++
			return ino
		}
	}
	return nil
}

// iget5 is lookup-or-allocate: on a miss, build a fresh *Inode via set,
// hash it with state NEW, and return it (spec.md §4.6).
func (c *Cache) iget5(inum uint64, test func(*Inode) bool, set func(*Inode)) (*Inode, error) {
	if ino := c.lookup5(inum, test); ino != nil {
		return ino, nil
	}
	ino := &Inode{Inum: inum, refcount: 1, state: StateNew, dirtyDelta: -1, Root: common.NoBlock}
	if set != nil {
		set(ino)
	}
	if err := c.hashNew(ino); err != nil {
		return nil, err
	}
	return ino, nil
}

func (c *Cache) hashNew(ino *Inode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := hashIndex(ino.Inum)
	for cur := c.table[idx]; cur != nil; cur = cur.next {
		if cur.Inum == ino.Inum && cur.state&StateFreeing == 0 {
			return fmt.Errorf("%w: inode %d already cached", tux3err.ErrBusy, ino.Inum)
		}
	}
	ino.next = c.table[idx]
	c.table[idx] = ino
	return nil
}

// insertLocked4 inserts a pre-constructed inode, failing with ErrBusy
// if a matching, non-freeing inode already exists (spec.md §4.6).
func (c *Cache) insertLocked4(ino *Inode, test func(*Inode) bool) error {
	if existing := c.lookup5(ino.Inum, test); existing != nil {
		c.iput(existing)
		return fmt.Errorf("%w: inode %d already cached", tux3err.ErrBusy, ino.Inum)
	}
	return c.hashNew(ino)
}

// ihold increments ino's refcount; never valid on a freeing inode.
func (c *Cache) ihold(ino *Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	invariant.Check(ino.state&StateFreeing == 0, "ihold of freeing inode", "inum", ino.Inum)
	ino.refcount++
}

// Put releases the caller's reference to ino, the exported form of iput
// for collaborators outside this package (the tux3 composition root).
func (c *Cache) Put(ino *Inode) { c.iput(ino) }

// iput decrements ino's refcount; at zero, if ino is not dirty, it
// unhashes ino and frees its buffer map. The extent mapping is not
// truncated.
func (c *Cache) iput(ino *Inode) {
	c.mu.Lock()
	ino.refcount--
	invariant.Check(ino.refcount >= 0, "iput underflow", "inum", ino.Inum)
	if ino.refcount > 0 || ino.state&StateDirty != 0 {
		c.mu.Unlock()
		return
	}
	ino.state |= StateFreeing
	idx := hashIndex(ino.Inum)
	var prev *Inode
	for cur := c.table[idx]; cur != nil; cur = cur.next {
		if cur == ino {
			if prev == nil {
				c.table[idx] = cur.next
			} else {
				prev.next = cur.next
			}
			break
		}
		prev = cur
	}
	c.mu.Unlock()

	if ino.Map != nil {
		c.pool.FreeMap(ino.Map)
	}
}

// OpenDataTree lazily constructs ino's file-extent btree.Tree and data
// Map, wiring a fileTranslator (dtree.go) as both the Map's IOFunc
// collaborator and the bufvec.Translator the delta package's flusher
// uses.
func (c *Cache) OpenDataTree(ino *Inode, delta uint64) *btree.Tree {
	if ino.Dtree != nil {
		return ino.Dtree
	}
	ino.Dtree = &btree.Tree{
		Pool:      c.pool,
		Ops:       dleaf.Ops{},
		Log:       c.log,
		Stash:     c.stash,
		Alloc:     c.alloc,
		BlockSize: c.blkSize,
		Delta:     delta,
		Root:      ino.Root,
		Depth:     ino.Depth,
	}
	ft := &fileTranslator{cache: c, ino: ino}
	ino.Map = c.pool.NewMap(fmt.Sprintf("inode:%d", ino.Inum), &inodeRefAdapter{ino}, ft.ioFunc)
	ino.Dtree.Map = ino.Map
	if ino.Root == common.NoBlock {
		if err := btree.NewEmpty(ino.Dtree); err == nil {
			ino.Root, ino.Depth = ino.Dtree.Root, ino.Dtree.Depth
		}
	}
	return ino.Dtree
}

// Translator returns ino's data translator, satisfying
// bufvec.Translator for the delta package's flush path.
func (c *Cache) Translator(ino *Inode) *fileTranslator {
	return &fileTranslator{cache: c, ino: ino}
}

// OpenMap pairs a currently cached inode's data map with the translator
// that resolves its logical runs to physical extents.
type OpenMap struct {
	Map *bufcache.Map
	Tr  bufvec.Translator
}

// OpenMaps returns one entry per currently cached inode with an open
// data map, for the delta engine's per-transition member walk (the tux3
// package implements delta.MapSource by combining this with its own
// static itable/atable maps, since neither bufcache nor inode
// keeps a registry of every map ever created).
func (c *Cache) OpenMaps() []OpenMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []OpenMap
	for _, head := range c.table {
		for ino := head; ino != nil; ino = ino.next {
			if ino.Map != nil {
				out = append(out, OpenMap{Map: ino.Map, Tr: &fileTranslator{cache: c, ino: ino}})
			}
		}
	}
	return out
}
