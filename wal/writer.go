package wal

import (
	"github.com/tux3fs/tux3fs/common"
)

// Writer is the backend-only log cache of spec.md §4.4: records are
// appended into the current in-memory block (logpos/logtop in
// original_source/kernel/log.c's terms); when a record would overflow
// the block, the current block is closed and a fresh one started.
// Writer is not safe for concurrent use; the backend is single-writer
// by construction (spec.md §5).
type Writer struct {
	blockSize int
	cur       *Block
	closed    []*Block // finished blocks awaiting physical assignment, oldest first
	pos       int      // bytes used in cur, including header
}

// NewWriter returns a Writer for the given physical block size.
func NewWriter(blockSize int) *Writer {
	w := &Writer{blockSize: blockSize}
	w.next()
	return w
}

func (w *Writer) next() {
	w.cur = &Block{Logchain: common.NoBlock}
	w.pos = headerSize
}

// Append adds one record to the log, starting a new block first if it
// would not fit in the space remaining in the current one.
func (w *Writer) Append(r Record) {
	n := Size(r.Type)
	if w.pos+n > w.blockSize {
		w.finish()
	}
	w.cur.Records = append(w.cur.Records, r)
	w.pos += n
}

// finish closes the current block (even if empty, matching log_finish
// being a no-op safe to call repeatedly) and starts a new one.
func (w *Writer) finish() {
	w.closed = append(w.closed, w.cur)
	w.next()
}

// Intent logs a record with no payload (UNIFY or DELTA).
func (w *Writer) Intent(t Type) { w.Append(Record{Type: t}) }

// Balloc logs LOG_BALLOC: count blocks allocated starting at block,
// reclaimable only at the next unify (spec.md §4.7).
func (w *Writer) Balloc(block common.Block, count uint32) {
	w.Append(Record{Type: Balloc, A: uint64(block), U32: count})
}

// Bfree logs LOG_BFREE: count blocks freed immediately (safe to reuse
// once this delta is committed).
func (w *Writer) Bfree(block common.Block, count uint32) {
	w.Append(Record{Type: Bfree, A: uint64(block), U32: count})
}

// BfreeOnUnify logs LOG_BFREE_ON_UNIFY: blocks freed by this delta that
// must not be reused before the next unify barrier.
func (w *Writer) BfreeOnUnify(block common.Block, count uint32) {
	w.Append(Record{Type: BfreeOnUnify, A: uint64(block), U32: count})
}

// BfreeRelog logs LOG_BFREE_RELOG: deunify's promotion of a prior
// unify's pending frees into the new log (spec.md §4.7).
func (w *Writer) BfreeRelog(block common.Block, count uint32) {
	w.Append(Record{Type: BfreeRelog, A: uint64(block), U32: count})
}

// LeafRedirect logs a CoW redirect of a leaf block.
func (w *Writer) LeafRedirect(old, new common.Block) {
	w.Append(Record{Type: LeafRedirect, A: uint64(old), B: uint64(new)})
}

// LeafFree logs a leaf block being freed after a merge.
func (w *Writer) LeafFree(leaf common.Block) {
	w.Append(Record{Type: LeafFree, A: uint64(leaf)})
}

// BnodeRedirect logs a CoW redirect of an internal node block.
func (w *Writer) BnodeRedirect(old, new common.Block) {
	w.Append(Record{Type: BnodeRedirect, A: uint64(old), B: uint64(new)})
}

// BnodeRoot logs the creation (or depth change) of a tree root.
func (w *Writer) BnodeRoot(depth uint8, root, left, right common.Block, rkey uint64) {
	w.Append(Record{Type: BnodeRoot, Depth: depth, A: uint64(root), B: uint64(left), C: uint64(right), D: rkey})
}

// BnodeSplit logs a bnode split at entry pos, moving the right half
// from src to a fresh dst block.
func (w *Writer) BnodeSplit(pos uint16, src, dst common.Block) {
	w.Append(Record{Type: BnodeSplit, U16: pos, A: uint64(src), B: uint64(dst)})
}

// BnodeAdd logs insertion of a (child, key) index entry into parent.
func (w *Writer) BnodeAdd(parent, child common.Block, key uint64) {
	w.Append(Record{Type: BnodeAdd, A: uint64(parent), B: uint64(child), C: key})
}

// BnodeUpdate logs rewriting of parent's index entry for child to key.
func (w *Writer) BnodeUpdate(parent, child common.Block, key uint64) {
	w.Append(Record{Type: BnodeUpdate, A: uint64(parent), B: uint64(child), C: key})
}

// BnodeMerge logs src being merged into dst.
func (w *Writer) BnodeMerge(src, dst common.Block) {
	w.Append(Record{Type: BnodeMerge, A: uint64(src), B: uint64(dst)})
}

// BnodeDel logs removal of count index entries from bnode starting at key.
func (w *Writer) BnodeDel(count uint16, bnode common.Block, key uint64) {
	w.Append(Record{Type: BnodeDel, U16: count, A: uint64(bnode), B: key})
}

// BnodeAdjust logs adjust_parent_sep: bnode's separator key changes
// from "from" to "to".
func (w *Writer) BnodeAdjust(bnode common.Block, from, to uint64) {
	w.Append(Record{Type: BnodeAdjust, A: uint64(bnode), B: from, C: to})
}

// BnodeFree logs a bnode block being freed after a merge or depth shrink.
func (w *Writer) BnodeFree(bnode common.Block) {
	w.Append(Record{Type: BnodeFree, A: uint64(bnode)})
}

// OrphanAdd logs an inode entering the orphan list (unlinked but still pinned).
func (w *Writer) OrphanAdd(version uint16, inum uint64) {
	w.Append(Record{Type: OrphanAdd, U16: version, A: inum})
}

// OrphanDel logs an inode leaving the orphan list (fully reclaimed).
func (w *Writer) OrphanDel(version uint16, inum uint64) {
	w.Append(Record{Type: OrphanDel, U16: version, A: inum})
}

// Freeblocks logs the allocator's free block count as of this point,
// a checkpoint replay can use to validate its rebuilt bitmap.
func (w *Writer) Freeblocks(count common.Block) {
	w.Append(Record{Type: Freeblocks, A: uint64(count)})
}

// Drain closes the current block if it holds any records and returns
// every completed block in write order, clearing the
// writer's backlog. The caller (the delta package) is responsible for
// assigning physical addresses, chaining Logchain, and issuing the
// writes via bufvec.
func (w *Writer) Drain() []*Block {
	if len(w.cur.Records) > 0 {
		w.finish()
	}
	out := w.closed
	w.closed = nil
	return out
}

// Pending reports how many complete blocks are waiting to be drained.
func (w *Writer) Pending() int {
	n := len(w.closed)
	if len(w.cur.Records) > 0 {
		n++
	}
	return n
}
