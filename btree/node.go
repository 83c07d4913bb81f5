// Package btree implements the generic, variable-depth copy-on-write
// index of spec.md §4.4: cursor-based traversal, redirect-on-write, and
// split/merge propagation, parametrized over a leaf dialect via LeafOps.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/tux3fs/tux3fs/common"
)

// entrySize is the wire size of one bnode index entry: {key:64, block:64}.
const entrySize = 16

// nodeHeaderSize is {magic:16, pad:16, count:32}.
const nodeHeaderSize = 8

// entry is one (key, child) index pair in a bnode.
type entry struct {
	key   uint64
	block common.Block
}

// node is the decoded form of one internal (non-leaf) block (spec.md
// §4.4's bnode format). Entry 0's key is never compared: it is
// logically the parent separator, or zero at the root.
type node struct {
	entries []entry
}

func decodeNode(raw []byte) (*node, error) {
	if len(raw) < nodeHeaderSize {
		return nil, fmt.Errorf("btree: bnode block too short")
	}
	magic := binary.BigEndian.Uint16(raw[0:2])
	if magic != common.MagicBnode {
		return nil, fmt.Errorf("btree: bad bnode magic %#x", magic)
	}
	count := binary.BigEndian.Uint32(raw[4:8])
	n := &node{entries: make([]entry, 0, count)}
	off := nodeHeaderSize
	for i := uint32(0); i < count; i++ {
		if off+entrySize > len(raw) {
			return nil, fmt.Errorf("btree: bnode entry table overruns block")
		}
		key := binary.BigEndian.Uint64(raw[off : off+8])
		block := common.Block(binary.BigEndian.Uint64(raw[off+8 : off+16]))
		n.entries = append(n.entries, entry{key, block})
		off += entrySize
	}
	return n, nil
}

func (n *node) encode(raw []byte) {
	for i := range raw {
		raw[i] = 0
	}
	binary.BigEndian.PutUint16(raw[0:2], common.MagicBnode)
	binary.BigEndian.PutUint32(raw[4:8], uint32(len(n.entries)))
	off := nodeHeaderSize
	for _, e := range n.entries {
		binary.BigEndian.PutUint64(raw[off:off+8], e.key)
		binary.BigEndian.PutUint64(raw[off+8:off+16], uint64(e.block))
		off += entrySize
	}
}

func nodeCapacity(blockSize int) int {
	return (blockSize - nodeHeaderSize) / entrySize
}

// find returns the index of the rightmost entry whose key <= key, or -1
// if key is before entries[0] (which never happens for a correctly
// formed tree, since entry 0 has no key constraint).
func (n *node) find(key uint64) int {
	lo, hi := 0, len(n.entries)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if mid == 0 || n.entries[mid].key <= key {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// insertAt inserts a new (key, block) entry at position i, shifting
// later entries right.
func (n *node) insertAt(i int, e entry) {
	n.entries = append(n.entries, entry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

// removeAt deletes the entry at position i.
func (n *node) removeAt(i int) {
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
}
