// Package dleaf implements the dleaf2 leaf dialect of spec.md §4.5: a
// sorted run of (logical, physical) extent pairs terminated by a
// zero-physical sentinel, consumed through the generic btree.LeafOps
// vtable by a file's extent-mapping tree.
package dleaf

import (
	"encoding/binary"
	"fmt"

	"github.com/tux3fs/tux3fs/common"
)

// headerSize is {magic:16, count:16}.
const headerSize = 4

// entrySize is one diskextent2 pair: (verhi:16||logical:48, verlo:16||physical:48).
const entrySize = 16

// extent is the decoded form of one dleaf2 entry. Physical == 0 (and
// thus common.NoBlock is never stored directly; zero itself denotes the
// hole, matching the on-disk sentinel convention) marks a hole.
type extent struct {
	version  uint32 // verhi<<16 | verlo reassembled for convenience
	logical  uint64 // 48 bits
	physical uint64 // 48 bits; 0 == hole
}

func isHole(e extent) bool { return e.physical == 0 }

// Capacity returns how many extents (including the mandatory trailing
// sentinel) fit in a leaf of blockSize bytes.
func Capacity(blockSize int) int {
	return (blockSize - headerSize) / entrySize
}

func decode(leaf []byte) ([]extent, error) {
	if len(leaf) < headerSize {
		return nil, fmt.Errorf("dleaf: block too short")
	}
	magic := binary.BigEndian.Uint16(leaf[0:2])
	if magic != common.MagicDleaf2 {
		return nil, fmt.Errorf("dleaf: bad magic %#x", magic)
	}
	count := int(binary.BigEndian.Uint16(leaf[2:4]))
	out := make([]extent, 0, count)
	off := headerSize
	for i := 0; i < count; i++ {
		if off+entrySize > len(leaf) {
			return nil, fmt.Errorf("dleaf: entry table overruns block")
		}
		w0 := binary.BigEndian.Uint64(leaf[off : off+8])
		w1 := binary.BigEndian.Uint64(leaf[off+8 : off+16])
		verhi := uint32(w0 >> 48)
		logical := w0 & 0xFFFFFFFFFFFF
		verlo := uint32(w1 >> 48)
		physical := w1 & 0xFFFFFFFFFFFF
		out = append(out, extent{version: verhi<<16 | verlo, logical: logical, physical: physical})
		off += entrySize
	}
	return out, nil
}

func encode(leaf []byte, entries []extent) {
	for i := range leaf {
		leaf[i] = 0
	}
	binary.BigEndian.PutUint16(leaf[0:2], common.MagicDleaf2)
	binary.BigEndian.PutUint16(leaf[2:4], uint16(len(entries)))
	off := headerSize
	for _, e := range entries {
		verhi := uint64(e.version >> 16)
		verlo := uint64(e.version & 0xFFFF)
		w0 := verhi<<48 | (e.logical & 0xFFFFFFFFFFFF)
		w1 := verlo<<48 | (e.physical & 0xFFFFFFFFFFFF)
		binary.BigEndian.PutUint64(leaf[off:off+8], w0)
		binary.BigEndian.PutUint64(leaf[off+8:off+16], w1)
		off += entrySize
	}
}

// Segment is one physical run a Lookup/Read call returns.
type Segment struct {
	Count    int // logical blocks covered
	Block    common.Block
	Hole     bool
	Version  uint32
}

// New returns an empty dleaf2 leaf whose sole content is the sentinel
// hole entry at logical offset bottom, spanning to infinity.
func New(blockSize int, bottom uint64) []byte {
	leaf := make([]byte, blockSize)
	encode(leaf, []extent{{logical: bottom, physical: 0}})
	return leaf
}

// Read walks entries from key.start, filling segments until limit,
// segMax, or the entries run out; any uncovered tail becomes one hole
// segment, matching spec.md §4.5's dleaf2 Read.
func Read(leaf []byte, start, limit uint64, segMax int) ([]Segment, error) {
	entries, err := decode(leaf)
	if err != nil {
		return nil, err
	}
	var out []Segment
	pos := start
	for i := 0; i < len(entries) && pos < limit && len(out) < segMax; i++ {
		e := entries[i]
		if e.logical > pos {
			continue // start lies before this entry; covered by the previous one's run
		}
		var next uint64
		if i+1 < len(entries) {
			next = entries[i+1].logical
		} else {
			next = limit
		}
		if next > limit {
			next = limit
		}
		if next <= pos {
			continue
		}
		out = append(out, Segment{
			Count:   int(next - pos),
			Block:   common.Block(e.physical) + common.Block(pos-e.logical),
			Hole:    isHole(e),
			Version: e.version,
		})
		pos = next
	}
	if pos < limit {
		out = append(out, Segment{Count: int(limit - pos), Hole: true})
	}
	return out, nil
}

// WriteRequest describes a run of newly-allocated physical segments to
// install at [Start, Start+Len) (spec.md §4.5's dleaf_req).
type WriteRequest struct {
	Start   uint64
	Len     uint64
	Version uint32
	Alloc   func(n int) ([]common.Block, error)
}
