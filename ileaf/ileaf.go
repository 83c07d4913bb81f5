// Package ileaf implements the inode-attribute pack leaf dialect of
// spec.md §4.5: a header, a table of variable-length attribute blobs
// growing up from just after the header, and a dictionary of 16-bit
// end-offsets growing down from the block's tail, indexed by inode
// number relative to the leaf's ibase.
package ileaf

import (
	"encoding/binary"
	"fmt"

	"github.com/tux3fs/tux3fs/common"
)

// headerSize is {magic:16, count:16, ibase:48}.
const headerSize = 10

// dictEntrySize is one 16-bit dictionary offset.
const dictEntrySize = 2

// Header is the decoded form of an ileaf block's fixed header.
type Header struct {
	Count uint16
	Ibase uint64
}

func decodeHeader(leaf []byte) (Header, error) {
	if len(leaf) < headerSize {
		return Header{}, fmt.Errorf("ileaf: block too short")
	}
	magic := binary.BigEndian.Uint16(leaf[0:2])
	if magic != common.MagicIleaf && magic != common.MagicOleaf {
		return Header{}, fmt.Errorf("ileaf: bad magic %#x", magic)
	}
	count := binary.BigEndian.Uint16(leaf[2:4])
	ibase := getUint48(leaf[4:10])
	return Header{Count: count, Ibase: ibase}, nil
}

func getUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func putHeader(leaf []byte, magic uint16, h Header) {
	binary.BigEndian.PutUint16(leaf[0:2], magic)
	binary.BigEndian.PutUint16(leaf[2:4], h.Count)
	putUint48(leaf[4:10], h.Ibase)
}

// dictOffset returns the byte offset of dictionary slot i, counting
// down from the block's tail.
func dictOffset(blockSize, i int) int {
	return blockSize - (i+1)*dictEntrySize
}

func getDict(leaf []byte, i int) uint16 {
	off := dictOffset(len(leaf), i)
	return binary.BigEndian.Uint16(leaf[off : off+2])
}

func putDict(leaf []byte, i int, v uint16) {
	off := dictOffset(len(leaf), i)
	binary.BigEndian.PutUint16(leaf[off:off+2], v)
}

// slotBounds returns [start, end) within the table for entry i, per
// spec.md §4.5: "Entry i covers inode ibase+i at bytes [dict[i-1] (or 0
// if i==0), dict[i])".
func slotBounds(leaf []byte, i int) (int, int) {
	start := headerSize
	if i > 0 {
		start = headerSize + int(getDict(leaf, i-1))
	}
	end := headerSize + int(getDict(leaf, i))
	return start, end
}

// New returns an empty ileaf block with the given magic (MagicIleaf for
// the primary inode tree, MagicOleaf for the overflow attribute tree)
// and ibase.
func New(blockSize int, magic uint16, ibase uint64) []byte {
	leaf := make([]byte, blockSize)
	putHeader(leaf, magic, Header{Count: 0, Ibase: ibase})
	return leaf
}

// freeSpace returns how many bytes remain between the table's high
// water mark and the dictionary's low water mark.
func freeSpace(leaf []byte, h Header) int {
	tableEnd := headerSize
	if h.Count > 0 {
		tableEnd = headerSize + int(getDict(leaf, int(h.Count)-1))
	}
	dictStart := dictOffset(len(leaf), int(h.Count)-1)
	if h.Count == 0 {
		dictStart = len(leaf)
	}
	return dictStart - tableEnd
}

// Lookup returns the attribute bytes stored for inum, or nil if absent
// (spec.md §4.5: "lookup(inum) requires inum >= ibase; returns the
// slice or empty").
func Lookup(leaf []byte, inum uint64) []byte {
	h, err := decodeHeader(leaf)
	if err != nil || inum < h.Ibase {
		return nil
	}
	i := int(inum - h.Ibase)
	if i >= int(h.Count) {
		return nil
	}
	start, end := slotBounds(leaf, i)
	if end <= start {
		return nil // empty slot
	}
	return leaf[start:end]
}

// Resize grows or shrinks inum's slot to newSize bytes, shifting tail
// bytes and patching every later dictionary entry by the size delta.
// It extends the dictionary (replicating the current end offset) if
// inum is beyond the leaf's current count. Returns false if there is
// not enough free space.
func Resize(leaf []byte, inum uint64, newSize int) bool {
	h, err := decodeHeader(leaf)
	if err != nil || inum < h.Ibase {
		return false
	}
	i := int(inum - h.Ibase)

	if i >= int(h.Count) {
		extra := i + 1 - int(h.Count)
		if freeSpace(leaf, h) < extra*dictEntrySize {
			return false
		}
		end := headerSize
		if h.Count > 0 {
			end = headerSize + int(getDict(leaf, int(h.Count)-1))
		}
		for c := int(h.Count); c <= i; c++ {
			putDict(leaf, c, uint16(end-headerSize))
		}
		h.Count = uint16(i + 1)
		putHeader(leaf, magicOf(leaf), h)
	}

	start, end := slotBounds(leaf, i)
	oldSize := end - start
	delta := newSize - oldSize
	if delta > 0 && freeSpace(leaf, h) < delta {
		return false
	}

	tableEnd := headerSize + int(getDict(leaf, int(h.Count)-1))
	tail := append([]byte{}, leaf[end:tableEnd]...)
	copy(leaf[end+delta:end+delta+len(tail)], tail)
	if delta < 0 {
		for k := end + delta + len(tail); k < tableEnd; k++ {
			leaf[k] = 0
		}
	}
	for c := i; c < int(h.Count); c++ {
		putDict(leaf, c, uint16(int(getDict(leaf, c))+delta))
	}
	return true
}

func magicOf(leaf []byte) uint16 { return binary.BigEndian.Uint16(leaf[0:2]) }

// FindFree scans entries at or after start within len slots for a
// zero-length slot, returning its inode number, or ok=false if none
// exists in range (spec.md §4.5's find_free).
func FindFree(leaf []byte, start uint64, length uint64) (uint64, bool) {
	h, err := decodeHeader(leaf)
	if err != nil {
		return 0, false
	}
	from := uint64(0)
	if start > h.Ibase {
		from = start - h.Ibase
	}
	for i := from; i < uint64(h.Count) && i < from+length; i++ {
		s, e := slotBounds(leaf, int(i))
		if e <= s {
			return h.Ibase + i, true
		}
	}
	return 0, false
}

// AttrRecord is one (inum, attrs) pair yielded by Enumerate.
type AttrRecord struct {
	Inum  uint64
	Attrs []byte
}

// Enumerate invokes cb for every nonempty slot with ibase+i in
// [start, start+length).
func Enumerate(leaf []byte, start, length uint64, cb func(AttrRecord)) {
	h, err := decodeHeader(leaf)
	if err != nil {
		return
	}
	for i := 0; i < int(h.Count); i++ {
		inum := h.Ibase + uint64(i)
		if inum < start || inum >= start+length {
			continue
		}
		s, e := slotBounds(leaf, i)
		if e <= s {
			continue
		}
		cb(AttrRecord{Inum: inum, Attrs: leaf[s:e]})
	}
}
