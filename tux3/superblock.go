package tux3

import (
	"encoding/binary"
	"fmt"

	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/internal/tux3err"
)

// superblockSize is the on-disk byte size of the superblock record; it
// always occupies physical block 0, regardless of the volume's own
// block size, since mount must be able to read it before blockbits is
// known. 128 bytes comfortably holds every field below with room to
// grow.
const superblockSize = 128

// SuperblockSize returns the fixed on-disk byte size of the superblock
// record, for callers (tux3ctl) that need to size a read buffer before
// BlockBits is known.
func SuperblockSize() int { return superblockSize }

// Superblock is spec.md §6's persistent record: block size, volume
// extent, the log chain's current head and length, the allocator's free
// count, the unify/delta counters, and every tree's root (volmap,
// itable, atable, bitmap, vtable). "volmap" has no root of its own in
// this engine (there is no separate volume-metadata tree distinct from
// itable/atable/bitmap), and "bitmap" is never block-addressed (see
// package alloc's doc comment) — both fields are kept for layout
// fidelity with spec.md §6 and always round-trip as common.NoBlock.
type Superblock struct {
	BlockBits   uint8
	Version     uint32
	TotalBlocks common.Block
	MaxBytes    uint64

	LogchainHead common.Block
	LogCount     uint32
	FreeBlocks   common.Block
	Unify        uint64
	Delta        uint64

	VolmapRoot common.Block
	ItableRoot common.Block
	ItableTree uint32 // depth, packed with a 24-bit reserved field for growth
	AtableRoot common.Block
	AtableTree uint32
	BitmapRoot common.Block
	VtableRoot common.Block

	NextInum uint64
}

// Encode serializes sb into a superblockSize-byte big-endian record
// (spec.md §9: "All on-disk integer fields are big-endian").
func (sb *Superblock) Encode() []byte {
	buf := make([]byte, superblockSize)
	binary.BigEndian.PutUint16(buf[0:2], common.MagicSuper)
	buf[2] = sb.BlockBits
	binary.BigEndian.PutUint32(buf[4:8], sb.Version)
	binary.BigEndian.PutUint64(buf[8:16], uint64(sb.TotalBlocks))
	binary.BigEndian.PutUint64(buf[16:24], sb.MaxBytes)
	binary.BigEndian.PutUint64(buf[24:32], uint64(sb.LogchainHead))
	binary.BigEndian.PutUint32(buf[32:36], sb.LogCount)
	binary.BigEndian.PutUint64(buf[36:44], uint64(sb.FreeBlocks))
	binary.BigEndian.PutUint64(buf[44:52], sb.Unify)
	binary.BigEndian.PutUint64(buf[52:60], sb.Delta)
	binary.BigEndian.PutUint64(buf[60:68], uint64(sb.VolmapRoot))
	binary.BigEndian.PutUint64(buf[68:76], uint64(sb.ItableRoot))
	binary.BigEndian.PutUint32(buf[76:80], sb.ItableTree)
	binary.BigEndian.PutUint64(buf[80:88], uint64(sb.AtableRoot))
	binary.BigEndian.PutUint32(buf[88:92], sb.AtableTree)
	binary.BigEndian.PutUint64(buf[92:100], uint64(sb.BitmapRoot))
	binary.BigEndian.PutUint64(buf[100:108], uint64(sb.VtableRoot))
	binary.BigEndian.PutUint64(buf[108:116], sb.NextInum)
	return buf
}

// DecodeSuperblock parses a superblockSize-byte record back into a
// Superblock, failing with ErrCorrupt on a bad magic (spec.md §7:
// "Corruption detected by sniff").
func DecodeSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < superblockSize {
		return nil, fmt.Errorf("%w: superblock record too short: %d bytes", tux3err.ErrCorrupt, len(raw))
	}
	if magic := binary.BigEndian.Uint16(raw[0:2]); magic != common.MagicSuper {
		return nil, fmt.Errorf("%w: bad superblock magic %#x", tux3err.ErrCorrupt, magic)
	}
	sb := &Superblock{
		BlockBits:    raw[2],
		Version:      binary.BigEndian.Uint32(raw[4:8]),
		TotalBlocks:  common.Block(binary.BigEndian.Uint64(raw[8:16])),
		MaxBytes:     binary.BigEndian.Uint64(raw[16:24]),
		LogchainHead: common.Block(binary.BigEndian.Uint64(raw[24:32])),
		LogCount:     binary.BigEndian.Uint32(raw[32:36]),
		FreeBlocks:   common.Block(binary.BigEndian.Uint64(raw[36:44])),
		Unify:        binary.BigEndian.Uint64(raw[44:52]),
		Delta:        binary.BigEndian.Uint64(raw[52:60]),
		VolmapRoot:   common.Block(binary.BigEndian.Uint64(raw[60:68])),
		ItableRoot:   common.Block(binary.BigEndian.Uint64(raw[68:76])),
		ItableTree:   binary.BigEndian.Uint32(raw[76:80]),
		AtableRoot:   common.Block(binary.BigEndian.Uint64(raw[80:88])),
		AtableTree:   binary.BigEndian.Uint32(raw[88:92]),
		BitmapRoot:   common.Block(binary.BigEndian.Uint64(raw[92:100])),
		VtableRoot:   common.Block(binary.BigEndian.Uint64(raw[100:108])),
		NextInum:     binary.BigEndian.Uint64(raw[108:116]),
	}
	return sb, nil
}
