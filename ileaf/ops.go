package ileaf

import (
	"github.com/tux3fs/tux3fs/common"
)

// Ops implements btree.LeafOps for the primary inode tree. Overflow
// attribute trees use the same engine with Magic set to
// common.MagicOleaf (spec.md §4.5: "the same engine serves both the
// primary inode tree and a secondary overflow tree").
type Ops struct {
	Magic uint16
}

// WriteRequest sets inum's attribute blob to Attrs, matching spec.md's
// ileaf_attr_ops-typed write (this engine stores the already-encoded
// blob rather than re-deriving encoded_size/encode from a vtable, since
// the inode package is this engine's only caller and encodes attrs
// itself).
type WriteRequest struct {
	Inum  uint64
	Attrs []byte
}

func (o Ops) New(blockSize int, bottom uint64) []byte {
	return New(blockSize, o.Magic, bottom)
}

func (o Ops) Write(leaf []byte, bottom, limit uint64, req any) (bool, uint64, error) {
	r := req.(WriteRequest)
	if !Resize(leaf, r.Inum, len(r.Attrs)) {
		h, _ := decodeHeader(leaf)
		hint := r.Inum
		if h.Count > 0 {
			hint = h.Ibase + uint64(h.Count)/2
			if hint == h.Ibase {
				hint++
			}
		}
		return true, hint, nil
	}
	start, end := slotBounds(leaf, int(r.Inum-headerBase(leaf)))
	copy(leaf[start:end], r.Attrs)
	return false, 0, nil
}

func headerBase(leaf []byte) uint64 {
	h, _ := decodeHeader(leaf)
	return h.Ibase
}

// Split splits at hint's inum unless that equals ibase, bumping by one
// to guarantee distinct ibases, otherwise at the median (spec.md §4.5).
func (o Ops) Split(hint uint64, src, dst []byte) uint64 {
	h, err := decodeHeader(src)
	if err != nil {
		panic(err)
	}
	at := int(hint - h.Ibase)
	if at <= 0 {
		at = 1
	}
	if at >= int(h.Count) {
		at = int(h.Count) / 2
		if at == 0 {
			at = 1
		}
	}

	rightIbase := h.Ibase + uint64(at)
	leftEnd := headerSize
	if at > 0 {
		leftEnd = headerSize + int(getDict(src, at-1))
	}

	right := New(len(dst), o.Magic, rightIbase)
	rh := Header{Ibase: rightIbase}
	rpos := headerSize
	for i := at; i < int(h.Count); i++ {
		s, e := slotBounds(src, i)
		n := e - s
		copy(right[rpos:rpos+n], src[s:e])
		putDict(right, int(rh.Count), uint16(rpos+n-headerSize))
		rpos += n
		rh.Count++
	}
	putHeader(right, o.Magic, rh)
	copy(dst, right)

	lh := Header{Ibase: h.Ibase, Count: uint16(at)}
	left := make([]byte, len(src))
	copy(left[headerSize:leftEnd], src[headerSize:leftEnd])
	for i := 0; i < at; i++ {
		putDict(left, i, getDict(src, i))
	}
	putHeader(left, o.Magic, lh)
	copy(src, left)

	return rightIbase
}

// Merge extends the left leaf's dictionary across the inum gap to
// right's ibase with empty slots, then appends right's payload and
// dictionary, rebased (spec.md §4.5).
func (o Ops) Merge(left, right []byte) bool {
	lh, err := decodeHeader(left)
	if err != nil {
		return false
	}
	rh, err := decodeHeader(right)
	if err != nil {
		return false
	}
	gap := int(rh.Ibase - (lh.Ibase + uint64(lh.Count)))
	if gap < 0 {
		return false
	}

	rPayloadStart := headerSize
	rPayloadEnd := headerSize
	if rh.Count > 0 {
		rPayloadEnd = headerSize + int(getDict(right, int(rh.Count)-1))
	}
	rPayload := right[rPayloadStart:rPayloadEnd]

	lPayloadEnd := headerSize
	if lh.Count > 0 {
		lPayloadEnd = headerSize + int(getDict(left, int(lh.Count)-1))
	}
	needed := (gap+int(rh.Count))*dictEntrySize + len(rPayload)
	if needed > freeSpace(left, lh) {
		return false
	}

	for i := 0; i < gap; i++ {
		putDict(left, int(lh.Count), uint16(lPayloadEnd-headerSize))
		lh.Count++
	}
	copy(left[lPayloadEnd:lPayloadEnd+len(rPayload)], rPayload)
	for i := 0; i < int(rh.Count); i++ {
		putDict(left, int(lh.Count), uint16(lPayloadEnd+int(getDict(right, i))-headerSize))
		lh.Count++
	}
	putHeader(left, o.Magic, lh)
	return true
}

// Chop truncates the leaf at the inode number start, clearing slots at
// or beyond it. Inode attribute slots reference no physical blocks of
// their own, so there is nothing to defer-free.
func (o Ops) Chop(leaf []byte, start uint64) []common.Block {
	h, err := decodeHeader(leaf)
	if err != nil {
		return nil
	}
	i := 0
	if start > h.Ibase {
		i = int(start - h.Ibase)
	}
	if i >= int(h.Count) {
		return nil
	}
	end := headerSize
	if i > 0 {
		end = headerSize + int(getDict(leaf, i-1))
	}
	for k := end; k < len(leaf); k++ {
		if k < headerSize+int(getDict(leaf, int(h.Count)-1)) {
			leaf[k] = 0
		}
	}
	h.Count = uint16(i)
	putHeader(leaf, o.Magic, h)
	return nil
}

// Empty reports whether leaf has no attribute slots left.
func (o Ops) Empty(leaf []byte) bool {
	h, err := decodeHeader(leaf)
	return err == nil && h.Count == 0
}
