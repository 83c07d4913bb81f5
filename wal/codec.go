package wal

import "fmt"

// Record is a decoded log entry. Not every field is meaningful for
// every Type; see Encode/Decode for the exact layout per type, grounded
// on original_source/kernel/log.c's log_u48/log_u16_u48/... family.
type Record struct {
	Type  Type
	Depth uint8  // BnodeRoot only
	U16   uint16 // version / pos / count, depending on Type
	U32   uint32 // block count, Balloc family only
	A     uint64
	B     uint64
	C     uint64
	D     uint64 // BnodeRoot's right-key field only
}

// Encode appends r's wire form to dst and returns the result. The
// caller is responsible for ensuring dst has room (Size(r.Type) bytes)
// before the log block boundary; WAL writers split to a new block
// first via Writer.
func Encode(dst []byte, r Record) []byte {
	dst = append(dst, byte(r.Type))
	switch r.Type {
	case Balloc, Bfree, BfreeOnUnify, BfreeRelog:
		var tmp [10]byte
		b := putUint32(tmp[:4], r.U32)
		putUint48(b, r.A)
		dst = append(dst, tmp[:]...)
	case LeafRedirect, BnodeRedirect, BnodeMerge:
		var tmp [12]byte
		b := putUint48(tmp[:6], r.A)
		putUint48(b, r.B)
		dst = append(dst, tmp[:]...)
	case LeafFree, BnodeFree, Freeblocks:
		var tmp [6]byte
		putUint48(tmp[:], r.A)
		dst = append(dst, tmp[:]...)
	case BnodeRoot:
		var tmp [25]byte
		tmp[0] = r.Depth
		b := putUint48(tmp[1:7], r.A)
		b = putUint48(b, r.B)
		b = putUint48(b, r.C)
		putUint48(b, r.D)
		dst = append(dst, tmp[:]...)
	case BnodeSplit:
		var tmp [14]byte
		b := putUint16(tmp[:2], r.U16)
		b = putUint48(b, r.A)
		putUint48(b, r.B)
		dst = append(dst, tmp[:]...)
	case BnodeAdd, BnodeUpdate, BnodeAdjust:
		var tmp [18]byte
		b := putUint48(tmp[:6], r.A)
		b = putUint48(b, r.B)
		putUint48(b, r.C)
		dst = append(dst, tmp[:]...)
	case BnodeDel:
		var tmp [14]byte
		b := putUint16(tmp[:2], r.U16)
		b = putUint48(b, r.A)
		putUint48(b, r.B)
		dst = append(dst, tmp[:]...)
	case OrphanAdd, OrphanDel:
		var tmp [8]byte
		b := putUint16(tmp[:2], r.U16)
		putUint48(b, r.A)
		dst = append(dst, tmp[:]...)
	case Unify, Delta:
		// type byte only
	default:
		panic(fmt.Sprintf("wal: Encode: unknown record type %d", r.Type))
	}
	return dst
}

// Decode reads one record starting at data[0] (the type byte) and
// returns it along with the number of bytes consumed.
func Decode(data []byte) (Record, int, error) {
	if len(data) == 0 {
		return Record{}, 0, fmt.Errorf("wal: Decode: empty input")
	}
	t := Type(data[0])
	if t == 0 || t >= numTypes {
		return Record{}, 0, fmt.Errorf("wal: Decode: invalid record type %d", data[0])
	}
	n := Size(t)
	if len(data) < n {
		return Record{}, 0, fmt.Errorf("wal: Decode: truncated %s record", t)
	}
	body := data[1:n]
	r := Record{Type: t}
	switch t {
	case Balloc, Bfree, BfreeOnUnify, BfreeRelog:
		r.U32 = getUint32(body[:4])
		r.A = getUint48(body[4:10])
	case LeafRedirect, BnodeRedirect, BnodeMerge:
		r.A = getUint48(body[:6])
		r.B = getUint48(body[6:12])
	case LeafFree, BnodeFree, Freeblocks:
		r.A = getUint48(body[:6])
	case BnodeRoot:
		r.Depth = body[0]
		r.A = getUint48(body[1:7])
		r.B = getUint48(body[7:13])
		r.C = getUint48(body[13:19])
		r.D = getUint48(body[19:25])
	case BnodeSplit:
		r.U16 = getUint16(body[:2])
		r.A = getUint48(body[2:8])
		r.B = getUint48(body[8:14])
	case BnodeAdd, BnodeUpdate, BnodeAdjust:
		r.A = getUint48(body[:6])
		r.B = getUint48(body[6:12])
		r.C = getUint48(body[12:18])
	case BnodeDel:
		r.U16 = getUint16(body[:2])
		r.A = getUint48(body[2:8])
		r.B = getUint48(body[8:14])
	case OrphanAdd, OrphanDel:
		r.U16 = getUint16(body[:2])
		r.A = getUint48(body[2:8])
	case Unify, Delta:
		// no payload
	}
	return r, n, nil
}
