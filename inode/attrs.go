package inode

import "encoding/binary"

// attrsSize is the fixed-width encoding of Attrs: mode:4, uid:4, gid:4,
// nlink:4, rdev:4, size:8, mtime:8, ctime:8, version:4 (spec.md §3's
// inode attribute set, packed the way ileaf's variable-length slot
// expects an already-encoded blob).
const attrsSize = 4 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 4

// Attrs holds the POSIX-like attributes spec.md §3 lists for an inode.
type Attrs struct {
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Nlink   uint32
	Rdev    uint32
	Size    uint64
	Mtime   int64
	Ctime   int64
	Version uint32
}

func encodeAttrs(a Attrs) []byte {
	b := make([]byte, attrsSize)
	binary.BigEndian.PutUint32(b[0:4], a.Mode)
	binary.BigEndian.PutUint32(b[4:8], a.Uid)
	binary.BigEndian.PutUint32(b[8:12], a.Gid)
	binary.BigEndian.PutUint32(b[12:16], a.Nlink)
	binary.BigEndian.PutUint32(b[16:20], a.Rdev)
	binary.BigEndian.PutUint64(b[20:28], a.Size)
	binary.BigEndian.PutUint64(b[28:36], uint64(a.Mtime))
	binary.BigEndian.PutUint64(b[36:44], uint64(a.Ctime))
	binary.BigEndian.PutUint32(b[44:48], a.Version)
	return b
}

func decodeAttrs(b []byte) Attrs {
	var a Attrs
	if len(b) < attrsSize {
		return a
	}
	a.Mode = binary.BigEndian.Uint32(b[0:4])
	a.Uid = binary.BigEndian.Uint32(b[4:8])
	a.Gid = binary.BigEndian.Uint32(b[8:12])
	a.Nlink = binary.BigEndian.Uint32(b[12:16])
	a.Rdev = binary.BigEndian.Uint32(b[16:20])
	a.Size = binary.BigEndian.Uint64(b[20:28])
	a.Mtime = int64(binary.BigEndian.Uint64(b[28:36]))
	a.Ctime = int64(binary.BigEndian.Uint64(b[36:44]))
	a.Version = binary.BigEndian.Uint32(b[44:48])
	return a
}
