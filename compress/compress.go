// Package compress is the external pass described in spec.md §9: it
// sees a contiguous stride of block-sized data at flush time and
// returns an opaque blob; on read it is handed the same blob and the
// expected block count and must reconstruct the stride exactly. It
// never sees or rewrites logical-to-physical extent mappings, resolving
// the inconsistency noted in spec.md §9 by construction.
package compress

import "github.com/golang/snappy"

// Codec compresses and decompresses a contiguous run of blockSize-sized
// blocks as a single opaque stride.
type Codec interface {
	// Encode compresses stride, whose length is a multiple of blockSize.
	Encode(stride []byte) []byte

	// Decode decompresses data back into nblocks*blockSize bytes.
	Decode(data []byte, nblocks, blockSize int) ([]byte, error)
}

// Snappy is a snappy-backed Codec, grounded directly in the teacher's own
// freezer-table compression (core/rawdb/prunedfreezer.go's
// chainFreezerNoSnappy table list implies snappy-compressed tables
// elsewhere in the same package).
type Snappy struct{}

func (Snappy) Encode(stride []byte) []byte {
	return snappy.Encode(nil, stride)
}

func (Snappy) Decode(data []byte, nblocks, blockSize int) ([]byte, error) {
	out, err := snappy.Decode(make([]byte, 0, nblocks*blockSize), data)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// None is a passthrough Codec used by tests and by volumes mounted
// without compression.
type None struct{}

func (None) Encode(stride []byte) []byte { return stride }

func (None) Decode(data []byte, nblocks, blockSize int) ([]byte, error) {
	return data, nil
}
