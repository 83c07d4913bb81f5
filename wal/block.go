package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/tux3fs/tux3fs/common"
)

// headerSize is the on-disk size of a log block's header: magic(2) +
// logchain(8) + bytes(2), matching the struct logblock layout implied
// by original_source/kernel/log.c's log_finish/log_next.
const headerSize = 12

// Block is one physical log block: a header plus a run of serially
// encoded records.
type Block struct {
	Logchain common.Block // physical address of the previous log block, or NoBlock
	Records  []Record
}

// Encode writes b into a buffer of exactly blockSize bytes, zero-padding
// the remainder per log_finish's memset of the unused tail.
func (b *Block) Encode(blockSize int) []byte {
	buf := make([]byte, blockSize)
	binary.BigEndian.PutUint16(buf[0:2], common.MagicLog)
	binary.BigEndian.PutUint64(buf[2:10], uint64(b.Logchain))

	pos := headerSize
	for _, r := range b.Records {
		pos = len(Encode(buf[:pos], r))
	}
	binary.BigEndian.PutUint16(buf[10:12], uint16(pos-headerSize))
	return buf
}

// DecodeBlock parses a physical log block back into its header and
// record list, stopping at the recorded payload length.
func DecodeBlock(raw []byte) (*Block, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("wal: log block too short: %d bytes", len(raw))
	}
	magic := binary.BigEndian.Uint16(raw[0:2])
	if magic != common.MagicLog {
		return nil, fmt.Errorf("wal: bad log block magic %#x", magic)
	}
	chain := common.Block(binary.BigEndian.Uint64(raw[2:10]))
	n := int(binary.BigEndian.Uint16(raw[10:12]))
	if headerSize+n > len(raw) {
		return nil, fmt.Errorf("wal: log block payload length %d exceeds block", n)
	}
	payload := raw[headerSize : headerSize+n]

	b := &Block{Logchain: chain}
	for len(payload) > 0 {
		r, consumed, err := Decode(payload)
		if err != nil {
			return nil, err
		}
		b.Records = append(b.Records, r)
		payload = payload[consumed:]
	}
	return b, nil
}
