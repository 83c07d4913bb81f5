package replay

import (
	"sync"
	"testing"

	"github.com/tux3fs/tux3fs/alloc"
	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/devio"
	"github.com/tux3fs/tux3fs/wal"
)

type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func newMemDevice(size int) *memDevice { return &memDevice{data: make([]byte, size)} }

func (d *memDevice) ReadAt(off int64, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(p, d.data[off:int(off)+len(p)])
	return nil
}

func (d *memDevice) WriteAt(off int64, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.data[off:int(off)+len(p)], p)
	return nil
}

func (d *memDevice) ReadvAt(segs []devio.IOSegment) error {
	for _, s := range segs {
		if err := d.ReadAt(s.Off, s.Data); err != nil {
			return err
		}
	}
	return nil
}

func (d *memDevice) WritevAt(segs []devio.IOSegment) error {
	for _, s := range segs {
		if err := d.WriteAt(s.Off, s.Data); err != nil {
			return err
		}
	}
	return nil
}

func (d *memDevice) Size() (int64, error) { return int64(len(d.data)), nil }
func (d *memDevice) Close() error         { return nil }

var _ devio.BlockDevice = (*memDevice)(nil)

// writeChain writes blocks to dev starting at physical address start,
// one per block, chaining each to the previous and returning the head
// address (the last block written), mirroring what delta.Engine's
// writeLogBlocks does at commit time.
func writeChain(t *testing.T, dev *memDevice, blockSize int, start common.Block, blocks []*wal.Block) common.Block {
	t.Helper()
	head := common.NoBlock
	addr := start
	for _, b := range blocks {
		b.Logchain = head
		raw := b.Encode(blockSize)
		if err := dev.WriteAt(int64(addr)*int64(blockSize), raw); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
		head = addr
		addr++
	}
	return head
}

func TestReadChainOrdersOldestFirst(t *testing.T) {
	const blockSize = 256
	dev := newMemDevice(10 * blockSize)

	b0 := &wal.Block{}
	b0.Records = append(b0.Records, wal.Record{Type: wal.Delta})
	b1 := &wal.Block{}
	b1.Records = append(b1.Records, wal.Record{Type: wal.Unify})

	head := writeChain(t, dev, blockSize, 0, []*wal.Block{b0, b1})

	chain, err := ReadChain(dev, blockSize, head)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("len(chain) = %d, want 2", len(chain))
	}
	if chain[0].Records[0].Type != wal.Delta || chain[1].Records[0].Type != wal.Unify {
		t.Fatalf("chain not oldest-first: %v, %v", chain[0].Records[0].Type, chain[1].Records[0].Type)
	}
}

func TestReadChainEmptyHead(t *testing.T) {
	dev := newMemDevice(256)
	chain, err := ReadChain(dev, 256, common.NoBlock)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("len(chain) = %d, want 0", len(chain))
	}
}

func TestApplyRebuildsBitmapAndOrphans(t *testing.T) {
	bitmap := alloc.New(common.Block(100), common.Block(10))
	freeBefore := bitmap.FreeBlocks()

	allocated, err := bitmap.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	bitmap.Free(allocated[0], 4)
	if bitmap.FreeBlocks() != freeBefore {
		t.Fatalf("setup: FreeBlocks = %d, want %d", bitmap.FreeBlocks(), freeBefore)
	}

	fresh := alloc.New(common.Block(100), common.Block(10))

	b0 := &wal.Block{}
	b0.Records = append(b0.Records,
		wal.Record{Type: wal.Balloc, A: uint64(allocated[0]), U32: 4},
		wal.Record{Type: wal.OrphanAdd, A: 42},
		wal.Record{Type: wal.OrphanAdd, A: 7},
	)
	b1 := &wal.Block{}
	b1.Records = append(b1.Records,
		wal.Record{Type: wal.Bfree, A: uint64(allocated[0]), U32: 4},
		wal.Record{Type: wal.OrphanDel, A: 7},
		wal.Record{Type: wal.Delta},
	)

	st, err := Apply([]*wal.Block{b0, b1}, fresh)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !st.Orphans.Contains(42) {
		t.Fatalf("orphan 42 missing after replay")
	}
	if st.Orphans.Contains(7) {
		t.Fatalf("orphan 7 should have been removed by its ORPHAN_DEL")
	}
	if fresh.FreeBlocks() != freeBefore {
		t.Fatalf("replayed FreeBlocks = %d, want %d", fresh.FreeBlocks(), freeBefore)
	}
	if st.Stats.Blocks != 2 || st.Stats.Records != 6 || st.Stats.Deltas != 1 {
		t.Fatalf("stats = %+v, want Blocks=2 Records=6 Deltas=1", st.Stats)
	}
}

func TestApplyIgnoresStructuralRecords(t *testing.T) {
	bitmap := alloc.New(common.Block(50), common.Block(5))
	b := &wal.Block{}
	b.Records = append(b.Records,
		wal.Record{Type: wal.LeafRedirect, A: 1, B: 2},
		wal.Record{Type: wal.BnodeSplit, U16: 3, A: 4, B: 5},
		wal.Record{Type: wal.BnodeRoot, Depth: 1, A: 6, B: 7, C: 8, D: 9},
	)
	st, err := Apply([]*wal.Block{b}, bitmap)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if st.Stats.Records != 3 {
		t.Fatalf("Records = %d, want 3", st.Stats.Records)
	}
}

func TestRunEndToEnd(t *testing.T) {
	const blockSize = 256
	dev := newMemDevice(20 * blockSize)

	b0 := &wal.Block{}
	b0.Records = append(b0.Records, wal.Record{Type: wal.OrphanAdd, A: 99})
	head := writeChain(t, dev, blockSize, 0, []*wal.Block{b0})

	bitmap := alloc.New(common.Block(50), common.Block(5))
	st, err := Run(dev, blockSize, head, bitmap)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !st.Orphans.Contains(99) {
		t.Fatalf("orphan 99 missing after Run")
	}
}
