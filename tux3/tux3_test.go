package tux3

import (
	"bytes"
	"sync"
	"testing"

	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/devio"
	"github.com/tux3fs/tux3fs/inode"
)

const testBlockSize = 4096

func newTestInstance(t *testing.T) (*Instance, *devio.MemDevice) {
	t.Helper()
	dev := devio.NewMemDevice(testBlockSize * 4096)
	ins, err := New(dev, Config{BlockSize: testBlockSize, TotalBlocks: 4096, UnifyThreshold: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ins, dev
}

// Scenario 1 (spec.md §8): create a file, write data, commit, reopen by
// inum, and read the data back unchanged.
func TestCreateWriteCommitReread(t *testing.T) {
	ins, _ := newTestInstance(t)

	ino, err := ins.CreateFile(inode.Attrs{Mode: 0o644, Nlink: 1})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	inum := ino.Inum

	want := []byte("the quick brown fox jumps over the lazy dog")
	if err := ins.Write(ino, 100, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ins.Close(ino)

	if err := ins.Commit(false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reopened, err := ins.Open(inum)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := make([]byte, len(want))
	if err := ins.Read(reopened, 100, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("read back %q, want %q", got, want)
	}
	ins.Close(reopened)
}

// Scenario (spec.md §8): a write spanning a partial leading block, a
// full middle block and a partial trailing block reads back correctly,
// and bytes outside the write stay zero.
func TestPartialBlockWrite(t *testing.T) {
	ins, _ := newTestInstance(t)
	ino, err := ins.CreateFile(inode.Attrs{Mode: 0o644, Nlink: 1})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	off := uint64(testBlockSize) - 10
	data := make([]byte, testBlockSize+20)
	for i := range data {
		data[i] = byte(i)
	}
	if err := ins.Write(ino, off, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(data))
	if err := ins.Read(ino, off, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], data[i])
		}
	}

	zero := make([]byte, 4)
	if err := ins.Read(ino, 0, zero); err != nil {
		t.Fatalf("Read leading hole: %v", err)
	}
	for _, b := range zero {
		if b != 0 {
			t.Fatalf("leading hole not zero: %v", zero)
		}
	}
	ins.Close(ino)
}

// Scenario (spec.md §8): unlinking an open file's last hard link orphans
// it; after commit, a remount replays the orphan record and runs the
// orphan sweep without error.
func TestUnlinkOrphansAcrossRemount(t *testing.T) {
	ins, dev := newTestInstance(t)

	ino, err := ins.CreateFile(inode.Attrs{Mode: 0o644, Nlink: 1})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := ins.Write(ino, 0, []byte("orphaned content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ins.Unlink(ino); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	ins.Close(ino)

	if err := ins.Commit(true); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	remounted, err := Mount(dev, Config{UnifyThreshold: 8})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if remounted.BlockSize() != testBlockSize {
		t.Fatalf("BlockSize = %d, want %d", remounted.BlockSize(), testBlockSize)
	}
}

// Scenario 5 (spec.md §8): truncating a file down frees its tail
// blocks, FreeBlocks increases to reflect the reclaimed space after
// commit, the surviving leading block's contents are untouched, and
// reading back into the chopped range returns a hole rather than the
// old data.
func TestTruncateFreesBlocks(t *testing.T) {
	ins, _ := newTestInstance(t)
	ino, err := ins.CreateFile(inode.Attrs{Mode: 0o644, Nlink: 1})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	big := make([]byte, testBlockSize*8)
	for i := range big {
		big[i] = byte(i/testBlockSize) + 1
	}
	if err := ins.Write(ino, 0, big); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ins.Commit(false); err != nil {
		t.Fatalf("Commit after write: %v", err)
	}
	before := ins.bitmap.FreeBlocks()

	if err := ins.Truncate(ino, testBlockSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if err := ins.Commit(false); err != nil {
		t.Fatalf("Commit after truncate: %v", err)
	}
	after := ins.bitmap.FreeBlocks()

	if after <= before {
		t.Fatalf("FreeBlocks after truncate = %d, want more than %d", after, before)
	}

	head := make([]byte, testBlockSize)
	if err := ins.Read(ino, 0, head); err != nil {
		t.Fatalf("Read surviving block: %v", err)
	}
	for _, b := range head {
		if b != 1 {
			t.Fatalf("surviving block corrupted by truncate: found byte %d, want 1", b)
		}
	}

	hole := make([]byte, testBlockSize)
	if err := ins.Read(ino, testBlockSize, hole); err != nil {
		t.Fatalf("Read chopped range: %v", err)
	}
	for i, b := range hole {
		if b != 0 {
			t.Fatalf("chopped range byte %d = %d, want 0 (hole)", i, b)
		}
	}
	ins.Close(ino)
}

// Scenario (spec.md §8): a remount after a clean unify replays to the
// same superblock roots and the volume's file content survives.
func TestMountRoundTripsContent(t *testing.T) {
	ins, dev := newTestInstance(t)
	ino, err := ins.CreateFile(inode.Attrs{Mode: 0o644, Nlink: 1})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	inum := ino.Inum
	want := []byte("persisted across mount")
	if err := ins.Write(ino, 0, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ins.Close(ino)
	if err := ins.Commit(true); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	remounted, err := Mount(dev, Config{UnifyThreshold: 8})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	reopened, err := remounted.Open(inum)
	if err != nil {
		t.Fatalf("Open after mount: %v", err)
	}
	got := make([]byte, len(want))
	if err := remounted.Read(reopened, 0, got); err != nil {
		t.Fatalf("Read after mount: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("read back %q after mount, want %q", got, want)
	}
	remounted.Close(reopened)
}

// Scenario (spec.md §8): Stats reports nonzero pool activity after a
// handful of operations, confirming the diagnostic surface is actually
// wired to the pool rather than stubbed.
func TestStatsReflectsActivity(t *testing.T) {
	ins, _ := newTestInstance(t)
	ino, err := ins.CreateFile(inode.Attrs{Mode: 0o644, Nlink: 1})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := ins.Write(ino, 0, []byte("stats")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ins.Close(ino)

	st := ins.Stats()
	if st.Allocated == 0 {
		t.Fatalf("Stats() reported no activity: %+v", st)
	}
}

// blockingDevice wraps a devio.BlockDevice and parks the first call to
// WritevAt until release is closed, signalling arrival via entered.
// Used to pin a delta transition's flush mid-flight so a second
// frontend write can land on the next delta while the first is still
// being written out (Scenario 2, spec.md §8).
type blockingDevice struct {
	devio.BlockDevice
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingDevice(dev devio.BlockDevice) *blockingDevice {
	return &blockingDevice{BlockDevice: dev, entered: make(chan struct{}), release: make(chan struct{})}
}

func (d *blockingDevice) WritevAt(segs []devio.IOSegment) error {
	d.once.Do(func() {
		close(d.entered)
		<-d.release
	})
	return d.BlockDevice.WritevAt(segs)
}

// Scenario 2 (spec.md §8): two writers on the same buffer across a
// delta. The first write is committed, but the flusher is blocked
// mid-write; a second write to the same block lands on the next
// delta before the flusher resumes. The flusher must still write the
// previous delta's content, while the frontend and a subsequent
// remount both see the newer write.
func TestWriteAcrossBlockedFlushDelta(t *testing.T) {
	mem := devio.NewMemDevice(testBlockSize * 4096)
	bd := newBlockingDevice(mem)
	ins, err := New(bd, Config{BlockSize: testBlockSize, TotalBlocks: 4096, UnifyThreshold: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ino, err := ins.CreateFile(inode.Attrs{Mode: 0o644, Nlink: 1})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	inum := ino.Inum

	first := bytes.Repeat([]byte{0xAA}, testBlockSize)
	if err := ins.Write(ino, 0, first); err != nil {
		t.Fatalf("Write first: %v", err)
	}

	commitErr := make(chan error, 1)
	go func() { commitErr <- ins.Commit(false) }()
	<-bd.entered

	second := bytes.Repeat([]byte{0xBB}, testBlockSize)
	if err := ins.Write(ino, 0, second); err != nil {
		t.Fatalf("Write second: %v", err)
	}
	close(bd.release)
	if err := <-commitErr; err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got := make([]byte, testBlockSize)
	if err := ins.Read(ino, 0, got); err != nil {
		t.Fatalf("Read after racing write: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatalf("frontend read after blocked flush did not see newest write")
	}
	ins.Close(ino)

	if err := ins.Commit(true); err != nil {
		t.Fatalf("Commit second delta: %v", err)
	}

	remounted, err := Mount(bd, Config{UnifyThreshold: 8})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	reopened, err := remounted.Open(inum)
	if err != nil {
		t.Fatalf("Open after mount: %v", err)
	}
	got = make([]byte, testBlockSize)
	if err := remounted.Read(reopened, 0, got); err != nil {
		t.Fatalf("Read after mount: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatalf("remount did not preserve the winning write across the blocked flush")
	}
	remounted.Close(reopened)
}

// Scenario 3 (spec.md §8): a sparse write 1 MiB into a fresh file
// leaves a hole from offset 0 up to the write, and the written range
// reads back unchanged; reading through the hole and into the data in
// one call must see the boundary land in the right place.
func TestSparseWriteHoleReadback(t *testing.T) {
	ins, _ := newTestInstance(t)
	ino, err := ins.CreateFile(inode.Attrs{Mode: 0o644, Nlink: 1})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	const off = uint64(1) << 20
	want := bytes.Repeat([]byte{0x61}, testBlockSize)
	if err := ins.Write(ino, off, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ins.Commit(false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got := make([]byte, off+uint64(len(want)))
	if err := ins.Read(ino, 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := uint64(0); i < off; i++ {
		if got[i] != 0 {
			t.Fatalf("hole byte %d = %d, want 0", i, got[i])
		}
	}
	if !bytes.Equal(got[off:], want) {
		t.Fatalf("data after hole corrupted")
	}
	ins.Close(ino)
}

// Scenario 4 (spec.md §8): with a small block size forcing a leaf
// capacity of 7 dleaf entries, writing 7 contiguous single-block
// extents starting at block 0 fits in one leaf (6 extents plus the
// trailing hole sentinel), but the 7th contiguous block overflows it
// and forces a split, growing the tree's depth. Every block must still
// read back correctly across the split.
func TestContiguousWriteSplitsLeaf(t *testing.T) {
	const smallBlock = 128 // dleaf.Capacity(128) == (128-4)/16 == 7
	dev := devio.NewMemDevice(smallBlock * 4096)
	ins, err := New(dev, Config{BlockSize: smallBlock, TotalBlocks: 4096, UnifyThreshold: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ino, err := ins.CreateFile(inode.Attrs{Mode: 0o644, Nlink: 1})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	const blocks = 7
	data := make([]byte, smallBlock*blocks)
	for i := range data {
		data[i] = byte(i / smallBlock)
	}

	for i := 0; i < blocks-1; i++ {
		chunk := data[i*smallBlock : (i+1)*smallBlock]
		if err := ins.Write(ino, uint64(i*smallBlock), chunk); err != nil {
			t.Fatalf("Write block %d: %v", i, err)
		}
	}
	if ino.Depth != 0 {
		t.Fatalf("depth = %d after %d contiguous blocks, want 0 (no split yet)", ino.Depth, blocks-1)
	}

	last := data[(blocks-1)*smallBlock : blocks*smallBlock]
	if err := ins.Write(ino, uint64((blocks-1)*smallBlock), last); err != nil {
		t.Fatalf("Write final block: %v", err)
	}
	if ino.Depth == 0 {
		t.Fatalf("depth stayed 0 after %d contiguous blocks, want a leaf split", blocks)
	}

	got := make([]byte, len(data))
	if err := ins.Read(ino, 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch across split boundary")
	}
	ins.Close(ino)
}

// Scenario 6 (spec.md §8): a crash between the log blocks landing and
// the superblock write must leave the uncommitted delta's effects
// invisible after remount, since the superblock is the sole durability
// barrier (spec.md §4.7/§7). This simulates the crash by calling the
// engine's Transition directly, bypassing Instance.Commit's final
// writeSuperblock.
func TestCrashBeforeSuperblockWriteIsInvisible(t *testing.T) {
	dev := devio.NewMemDevice(testBlockSize * 4096)
	ins, err := New(dev, Config{BlockSize: testBlockSize, TotalBlocks: 4096, UnifyThreshold: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ino, err := ins.CreateFile(inode.Attrs{Mode: 0o644, Nlink: 1})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	inum := ino.Inum
	if err := ins.Commit(true); err != nil {
		t.Fatalf("Commit (establish inode): %v", err)
	}

	doomed := bytes.Repeat([]byte{0x7E}, testBlockSize*2)
	if err := ins.Write(ino, 0, doomed); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := ins.engine.Transition(ins, false); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	ins.Close(ino)
	// Deliberately skip ins.writeSuperblock: the superblock on dev still
	// names the pre-write root, simulating a crash after the log blocks
	// land but before the commit barrier.

	remounted, err := Mount(dev, Config{UnifyThreshold: 8})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	reopened, err := remounted.Open(inum)
	if err != nil {
		t.Fatalf("Open after simulated crash: %v", err)
	}
	if reopened.Attrs.Size != 0 {
		t.Fatalf("Attrs.Size = %d after simulated crash, want 0", reopened.Attrs.Size)
	}
	if reopened.Depth != 0 || reopened.Root != common.NoBlock {
		t.Fatalf("data tree not empty after simulated crash: depth=%d root=%v", reopened.Depth, reopened.Root)
	}
	got := make([]byte, testBlockSize)
	if err := remounted.Read(reopened, 0, got); err != nil {
		t.Fatalf("Read after simulated crash: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %d after simulated crash, want 0", i, b)
		}
	}
	remounted.Close(reopened)
}
