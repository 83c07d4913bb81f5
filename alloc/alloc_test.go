package alloc

import (
	"testing"

	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/wal"
)

func TestAllocMarksUsedAndTracksFree(t *testing.T) {
	b := New(100, 1)
	if b.FreeBlocks() != 99 {
		t.Fatalf("FreeBlocks = %d, want 99", b.FreeBlocks())
	}
	blocks, err := b.Alloc(5)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(blocks) != 5 {
		t.Fatalf("Alloc returned %d blocks, want 5", len(blocks))
	}
	seen := map[common.Block]bool{}
	for _, bl := range blocks {
		if seen[bl] {
			t.Fatalf("duplicate block %d", bl)
		}
		seen[bl] = true
	}
	if b.FreeBlocks() != 94 {
		t.Fatalf("FreeBlocks after alloc = %d, want 94", b.FreeBlocks())
	}
}

func TestAllocFailsAtCapacity(t *testing.T) {
	b := New(10, 0)
	if _, err := b.Alloc(10); err != nil {
		t.Fatalf("Alloc(10) on empty 10-block bitmap: %v", err)
	}
	if _, err := b.Alloc(1); err == nil {
		t.Fatalf("expected ENOSPC-equivalent error allocating past capacity")
	}
}

func TestFreeThenReallocate(t *testing.T) {
	b := New(10, 0)
	blocks, _ := b.Alloc(3)
	b.Free(blocks[0], 1)
	if b.FreeBlocks() != 8 {
		t.Fatalf("FreeBlocks after partial free = %d, want 8", b.FreeBlocks())
	}
	again, err := b.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected to reclaim the freed block")
	}
}

func TestReplayRebuildsBitmapState(t *testing.T) {
	b := New(20, 0)
	b.Replay(wal.Balloc, 5, 3)
	if b.FreeBlocks() != 17 {
		t.Fatalf("FreeBlocks after replayed BALLOC = %d, want 17", b.FreeBlocks())
	}
	b.Replay(wal.Bfree, 5, 1)
	if b.FreeBlocks() != 18 {
		t.Fatalf("FreeBlocks after replayed BFREE = %d, want 18", b.FreeBlocks())
	}
}
