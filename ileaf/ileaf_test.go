package ileaf

import (
	"bytes"
	"testing"

	"github.com/tux3fs/tux3fs/common"
)

func TestResizeThenLookup(t *testing.T) {
	leaf := New(256, common.MagicIleaf, 0)
	if !Resize(leaf, 5, 4) {
		t.Fatalf("Resize(5) failed")
	}
	copy(Lookup(leaf, 5), []byte("abcd"))

	got := Lookup(leaf, 5)
	if !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("Lookup(5) = %q, want %q", got, "abcd")
	}
	if Lookup(leaf, 6) != nil {
		t.Fatalf("Lookup(6) should be empty, got %q", Lookup(leaf, 6))
	}
	if Lookup(leaf, 4) != nil {
		t.Fatalf("Lookup before ibase extension should be empty")
	}
}

func TestResizeGrowShrink(t *testing.T) {
	leaf := New(256, common.MagicIleaf, 10)
	Resize(leaf, 10, 8)
	copy(Lookup(leaf, 10), []byte("12345678"))
	Resize(leaf, 11, 4)
	copy(Lookup(leaf, 11), []byte("wxyz"))

	if !Resize(leaf, 10, 4) {
		t.Fatalf("shrink Resize(10) failed")
	}
	copy(Lookup(leaf, 10), []byte("1234"))
	if got := Lookup(leaf, 10); !bytes.Equal(got, []byte("1234")) {
		t.Fatalf("after shrink, Lookup(10) = %q", got)
	}
	if got := Lookup(leaf, 11); !bytes.Equal(got, []byte("wxyz")) {
		t.Fatalf("neighbor slot corrupted after shrink: %q", got)
	}
}

func TestFindFree(t *testing.T) {
	leaf := New(256, common.MagicIleaf, 0)
	Resize(leaf, 0, 4)
	Resize(leaf, 1, 0) // empty slot
	Resize(leaf, 2, 4)

	inum, ok := FindFree(leaf, 0, 10)
	if !ok || inum != 1 {
		t.Fatalf("FindFree = (%d, %v), want (1, true)", inum, ok)
	}
}

func TestOpsSplitProducesDistinctIbases(t *testing.T) {
	ops := Ops{Magic: common.MagicIleaf}
	leaf := ops.New(512, 0)
	for i := uint64(0); i < 10; i++ {
		if needSplit, _, err := ops.Write(leaf, 0, ^uint64(0), WriteRequest{Inum: i, Attrs: []byte("xxxxxxxx")}); err != nil || needSplit {
			t.Fatalf("Write(%d): split=%v err=%v", i, needSplit, err)
		}
	}
	dst := make([]byte, 512)
	pivot := ops.Split(5, leaf, dst)

	lh, err := decodeHeader(leaf)
	if err != nil {
		t.Fatalf("decode left: %v", err)
	}
	rh, err := decodeHeader(dst)
	if err != nil {
		t.Fatalf("decode right: %v", err)
	}
	if rh.Ibase != pivot {
		t.Fatalf("right ibase = %d, want pivot %d", rh.Ibase, pivot)
	}
	if lh.Ibase == rh.Ibase {
		t.Fatalf("split produced identical ibases")
	}
	for i := uint64(0); i < pivot; i++ {
		if Lookup(leaf, i) == nil {
			t.Fatalf("left leaf missing inode %d after split", i)
		}
	}
	for i := pivot; i < 10; i++ {
		if Lookup(dst, i) == nil {
			t.Fatalf("right leaf missing inode %d after split", i)
		}
	}
}

func TestOpsMergeRestoresOriginal(t *testing.T) {
	ops := Ops{Magic: common.MagicIleaf}
	leaf := ops.New(512, 0)
	for i := uint64(0); i < 8; i++ {
		ops.Write(leaf, 0, ^uint64(0), WriteRequest{Inum: i, Attrs: []byte("yyyy")})
	}
	dst := make([]byte, 512)
	pivot := ops.Split(4, leaf, dst)

	if !ops.Merge(leaf, dst) {
		t.Fatalf("Merge reported failure for a leaf that should fit")
	}
	for i := uint64(0); i < 8; i++ {
		if Lookup(leaf, i) == nil {
			t.Fatalf("inode %d missing after merge", i)
		}
	}
	_ = pivot
}
