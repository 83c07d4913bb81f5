package wal

import (
	"testing"

	"github.com/tux3fs/tux3fs/common"
)

func TestRecordRoundTrip(t *testing.T) {
	cases := []Record{
		{Type: Balloc, A: 100, U32: 4},
		{Type: Bfree, A: 200, U32: 1},
		{Type: LeafRedirect, A: 10, B: 11},
		{Type: LeafFree, A: 12},
		{Type: BnodeRoot, Depth: 2, A: 1, B: 2, C: 3, D: 4},
		{Type: BnodeSplit, U16: 3, A: 5, B: 6},
		{Type: BnodeAdd, A: 1, B: 2, C: 3},
		{Type: BnodeDel, U16: 2, A: 7, B: 8},
		{Type: OrphanAdd, U16: 1, A: 42},
		{Type: Unify},
		{Type: Delta},
	}
	for _, want := range cases {
		buf := Encode(nil, want)
		if len(buf) != Size(want.Type) {
			t.Fatalf("%s: encoded %d bytes, want %d", want.Type, len(buf), Size(want.Type))
		}
		got, n, err := Decode(buf)
		if err != nil {
			t.Fatalf("%s: Decode: %v", want.Type, err)
		}
		if n != len(buf) {
			t.Fatalf("%s: Decode consumed %d, want %d", want.Type, n, len(buf))
		}
		if got != want {
			t.Fatalf("%s: round-trip mismatch: got %+v, want %+v", want.Type, got, want)
		}
	}
}

func TestWriterSplitsBlockOnOverflow(t *testing.T) {
	w := NewWriter(64) // tiny block size forces a split quickly
	for i := 0; i < 10; i++ {
		w.Balloc(common.Block(i), 1)
	}
	blocks := w.Drain()
	if len(blocks) < 2 {
		t.Fatalf("expected multiple log blocks from overflow, got %d", len(blocks))
	}
	total := 0
	for _, b := range blocks {
		total += len(b.Records)
		raw := b.Encode(64)
		decoded, err := DecodeBlock(raw)
		if err != nil {
			t.Fatalf("DecodeBlock: %v", err)
		}
		if len(decoded.Records) != len(b.Records) {
			t.Fatalf("decoded %d records, want %d", len(decoded.Records), len(b.Records))
		}
	}
	if total != 10 {
		t.Fatalf("total records across blocks = %d, want 10", total)
	}
}

func TestStashPromoteUnifyDedupes(t *testing.T) {
	s := NewStash()
	s.DeferUnify(common.Block(5), 2)
	s.DeferUnify(common.Block(5), 2) // duplicate redirect of the same run
	s.DeferUnify(common.Block(9), 1)

	w := NewWriter(4096)
	s.PromoteUnify(w)

	if len(s.defree) != 2 {
		t.Fatalf("defree after promotion = %d runs, want 2 (deduped)", len(s.defree))
	}
	blocks := w.Drain()
	if len(blocks) != 1 {
		t.Fatalf("expected one log block, got %d", len(blocks))
	}
	if len(blocks[0].Records) != 2 {
		t.Fatalf("expected 2 BFREE_RELOG records after dedup, got %d", len(blocks[0].Records))
	}
}

func TestDrainDefreeLogsBfree(t *testing.T) {
	s := NewStash()
	s.DeferFree(common.Block(1), 3)
	s.DeferFree(common.Block(10), 1)

	w := NewWriter(4096)
	runs := s.DrainDefree(w)
	if len(runs) != 2 {
		t.Fatalf("DrainDefree returned %d runs, want 2", len(runs))
	}
	if len(s.defree) != 0 {
		t.Fatalf("defree not cleared after drain")
	}
	blocks := w.Drain()
	if len(blocks) != 1 || len(blocks[0].Records) != 2 {
		t.Fatalf("expected one block with 2 BFREE records")
	}
}
