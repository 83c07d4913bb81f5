// Package replay implements mount-time log replay (spec.md §4.8):
// walking the log chain backwards from the superblock's recorded head,
// then applying every record in physical-write (oldest-first) order to
// rebuild the allocator bitmap and orphan list.
//
// The original replays tree-structure records (BNODE_*/LEAF_*) onto the
// kernel's buffer cache because its log carries redo diffs that must be
// materialized before the cache is read at all. This rewrite's delta
// engine (see the delta package) never logs a diff: bufvec.FlushList
// always writes a block's complete final content directly to its
// physical address before the superblock is updated to make that
// address reachable. Since replay only ever walks log entries reachable
// from a persisted superblock, every tree-structure record it sees
// already has its target block's true final content sitting on disk,
// and an uncommitted delta's blocks are simply never visited (the
// superblock's logchain pointer never advanced to include them). Replay
// therefore only needs to rebuild the two pieces of state that live
// nowhere else: the allocator bitmap and the orphan list. Structural
// records are still decoded and counted, so a corrupt or truncated log
// is still detected, but they carry no replay action; this
// simplification is recorded in DESIGN.md.
package replay

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tux3fs/tux3fs/alloc"
	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/devio"
	"github.com/tux3fs/tux3fs/internal/tux3err"
	"github.com/tux3fs/tux3fs/log"
	"github.com/tux3fs/tux3fs/wal"
)

// Stats summarizes one replay pass, for the mount path's log message and
// for cmd/tux3ctl's dump subcommand.
type Stats struct {
	Blocks     int
	Records    int
	Unifies    int
	Deltas     int
	FreeBlocks common.Block
}

// State is the result of a replay pass: the rebuilt orphan set plus the
// pass's bookkeeping. Bitmap itself is rebuilt in place since the caller
// already owns it.
type State struct {
	Orphans mapset.Set[uint64]
	Stats   Stats
}

// ReadChain reads every log block reachable from head by following each
// block's Logchain pointer back to common.NoBlock, returning them
// oldest-first (reversed from the backward walk) as spec.md §4.8
// requires: "pushing each block into an in-memory array indexed
// logically from zero (so the first-written block ends up at index 0)".
func ReadChain(dev devio.BlockDevice, blockSize int, head common.Block) ([]*wal.Block, error) {
	var chain []*wal.Block
	raw := make([]byte, blockSize)
	for addr := head; addr != common.NoBlock; {
		if err := dev.ReadAt(int64(addr)*int64(blockSize), raw); err != nil {
			return nil, fmt.Errorf("%w: reading log block at %d: %v", tux3err.ErrIO, addr, err)
		}
		b, err := wal.DecodeBlock(raw)
		if err != nil {
			return nil, fmt.Errorf("replay: log block at %d: %w", addr, err)
		}
		chain = append(chain, b)
		addr = b.Logchain
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Apply replays chain (oldest-first, as returned by ReadChain) against
// bitmap and a fresh orphan set, returning the reconstructed State.
// Freeblocks records are cross-checked against the rebuilt bitmap as a
// corruption sanity check (logged, not fatal: a mismatch can only mean
// the checkpoint and the allocator records it followed disagree, which
// is diagnostic information for an operator, not a reason to refuse to
// mount).
func Apply(chain []*wal.Block, bitmap *alloc.Bitmap) (State, error) {
	st := State{Orphans: mapset.NewThreadUnsafeSet[uint64]()}

	for _, blk := range chain {
		st.Stats.Blocks++
		for _, r := range blk.Records {
			st.Stats.Records++
			switch r.Type {
			case wal.Balloc, wal.Bfree, wal.BfreeOnUnify, wal.BfreeRelog:
				bitmap.Replay(r.Type, common.Block(r.A), r.U32)
			case wal.OrphanAdd:
				st.Orphans.Add(r.A)
			case wal.OrphanDel:
				st.Orphans.Remove(r.A)
			case wal.Freeblocks:
				if want := common.Block(r.A); want != bitmap.FreeBlocks() {
					log.Warn("replay: freeblocks checkpoint mismatch",
						"checkpoint", want, "rebuilt", bitmap.FreeBlocks())
				}
			case wal.Unify:
				st.Stats.Unifies++
			case wal.Delta:
				st.Stats.Deltas++
			case wal.LeafRedirect, wal.BnodeRedirect, wal.BnodeRoot, wal.BnodeSplit,
				wal.BnodeAdd, wal.BnodeUpdate, wal.BnodeMerge, wal.BnodeDel,
				wal.BnodeAdjust, wal.BnodeFree, wal.LeafFree:
				// Informational only; see the package doc comment. The
				// block each of these names already holds its final
				// content on disk.
			default:
				return State{}, fmt.Errorf("replay: unknown record type %d", r.Type)
			}
		}
	}

	st.Stats.FreeBlocks = bitmap.FreeBlocks()
	return st, nil
}

// Run is the convenience entry point a mount path calls: read the chain
// from head, then apply it to bitmap.
func Run(dev devio.BlockDevice, blockSize int, head common.Block, bitmap *alloc.Bitmap) (State, error) {
	chain, err := ReadChain(dev, blockSize, head)
	if err != nil {
		return State{}, err
	}
	st, err := Apply(chain, bitmap)
	if err != nil {
		return State{}, err
	}
	log.Info("log replay complete",
		"blocks", st.Stats.Blocks, "records", st.Stats.Records,
		"unifies", st.Stats.Unifies, "deltas", st.Stats.Deltas,
		"freeBlocks", st.Stats.FreeBlocks)
	return st, nil
}
