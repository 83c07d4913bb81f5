package inode

import "github.com/tux3fs/tux3fs/internal/invariant"

// dirtyChunk is one slot of the per-delta dirty chunk array ddc[2]
// (spec.md §4.6): a stable snapshot of an inode's attributes taken when
// a delta first dirties it, consumed once by the backend.
type dirtyChunk struct {
	present bool
	attrs   Attrs
}

// iattrdirty ensures the slot for delta carries a snapshot of ino's
// attributes as they are at the delta's first call (callers apply their
// change first, so it is included), skipping work if the inode was
// already dirtied this delta
// (spec.md §4.6: "it skips work if the inode was already dirtied this
// delta"). Two slots only cover one delta of flusher lag: if the slot
// this delta maps to still holds an unconsumed snapshot from an older,
// different delta, a third delta has arrived before the backend
// consumed the oldest one, which spec.md §9 leaves unanswered; this
// engine turns it into a detectable invariant violation instead of
// silently losing the older snapshot.
func (ino *Inode) iattrdirty(delta uint64) {
	if ino.dirtyDelta == int64(delta) {
		return
	}
	slot := delta % 2
	invariant.Check(!ino.ddc[slot].present, "ddc slot overrun: flusher trailing by more than one delta",
		"inum", ino.Inum, "delta", delta)
	ino.ddc[slot] = dirtyChunk{present: true, attrs: ino.Attrs}
	ino.dirtyDelta = int64(delta)
	ino.state |= StateDirty
}

// consumeDirty returns the snapshot for delta, if any, and resets its
// present marker to the invalid sentinel (spec.md §4.6: "After the
// backend has read and consumed a slot, its present marker is reset to
// the invalid sentinel for paranoia").
func (ino *Inode) consumeDirty(delta uint64) (Attrs, bool) {
	slot := delta % 2
	chunk := ino.ddc[slot]
	if !chunk.present {
		return Attrs{}, false
	}
	ino.ddc[slot].present = false
	return chunk.attrs, true
}
