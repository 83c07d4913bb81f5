// Package tux3err defines the sentinel errors every engine operation
// returns in place of a negated errno (spec.md §6, §7). Callers compare
// with errors.Is; wrapped context is added with fmt.Errorf("%w: ...").
package tux3err

import "errors"

var (
	// ErrNoMem is returned when the buffer pool is exhausted and the
	// evictor could not reclaim enough slots (ENOMEM).
	ErrNoMem = errors.New("tux3fs: out of buffer memory")

	// ErrIO is returned on a device error or an unexpected short I/O.
	ErrIO = errors.New("tux3fs: device I/O error")

	// ErrNoSpace is returned when the block allocator has no free blocks
	// left to satisfy a request (ENOSPC).
	ErrNoSpace = errors.New("tux3fs: volume out of space")

	// ErrFileTooBig is returned when offset+length exceeds the
	// filesystem's s_maxbytes limit (EFBIG).
	ErrFileTooBig = errors.New("tux3fs: file offset exceeds maximum size")

	// ErrBusy is returned by insert_locked-style operations when another
	// matching entry already exists and is not being freed (EBUSY).
	ErrBusy = errors.New("tux3fs: resource busy")

	// ErrNoAttr is returned when an inode attribute slot is missing
	// (ENOENT in the inode-attribute namespace).
	ErrNoAttr = errors.New("tux3fs: no such inode attribute")

	// ErrCorrupt marks data that failed a sniff check: wrong magic, an
	// out-of-order dictionary, or a missing sentinel. spec.md §7 treats
	// this as an assertion-like abort in the reference profile; this
	// rewrite instead returns it so a caller can demote it to a mount-time
	// diagnostic and remount read-only.
	ErrCorrupt = errors.New("tux3fs: on-disk structure corrupt")
)
