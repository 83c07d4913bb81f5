// Package devio is the device I/O shim of spec.md §6: positional
// read/write of aligned byte ranges at file-descriptor offsets, plus a
// scatter-gather vector form. It is the only suspension point in the
// engine (spec.md §5): no other call blocks on its own initiative.
package devio

import (
	"fmt"
	"os"

	"github.com/prometheus/tsdb/fileutil"
	"golang.org/x/sys/unix"

	"github.com/tux3fs/tux3fs/internal/tux3err"
)

// blkGetSize64 is Linux's BLKGETSIZE64 ioctl request number, used to
// query the byte size of a raw block device (spec.md §6).
const blkGetSize64 = 0x80081272

// IOSegment is one entry of a scatter-gather vector: Data is read into
// or written from, at the device offset Off (bytes, not blocks).
type IOSegment struct {
	Off  int64
	Data []byte
}

// BlockDevice is the external collaborator spec.md §6 requires:
// devio(rw, fd, offset, data, len) and devio_vec(rw, fd, offset, iov, cnt).
type BlockDevice interface {
	ReadAt(off int64, p []byte) error
	WriteAt(off int64, p []byte) error
	ReadvAt(segs []IOSegment) error
	WritevAt(segs []IOSegment) error
	Size() (int64, error)
	Close() error
}

// FileDevice is a BlockDevice backed by a regular file or block device
// node, opened with an exclusive advisory lock so two processes never
// mount the same volume concurrently (grounded directly in the
// teacher's core/rawdb/prunedfreezer.go, which takes a
// prometheus/tsdb/fileutil.Flock on its datadir for the same reason).
type FileDevice struct {
	f    *os.File
	lock fileutil.Releaser
}

// Open opens path for positional I/O and takes an exclusive lock on a
// sibling ".lock" file so a second Open on the same volume fails fast
// rather than corrupting the device.
func Open(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", tux3err.ErrIO, path, err)
	}
	lock, _, err := fileutil.Flock(path + ".lock")
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: lock %s: %v", tux3err.ErrBusy, path, err)
	}
	return &FileDevice{f: f, lock: lock}, nil
}

func (d *FileDevice) Close() error {
	err := d.f.Close()
	if d.lock != nil {
		if rerr := d.lock.Release(); err == nil {
			err = rerr
		}
	}
	return err
}

// Size reports the device's byte size, preferring BLKGETSIZE64 for raw
// block devices and falling back to fstat for regular files (spec.md §6).
func (d *FileDevice) Size() (int64, error) {
	if sz, err := unix.IoctlGetInt(int(d.f.Fd()), blkGetSize64); err == nil {
		return int64(sz), nil
	}
	fi, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", tux3err.ErrIO, err)
	}
	return fi.Size(), nil
}

// ReadAt performs a full positional read, retrying on EAGAIN/EINTR and
// looping on short reads until len(p) bytes are filled or an error
// occurs (spec.md §6: "short reads/writes are promoted to full
// completion by looping").
func (d *FileDevice) ReadAt(off int64, p []byte) error {
	return fullIO(p, off, func(buf []byte, o int64) (int, error) {
		return d.f.ReadAt(buf, o)
	})
}

// WriteAt performs a full positional write with the same retry/looping
// discipline as ReadAt.
func (d *FileDevice) WriteAt(off int64, p []byte) error {
	return fullIO(p, off, func(buf []byte, o int64) (int, error) {
		return d.f.WriteAt(buf, o)
	})
}

// ReadvAt reads each segment's range in order; spec.md's bufvec layer
// guarantees the segments are contiguous-by-logical-index, but devio
// itself makes no such assumption.
func (d *FileDevice) ReadvAt(segs []IOSegment) error {
	for _, s := range segs {
		if err := d.ReadAt(s.Off, s.Data); err != nil {
			return err
		}
	}
	return nil
}

// WritevAt writes each segment's range in order.
func (d *FileDevice) WritevAt(segs []IOSegment) error {
	for _, s := range segs {
		if err := d.WriteAt(s.Off, s.Data); err != nil {
			return err
		}
	}
	return nil
}

func fullIO(p []byte, off int64, op func([]byte, int64) (int, error)) error {
	for len(p) > 0 {
		n, err := op(p, off)
		if n > 0 {
			p = p[n:]
			off += int64(n)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("%w: %v", tux3err.ErrIO, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: zero-length I/O", tux3err.ErrIO)
		}
	}
	return nil
}
