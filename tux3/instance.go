// Package tux3 is the composition root: the superblock record, the
// per-volume Instance that wires devio/bufcache/wal/btree/inode/delta
// together, and the mount/create/write/read/truncate/commit operations
// spec.md §4 describes in terms of those collaborators. Each Instance
// owns its own buffer pool and inode hash (spec.md §9's "parameterise
// by a filesystem instance handle" design note), so a process can mount
// more than one volume without cross-instance interference.
package tux3

import (
	"fmt"
	"sync"

	"github.com/tux3fs/tux3fs/alloc"
	"github.com/tux3fs/tux3fs/btree"
	"github.com/tux3fs/tux3fs/bufcache"
	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/compress"
	"github.com/tux3fs/tux3fs/delta"
	"github.com/tux3fs/tux3fs/devio"
	"github.com/tux3fs/tux3fs/ileaf"
	"github.com/tux3fs/tux3fs/inode"
	"github.com/tux3fs/tux3fs/internal/tux3err"
	"github.com/tux3fs/tux3fs/wal"
	"github.com/tux3fs/tux3fs/wal/replay"
)

// Config sizes a fresh volume at New time. Mount instead reads every
// sizing field back from the persisted superblock.
type Config struct {
	BlockSize      int
	TotalBlocks    common.Block
	UnifyThreshold int
	Codec          compress.Codec // defaults to compress.None{}
	Pool           bufcache.Config // zero value: DefaultConfig scaled to BlockSize
}

// Instance is one mounted volume.
type Instance struct {
	mu sync.Mutex

	dev       devio.BlockDevice
	blockSize int
	total     common.Block
	codec     compress.Codec

	pool   *bufcache.Pool
	bitmap *alloc.Bitmap
	log    *wal.Writer
	stash  *wal.Stash
	engine *delta.Engine
	inodes *inode.Cache

	itable *btree.Tree
	atable *btree.Tree

	committed delta.Superblock
}

var _ delta.MapSource = (*Instance)(nil)

func poolConfig(cfg bufcache.Config, blockSize int) bufcache.Config {
	if cfg.BlockSize == 0 {
		cfg = bufcache.DefaultConfig()
	}
	cfg.BlockSize = blockSize
	return cfg
}

// treeIOFunc serves reads for a volume-wide tree map whose blocks are
// indexed by their own physical address (itable, atable): a cache miss
// is a plain positional read at block*blockSize.
func treeIOFunc(pool *bufcache.Pool, dev devio.BlockDevice, blockSize int) bufcache.IOFunc {
	return func(rw bufcache.RW, bufs []*bufcache.Buffer) error {
		if rw != bufcache.Read {
			return fmt.Errorf("%w: volume-wide tree map only serves direct reads", tux3err.ErrIO)
		}
		for _, b := range bufs {
			if err := dev.ReadAt(int64(b.Index())*int64(blockSize), b.Data()); err != nil {
				return fmt.Errorf("%w: %v", tux3err.ErrIO, err)
			}
		}
		pool.EndIO(bufs, true)
		return nil
	}
}

// New formats and mounts a fresh volume on dev.
func New(dev devio.BlockDevice, cfg Config) (*Instance, error) {
	if cfg.BlockSize == 0 {
		return nil, fmt.Errorf("tux3: Config.BlockSize must be nonzero")
	}
	codec := cfg.Codec
	if codec == nil {
		codec = compress.None{}
	}

	pool := bufcache.NewPool(poolConfig(cfg.Pool, cfg.BlockSize))
	bitmap := alloc.New(cfg.TotalBlocks, 1) // block 0 reserved for the superblock
	w := wal.NewWriter(cfg.BlockSize)
	stash := wal.NewStash()

	itable := &btree.Tree{Pool: pool, Ops: ileaf.Ops{Magic: common.MagicIleaf}, Log: w, Stash: stash, Alloc: bitmap, BlockSize: cfg.BlockSize}
	itable.Map = pool.NewMap("itable", nil, treeIOFunc(pool, dev, cfg.BlockSize))
	if err := btree.NewEmpty(itable); err != nil {
		return nil, fmt.Errorf("tux3: new itable: %w", err)
	}

	atable := &btree.Tree{Pool: pool, Ops: ileaf.Ops{Magic: common.MagicOleaf}, Log: w, Stash: stash, Alloc: bitmap, BlockSize: cfg.BlockSize}
	atable.Map = pool.NewMap("atable", nil, treeIOFunc(pool, dev, cfg.BlockSize))
	if err := btree.NewEmpty(atable); err != nil {
		return nil, fmt.Errorf("tux3: new atable: %w", err)
	}

	engine := delta.New(pool, dev, w, stash, bitmap, delta.Config{
		BlockSize: cfg.BlockSize, UnifyThreshold: cfg.UnifyThreshold, LogchainHead: common.NoBlock,
	})
	inodes := inode.NewCache(pool, dev, cfg.BlockSize, bitmap, w, stash, itable, atable, 1)

	ins := &Instance{
		dev: dev, blockSize: cfg.BlockSize, total: cfg.TotalBlocks, codec: codec,
		pool: pool, bitmap: bitmap, log: w, stash: stash, engine: engine, inodes: inodes,
		itable: itable, atable: atable,
		committed: delta.Superblock{LogchainHead: common.NoBlock, FreeBlocks: bitmap.FreeBlocks()},
	}
	if err := ins.writeSuperblock(); err != nil {
		return nil, err
	}
	return ins, nil
}

// Mount reopens an existing volume, replaying its log to rebuild the
// allocator bitmap and orphan list (spec.md §4.8) before the orphan
// sweep (SPEC_FULL.md §7.1) runs.
func Mount(dev devio.BlockDevice, cfg Config) (*Instance, error) {
	raw := make([]byte, superblockSize)
	if err := dev.ReadAt(0, raw); err != nil {
		return nil, fmt.Errorf("tux3: read superblock: %w", err)
	}
	sb, err := DecodeSuperblock(raw)
	if err != nil {
		return nil, err
	}

	blockSize := 1 << sb.BlockBits
	pool := bufcache.NewPool(poolConfig(cfg.Pool, blockSize))
	bitmap := alloc.New(sb.TotalBlocks, 1)

	rs, err := replay.Run(dev, blockSize, sb.LogchainHead, bitmap)
	if err != nil {
		return nil, fmt.Errorf("tux3: replay: %w", err)
	}

	w := wal.NewWriter(blockSize)
	stash := wal.NewStash()

	itable := &btree.Tree{
		Pool: pool, Ops: ileaf.Ops{Magic: common.MagicIleaf}, Log: w, Stash: stash, Alloc: bitmap,
		BlockSize: blockSize, Delta: sb.Delta, Root: sb.ItableRoot, Depth: int(sb.ItableTree),
	}
	itable.Map = pool.NewMap("itable", nil, treeIOFunc(pool, dev, blockSize))

	atable := &btree.Tree{
		Pool: pool, Ops: ileaf.Ops{Magic: common.MagicOleaf}, Log: w, Stash: stash, Alloc: bitmap,
		BlockSize: blockSize, Delta: sb.Delta, Root: sb.AtableRoot, Depth: int(sb.AtableTree),
	}
	atable.Map = pool.NewMap("atable", nil, treeIOFunc(pool, dev, blockSize))

	engine := delta.New(pool, dev, w, stash, bitmap, delta.Config{
		BlockSize: blockSize, UnifyThreshold: cfg.UnifyThreshold,
		LogchainHead: sb.LogchainHead, LogCount: int(sb.LogCount), Unify: sb.Unify, Delta: sb.Delta,
	})
	inodes := inode.NewCache(pool, dev, blockSize, bitmap, w, stash, itable, atable, sb.NextInum)

	codec := cfg.Codec
	if codec == nil {
		codec = compress.None{}
	}

	ins := &Instance{
		dev: dev, blockSize: blockSize, total: sb.TotalBlocks, codec: codec,
		pool: pool, bitmap: bitmap, log: w, stash: stash, engine: engine, inodes: inodes,
		itable: itable, atable: atable,
		committed: delta.Superblock{
			LogchainHead: sb.LogchainHead, LogCount: int(sb.LogCount),
			FreeBlocks: bitmap.FreeBlocks(), Unify: sb.Unify, Delta: sb.Delta,
		},
	}

	for _, inum := range rs.Orphans.ToSlice() {
		inodes.AddOrphan(inum, uint16(sb.Delta))
	}
	if err := inodes.ProcessOrphans(uint16(sb.Delta)); err != nil {
		return nil, fmt.Errorf("tux3: orphan sweep: %w", err)
	}
	return ins, nil
}

// writeSuperblock persists every field a remount needs to reconstruct
// this Instance's state, synchronously (no caching: the superblock
// write is always the durability barrier spec.md §4.7/§7 describes).
func (ins *Instance) writeSuperblock() error {
	ins.mu.Lock()
	sb := Superblock{
		BlockBits:    uint8(bitLen(ins.blockSize) - 1),
		Version:      1,
		TotalBlocks:  ins.total,
		MaxBytes:     uint64(ins.blockSize) << 48,
		LogchainHead: ins.committed.LogchainHead,
		LogCount:     uint32(ins.committed.LogCount),
		FreeBlocks:   ins.committed.FreeBlocks,
		Unify:        ins.committed.Unify,
		Delta:        ins.committed.Delta,
		VolmapRoot:   common.NoBlock,
		ItableRoot:   ins.itable.Root,
		ItableTree:   uint32(ins.itable.Depth),
		AtableRoot:   ins.atable.Root,
		AtableTree:   uint32(ins.atable.Depth),
		BitmapRoot:   common.NoBlock,
		VtableRoot:   common.NoBlock,
		NextInum:     ins.inodes.NextInum(),
	}
	ins.mu.Unlock()
	return ins.dev.WriteAt(0, sb.Encode())
}

func bitLen(n int) int {
	l := 0
	for v := n; v > 1; v >>= 1 {
		l++
	}
	return l + 1
}

// Members implements delta.MapSource: the two static attribute trees
// plus every currently open inode data map.
func (ins *Instance) Members(d uint64) []delta.Member {
	out := []delta.Member{
		{Map: ins.itable.Map, Tr: identityTranslator{}, Limit: common.NoBlock},
		{Map: ins.atable.Map, Tr: identityTranslator{}, Limit: common.NoBlock},
	}
	for _, om := range ins.inodes.OpenMaps() {
		out = append(out, delta.Member{Map: om.Map, Tr: om.Tr, Limit: common.NoBlock})
	}
	return out
}

// Commit runs one delta transition and, only on success, persists the
// superblock — the durability barrier spec.md §4.7/§7's crash scenario
// depends on: log blocks may already be on disk, but nothing references
// them as part of committed state until this write lands.
func (ins *Instance) Commit(unify bool) error {
	sb, err := ins.engine.Transition(ins, unify)
	if err != nil {
		return err
	}
	ins.mu.Lock()
	ins.committed = sb
	ins.mu.Unlock()
	return ins.writeSuperblock()
}

// CreateFile allocates a fresh inode with attrs.
func (ins *Instance) CreateFile(attrs inode.Attrs) (*inode.Inode, error) {
	ins.engine.ChangeBegin()
	defer ins.engine.ChangeEnd()
	return ins.inodes.Create(attrs)
}

// Open looks up or loads inum.
func (ins *Instance) Open(inum uint64) (*inode.Inode, error) {
	return ins.inodes.Open(inum)
}

// Close releases the caller's reference to ino.
func (ins *Instance) Close(ino *inode.Inode) {
	ins.inodes.Put(ino)
}

// Unlink drops a hard link, orphaning ino once its link count reaches zero.
func (ins *Instance) Unlink(ino *inode.Inode) error {
	d := ins.engine.ChangeBegin()
	defer ins.engine.ChangeEnd()
	return ins.inodes.Unlink(ino, d)
}

// Truncate resizes ino to size, freeing any blocks past the new size.
func (ins *Instance) Truncate(ino *inode.Inode, size uint64) error {
	d := ins.engine.ChangeBegin()
	defer ins.engine.ChangeEnd()
	return ins.inodes.SetSize(ino, size, d)
}

// Write stores data at byte offset off in ino's data stream, forking or
// allocating one logical buffer per block spanned and growing ino's
// size if the write extends past it. Physical block assignment is
// deferred to the next Commit's flush (spec.md §4.2): Write only
// populates ino's logical buffer cache.
func (ins *Instance) Write(ino *inode.Inode, off uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	d := ins.engine.ChangeBegin()
	defer ins.engine.ChangeEnd()

	ins.inodes.OpenDataTree(ino, d)
	bs := uint64(ins.blockSize)
	first := common.Block(off / bs)
	last := common.Block((off + uint64(len(data)) - 1) / bs)

	for blk := first; blk <= last; blk++ {
		blockStart := uint64(blk) * bs
		lo := uint64(0)
		if blockStart < off {
			lo = off - blockStart
		}
		hi := bs
		if blockStart+bs > off+uint64(len(data)) {
			hi = off + uint64(len(data)) - blockStart
		}
		partial := lo != 0 || hi != bs

		var buf *bufcache.Buffer
		var err error
		if partial {
			buf, err = ins.pool.Read(ino.Map, blk)
		} else {
			buf, err = ins.pool.Get(ino.Map, blk)
		}
		if err != nil {
			return fmt.Errorf("tux3: write inode %d block %d: %w", ino.Inum, blk, err)
		}
		buf = ins.pool.Fork(ino.Map, buf, d)
		copy(buf.Data()[lo:hi], data[blockStart+lo-off:blockStart+hi-off])
		ins.pool.Release(buf)
	}

	if newSize := off + uint64(len(data)); newSize > ino.Attrs.Size {
		if err := ins.inodes.SetSize(ino, newSize, d); err != nil {
			return err
		}
	}
	return nil
}

// Read fills data with ino's content at byte offset off, zero-filling
// any hole.
func (ins *Instance) Read(ino *inode.Inode, off uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if ino.Map == nil {
		d := ins.engine.ChangeBegin()
		ins.inodes.OpenDataTree(ino, d)
		ins.engine.ChangeEnd()
	}
	bs := uint64(ins.blockSize)
	first := common.Block(off / bs)
	last := common.Block((off + uint64(len(data)) - 1) / bs)

	for blk := first; blk <= last; blk++ {
		blockStart := uint64(blk) * bs
		lo := uint64(0)
		if blockStart < off {
			lo = off - blockStart
		}
		hi := bs
		if blockStart+bs > off+uint64(len(data)) {
			hi = off + uint64(len(data)) - blockStart
		}

		buf, err := ins.pool.Read(ino.Map, blk)
		if err != nil {
			return fmt.Errorf("tux3: read inode %d block %d: %w", ino.Inum, blk, err)
		}
		copy(data[blockStart+lo-off:blockStart+hi-off], buf.Data()[lo:hi])
		ins.pool.Release(buf)
	}
	return nil
}

// Stats exposes the buffer pool's diagnostic snapshot (SPEC_FULL.md
// §7.3), never consulted by engine logic.
func (ins *Instance) Stats() bufcache.Stats { return ins.pool.Stats() }

// BlockSize returns the volume's block size.
func (ins *Instance) BlockSize() int { return ins.blockSize }

var _ btree.Allocator = (*alloc.Bitmap)(nil)
