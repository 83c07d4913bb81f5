package inode

import (
	"testing"

	"github.com/tux3fs/tux3fs/bufcache"
	"github.com/tux3fs/tux3fs/btree"
	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/ileaf"
	"github.com/tux3fs/tux3fs/wal"
)

type seqAlloc struct{ next common.Block }

func (a *seqAlloc) Alloc(n int) ([]common.Block, error) {
	out := make([]common.Block, n)
	for i := range out {
		out[i] = a.next
		a.next++
	}
	return out, nil
}

func newAttrTree(t *testing.T, pool *bufcache.Pool, name string, magic uint16, alloc btree.Allocator, blockSize int) *btree.Tree {
	t.Helper()
	m := pool.NewMap(name, nil, func(rw bufcache.RW, bufs []*bufcache.Buffer) error { return nil })
	tr := &btree.Tree{
		Pool:      pool,
		Map:       m,
		Ops:       ileaf.Ops{Magic: magic},
		Log:       wal.NewWriter(blockSize),
		Stash:     wal.NewStash(),
		Alloc:     alloc,
		BlockSize: blockSize,
		Delta:     1,
	}
	if err := btree.NewEmpty(tr); err != nil {
		t.Fatalf("NewEmpty(%s): %v", name, err)
	}
	return tr
}

func newTestCache(t *testing.T, blockSize int) *Cache {
	t.Helper()
	cfg := bufcache.DefaultConfig()
	cfg.BlockSize = blockSize
	pool := bufcache.NewPool(cfg)
	alloc := &seqAlloc{next: 1000}

	itable := newAttrTree(t, pool, "itable", common.MagicIleaf, alloc, blockSize)
	atable := newAttrTree(t, pool, "atable", common.MagicOleaf, alloc, blockSize)

	return NewCache(pool, nil, blockSize, alloc, wal.NewWriter(blockSize), wal.NewStash(), itable, atable, 1)
}

func TestCreateThenOpenRoundTripsAttrs(t *testing.T) {
	c := newTestCache(t, 256)
	ino, err := c.Create(Attrs{Mode: 0644, Uid: 1, Gid: 2, Nlink: 1, Size: 0})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inum := ino.Inum
	c.iput(ino)

	got, err := c.Open(inum)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.Attrs.Mode != 0644 || got.Attrs.Uid != 1 || got.Attrs.Gid != 2 || got.Attrs.Nlink != 1 {
		t.Fatalf("Open after Create = %+v, want matching attrs", got.Attrs)
	}
	c.iput(got)
}

func TestOpenSameInodeTwiceReturnsSameCachedInstance(t *testing.T) {
	c := newTestCache(t, 256)
	ino, err := c.Create(Attrs{Mode: 0600, Nlink: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inum := ino.Inum

	a, err := c.Open(inum)
	if err != nil {
		t.Fatalf("Open #1: %v", err)
	}
	b, err := c.Open(inum)
	if err != nil {
		t.Fatalf("Open #2: %v", err)
	}
	if a != b {
		t.Fatalf("Open of an already-cached inode returned a different instance")
	}
	if a.refcount != 3 { // 1 from Create, +1 per Open
		t.Fatalf("refcount = %d, want 3", a.refcount)
	}
	c.iput(a)
	c.iput(b)
	c.iput(ino)
}

func TestIputEvictsOnlyAtZeroRefcountWhenClean(t *testing.T) {
	c := newTestCache(t, 256)
	ino, err := c.Create(Attrs{Mode: 0600, Nlink: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inum := ino.Inum
	ino.state &^= StateDirty // simulate a synced, clean inode
	c.iput(ino)

	idx := hashIndex(inum)
	c.mu.Lock()
	_, stillHashed := func() (*Inode, bool) {
		for cur := c.table[idx]; cur != nil; cur = cur.next {
			if cur.Inum == inum {
				return cur, true
			}
		}
		return nil, false
	}()
	c.mu.Unlock()
	if stillHashed {
		t.Fatalf("inode still hashed after refcount dropped to zero while clean")
	}
}

func TestUnlinkLastLinkOrphans(t *testing.T) {
	c := newTestCache(t, 256)
	ino, err := c.Create(Attrs{Mode: 0600, Nlink: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Unlink(ino, 1); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if ino.Attrs.Nlink != 0 {
		t.Fatalf("Nlink = %d, want 0", ino.Attrs.Nlink)
	}
	if !c.orphans.Contains(ino.Inum) {
		t.Fatalf("inode %d not recorded as orphan after last unlink", ino.Inum)
	}
	c.iput(ino)
}

func TestUnlinkWithNoLinksFails(t *testing.T) {
	c := newTestCache(t, 256)
	ino, err := c.Create(Attrs{Mode: 0600, Nlink: 0})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Unlink(ino, 1); err == nil {
		t.Fatalf("expected error unlinking an inode with no links")
	}
	c.iput(ino)
}

func TestIattrdirtySkipsSameDeltaThenSyncConsumes(t *testing.T) {
	c := newTestCache(t, 256)
	ino, err := c.Create(Attrs{Mode: 0600, Nlink: 1, Size: 0})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := c.SetSize(ino, 10, 5); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if !ino.ddc[5%2].present {
		t.Fatalf("ddc slot for delta 5 not marked present")
	}
	snapshotSize := ino.ddc[5%2].attrs.Size

	// A second dirty within the same delta must not clobber the
	// original snapshot.
	if err := c.SetSize(ino, 20, 5); err != nil {
		t.Fatalf("SetSize (same delta): %v", err)
	}
	if ino.ddc[5%2].attrs.Size != snapshotSize {
		t.Fatalf("snapshot for delta 5 changed on a second dirty within the same delta: got %d, want %d", ino.ddc[5%2].attrs.Size, snapshotSize)
	}

	if err := c.Sync(ino, 5); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if ino.ddc[5%2].present {
		t.Fatalf("ddc slot for delta 5 still present after Sync consumed it")
	}

	if err := c.Sync(ino, 5); err != nil {
		t.Fatalf("Sync (already consumed): %v", err)
	}

	c.iput(ino)
}

func TestSetSizeShrinkTruncatesDataTree(t *testing.T) {
	c := newTestCache(t, 512)
	ino, err := c.Create(Attrs{Mode: 0600, Nlink: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tr := c.OpenDataTree(ino, 1)
	for i := uint64(0); i < 8; i++ {
		if _, err := c.Translator(ino).Translate(bufcache.Write, common.Block(i), 1); err != nil {
			t.Fatalf("Translate(write, %d): %v", i, err)
		}
	}
	_ = tr

	// The writes above went straight to the data tree; record the
	// 8-block size so the SetSize below is a shrink.
	if err := c.SetSize(ino, 8*512, 1); err != nil {
		t.Fatalf("SetSize grow: %v", err)
	}

	if err := c.SetSize(ino, 2*512, 1); err != nil {
		t.Fatalf("SetSize shrink: %v", err)
	}

	extents, err := c.Translator(ino).Translate(bufcache.Read, 0, 8)
	if err != nil {
		t.Fatalf("Translate(read) after shrink: %v", err)
	}
	covered := 0
	for _, e := range extents {
		if e.Physical != common.NoBlock {
			covered += e.Len
		}
	}
	if covered > 2 {
		t.Fatalf("shrink to 2 blocks left %d physical blocks mapped", covered)
	}

	c.iput(ino)
}

func TestSetXattrsRoundTrips(t *testing.T) {
	c := newTestCache(t, 256)
	ino, err := c.Create(Attrs{Mode: 0600, Nlink: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data := []byte("user.test=hello")
	if err := c.SetXattrs(ino, data); err != nil {
		t.Fatalf("SetXattrs: %v", err)
	}

	got, err := c.Xattrs(ino.Inum)
	if err != nil {
		t.Fatalf("Xattrs: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Xattrs = %q, want %q", got, data)
	}

	hasTag, err := c.hasXattrTag(ino.Inum)
	if err != nil {
		t.Fatalf("hasXattrTag: %v", err)
	}
	if !hasTag {
		t.Fatalf("itable slot not tagged with overflow marker after SetXattrs")
	}

	c.iput(ino)
}

func TestProcessOrphansFreesAndClearsList(t *testing.T) {
	c := newTestCache(t, 512)
	ino, err := c.Create(Attrs{Mode: 0600, Nlink: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inum := ino.Inum

	c.OpenDataTree(ino, 1)
	if _, err := c.Translator(ino).Translate(bufcache.Write, 0, 4); err != nil {
		t.Fatalf("Translate(write): %v", err)
	}
	if err := c.Unlink(ino, 1); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	c.iput(ino)

	if err := c.ProcessOrphans(1); err != nil {
		t.Fatalf("ProcessOrphans: %v", err)
	}
	if c.orphans.Contains(inum) {
		t.Fatalf("inode %d still listed as orphan after ProcessOrphans", inum)
	}
}
