// Package bufcache implements the hashed, LRU-bounded buffer cache of
// spec.md §4.1: fixed-size blocks, an explicit freed/empty/clean/dirty
// state machine, and the CoW "fork" operation that lets the frontend
// diverge from a buffer the backend is still flushing.
package bufcache

import (
	"fmt"
	"math"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/tux3fs/tux3fs/common"
	"github.com/tux3fs/tux3fs/internal/invariant"
	"github.com/tux3fs/tux3fs/internal/tux3err"
	"github.com/tux3fs/tux3fs/log"
	"github.com/tux3fs/tux3fs/metrics"
)

// Config sizes a Pool. PoolSize is the hard cap spec.md §4.1 requires
// ("out of memory" semantics beyond it); HighWater is where eviction
// starts being attempted; EvictBatch bounds how many buffers a single
// eviction pass reclaims.
type Config struct {
	BlockSize       int
	PoolSize        int
	HighWater       int
	EvictBatch      int
	CleanCacheBytes int
}

// DefaultConfig returns sane defaults for a 4 KiB block size.
func DefaultConfig() Config {
	return Config{
		BlockSize:       4096,
		PoolSize:        16384,
		HighWater:       15000,
		EvictBatch:      64,
		CleanCacheBytes: 32 << 20,
	}
}

// Pool is the process-wide (or per-Instance, see tux3.Instance) buffer
// pool: a hash+LRU bounded cache shared across every Map, matching
// spec.md §5's "Buffer pool — a process-wide state ... LRU shared
// across maps." One mutex covers the pool's own bookkeeping and every
// Map's hash buckets and dirty lists, matching the single-writer
// discipline of spec.md §5 (a production rewrite may split this into a
// per-map lock plus a global free-list lock, as spec.md §4.1's
// concurrency note allows).
type Pool struct {
	cfg Config

	mu    sync.Mutex
	count int
	lru   *simplelru.LRU[*Buffer, struct{}]

	clean *fastcache.Cache // second-tier clean-byte cache, survives eviction

	nextMapID uint64

	evictions metrics.Meter
	hits      metrics.Meter
	misses    metrics.Meter
}

// NewPool constructs a Pool per cfg (spec.md §6: init(dev, poolsize, debug)).
func NewPool(cfg Config) *Pool {
	lru, err := simplelru.NewLRU[*Buffer, struct{}](math.MaxInt32, nil)
	if err != nil {
		panic(err) // unbounded capacity, never actually fails
	}
	return &Pool{
		cfg:       cfg,
		lru:       lru,
		clean:     fastcache.New(cfg.CleanCacheBytes),
		evictions: metrics.NewRegisteredMeter("bufcache/evictions", nil),
		hits:      metrics.NewRegisteredMeter("bufcache/hits", nil),
		misses:    metrics.NewRegisteredMeter("bufcache/misses", nil),
	}
}

// Close releases the pool's second-tier cache.
func (p *Pool) Close() {
	p.clean.Reset()
}

// NewMap allocates a fresh address space backed by io (spec.md §6:
// new_map(dev, io)).
func (p *Pool) NewMap(name string, inode InodeRef, io IOFunc) *Map {
	p.mu.Lock()
	p.nextMapID++
	id := p.nextMapID
	p.mu.Unlock()
	m := newMap(p, name, inode, io)
	m.id = id
	return m
}

// FreeMap invalidates and discards m (spec.md §6: free_map(map)).
func (p *Pool) FreeMap(m *Map) {
	p.Invalidate(m)
}

func cleanKey(m *Map, index common.Block) []byte {
	var key [16]byte
	putUint64(key[0:8], m.id)
	putUint64(key[8:16], uint64(index))
	return key[:]
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

// Get returns the buffer for (m, index), allocating a fresh Empty
// buffer on miss. It never performs I/O (spec.md §4.1).
func (p *Pool) Get(m *Map, index common.Block) (*Buffer, error) {
	p.mu.Lock()
	if b := m.lookup(index); b != nil {
		b.count++
		p.lru.Add(b, struct{}{}) // refresh recency
		p.mu.Unlock()
		p.hits.Mark(1)
		return b, nil
	}
	p.mu.Unlock()
	p.misses.Mark(1)
	return p.allocAndInsert(m, index)
}

// allocAndInsert reserves a fresh Empty slot for (m, index), evicting if
// the pool is at its high-water mark, and hashes it into m.
func (p *Pool) allocAndInsert(m *Map, index common.Block) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller may have raced us between the miss above and here;
	// re-check under the lock we're about to hold for the whole alloc.
	if b := m.lookup(index); b != nil {
		b.count++
		p.lru.Add(b, struct{}{})
		return b, nil
	}
	if p.count >= p.cfg.HighWater {
		p.evictLocked()
	}
	if p.count >= p.cfg.PoolSize {
		return nil, fmt.Errorf("%w: pool at hard cap (%d buffers)", tux3err.ErrNoMem, p.cfg.PoolSize)
	}
	b := &Buffer{
		index: index,
		owner: m,
		data:  make([]byte, p.cfg.BlockSize),
		state: Empty,
		count: 1,
	}
	p.count++
	p.lru.Add(b, struct{}{})
	m.hashInsert(b)
	return b, nil
}

// evictLocked walks the LRU oldest-first, reclaiming buffers with
// count==1 (only the hash ref) and state ∈ {clean, empty}, up to
// EvictBatch. p.mu must be held.
func (p *Pool) evictLocked() {
	keys := p.lru.Keys()
	reclaimed := 0
	for _, b := range keys {
		if reclaimed >= p.cfg.EvictBatch {
			break
		}
		if b.count != 1 || (b.state != Clean && b.state != Empty) {
			continue
		}
		b.owner.hashRemove(b) // drops the hash's own share, count now 0
		p.lru.Remove(b)
		b.state = Freed
		p.count--
		reclaimed++
	}
	if reclaimed > 0 {
		p.evictions.Mark(int64(reclaimed))
		log.Debug("bufcache evicted", "count", reclaimed, "pool", p.count)
	}
}

// Peek is a non-allocating lookup; it increments count on hit.
func (p *Pool) Peek(m *Map, index common.Block) (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := m.lookup(index)
	if b == nil {
		return nil, false
	}
	b.count++
	p.lru.Add(b, struct{}{})
	return b, true
}

// Read returns the buffer for (m, index) with valid contents: a Clean or
// Dirty buffer is returned as is, and an Empty one is filled from the
// clean-byte cache or by a single-buffer read through m.IO.
func (p *Pool) Read(m *Map, index common.Block) (*Buffer, error) {
	b, err := p.Get(m, index)
	if err != nil {
		return nil, err
	}
	if b.state == Clean || b.state == Dirty {
		return b, nil
	}
	invariant.Check(b.state == Empty, "Read on buffer not empty", "state", b.state)

	if raw, ok := p.clean.HasGet(nil, cleanKey(m, b.index)); ok {
		copy(b.data, raw)
		p.mu.Lock()
		b.state = Clean
		p.mu.Unlock()
		return b, nil
	}
	if m.IO == nil {
		return nil, fmt.Errorf("%w: map %s has no io function", tux3err.ErrIO, m.Name)
	}
	if err := m.IO(Read, []*Buffer{b}); err != nil {
		p.Release(b)
		return nil, err
	}
	if b.state != Clean {
		p.Release(b)
		return nil, fmt.Errorf("%w: read of %s:%d did not complete", tux3err.ErrIO, m.Name, b.index)
	}
	p.clean.Set(cleanKey(m, b.index), b.data)
	return b, nil
}

// Release decrements count; at zero the buffer must be Clean or Empty
// and unhashed, and the slot returns to the free pool (spec.md §4.1).
func (p *Pool) Release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	invariant.Check(b.count > 0, "Release of unreferenced buffer", "index", b.index)
	b.count--
	if b.count > 0 {
		return
	}
	invariant.Check(b.state == Clean || b.state == Empty,
		"Release of a buffer that is neither clean nor empty", "state", b.state)
	invariant.Check(!b.hashed || b.owner.lookup(b.index) != b,
		"hashed buffer count reached zero but is still the map's live copy", "index", b.index)
	if !b.hashed {
		// A forked-away, unhashed buffer: fully detached already.
		b.state = Freed
		p.lru.Remove(b)
		p.count--
	}
}

// ForgetDirty marks b clean and unhashes it, discarding the in-progress
// write without a flush (spec.md §4.1).
func (p *Pool) ForgetDirty(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.state == Dirty {
		b.owner.dirty[b.delta%2].remove(b)
	}
	b.state = Clean
	b.owner.hashRemove(b)
}

// Invalidate drops every buffer belonging to m, regardless of state.
// Used by FreeMap.
func (p *Pool) Invalidate(m *Map) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, bucket := range m.buckets {
		for _, b := range bucket {
			if b.state == Dirty {
				m.dirty[b.delta%2].remove(b)
			}
			p.lru.Remove(b)
			b.state = Freed
			b.hashed = false
			p.count--
		}
	}
	for i := range m.buckets {
		m.buckets[i] = nil
	}
}

// EndIO transitions each buffer in bufs once its transfer completes, per
// spec.md §4.2's end_io: on success an empty buffer (a read) becomes
// clean, and a dirty buffer (a write) becomes clean and drops off its
// delta's dirty list; on failure a dirty buffer reverts to empty so the
// next access re-reads it, and an empty buffer (a failed read) is left
// empty. IOFunc implementations outside this package call EndIO once
// they know the outcome of the device transfer, since Buffer's state is
// otherwise only mutated from within bufcache.
func (p *Pool) EndIO(bufs []*Buffer, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range bufs {
		switch b.state {
		case Empty:
			if ok {
				b.state = Clean
			}
		case Dirty:
			b.owner.dirty[b.delta%2].remove(b)
			if ok {
				b.state = Clean
			} else {
				b.state = Empty
			}
		}
	}
}

// Stats reports the pool's current per-state buffer counts, matching
// spec.md §9's "separate, non-load-bearing tracing facility" for the
// debug print sprinkles in the original source.
type Stats struct {
	Allocated int
	Clean     int
	Dirty     int
	Empty     int
}

// Stats scans the LRU for a diagnostic snapshot. It is never consulted
// by engine logic, only by tests (directly or via tux3.Instance.Stats).
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	s.Allocated = p.count
	for _, b := range p.lru.Keys() {
		switch b.state {
		case Clean:
			s.Clean++
		case Dirty:
			s.Dirty++
		case Empty:
			s.Empty++
		}
	}
	return s
}
