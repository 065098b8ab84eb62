// Package cache implements the ChunkCache: the residency layer that hands
// out refcounted Chunk pointers to workers and, in the background,
// serializes and evicts chunks that have fallen idle. It keeps one
// lookup-or-create, read-through-on-eviction map per octree depth rather
// than a single global map, since one lock across the whole tree would
// serialize insertion everywhere at once.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/entwine-go/ept/chunk"
	"github.com/entwine-go/ept/hierarchy"
	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/ptlog"
	"github.com/entwine-go/ept/voxel"
	"golang.org/x/sync/semaphore"
)

// refChunk is a refcounted, lazily-loaded Chunk slot. A nil chunk field
// means the Chunk has been serialized and dropped from memory; the next
// addRef must reload it if its Dxyz is in owned, or start fresh otherwise.
// cond lets a concurrent addRef for the same, currently-loading slot wait
// for the load to finish instead of taking a ref it was never granted.
type refChunk struct {
	mu      sync.Mutex
	cond    *sync.Cond
	chunk   *chunk.Chunk
	refs    int
	loading bool
}

func newRefChunk() *refChunk {
	rc := &refChunk{}
	rc.cond = sync.NewCond(&rc.mu)
	return rc
}

// LatchInfo is the monitor-facing snapshot of cache activity, the
// ChunkCache analogue of massifs' dircache counters.
type LatchInfo struct {
	Written uint64
	Read    uint64
	Alive   uint64
}

// ChunkCache is the central, shared residency table for all Chunks in a
// build. One ChunkCache is shared by every worker; per-worker Clippers
// hold the refcounts that keep hot chunks resident.
type ChunkCache struct {
	meta     chunk.Metadata
	endpoint chunk.Endpoint
	hier     *hierarchy.Hierarchy
	log      ptlog.Logger

	maxSize int
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	growMu  sync.Mutex
	depthMu map[uint8]*sync.Mutex
	slices  map[uint8]map[key.Xyz]*refChunk

	ownedMu sync.Mutex
	owned   map[key.Dxyz]bool

	written atomic.Uint64
	read    atomic.Uint64
}

// Option configures a ChunkCache at construction, following the usual
// functional-options pattern for optional fields with sane defaults.
type Option func(*ChunkCache)

// WithLogger overrides the default no-op logger.
func WithLogger(l ptlog.Logger) Option {
	return func(c *ChunkCache) { c.log = l }
}

// WithMaxSize sets the target residency for unreferenced chunks.
func WithMaxSize(n int) Option {
	return func(c *ChunkCache) { c.maxSize = n }
}

// New builds an empty ChunkCache. clipThreads bounds the concurrency of
// the background serialize/evict pool.
func New(meta chunk.Metadata, endpoint chunk.Endpoint, hier *hierarchy.Hierarchy, clipThreads int, opts ...Option) *ChunkCache {
	if clipThreads < 1 {
		clipThreads = 1
	}
	c := &ChunkCache{
		meta:     meta,
		endpoint: endpoint,
		hier:     hier,
		log:      ptlog.Nop(),
		maxSize:  64,
		sem:      semaphore.NewWeighted(int64(clipThreads)),
		depthMu:  make(map[uint8]*sync.Mutex),
		slices:   make(map[uint8]map[key.Xyz]*refChunk),
		owned:    make(map[key.Dxyz]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sliceFor returns the lock and map for depth, creating both on first use.
// Both are returned by reference and, once created, never replaced — only
// the growMu-guarded lookup that finds them needs synchronization, not the
// slice map itself, which each depth's own mutex protects thereafter.
func (c *ChunkCache) sliceFor(depth uint8) (*sync.Mutex, map[key.Xyz]*refChunk) {
	c.growMu.Lock()
	defer c.growMu.Unlock()
	mu, ok := c.depthMu[depth]
	if !ok {
		mu = &sync.Mutex{}
		c.depthMu[depth] = mu
		c.slices[depth] = make(map[key.Xyz]*refChunk)
	}
	return mu, c.slices[depth]
}

func (c *ChunkCache) depths() []uint8 {
	c.growMu.Lock()
	defer c.growMu.Unlock()
	out := make([]uint8, 0, len(c.slices))
	for d := range c.slices {
		out = append(out, d)
	}
	return out
}

// addRef returns the resident Chunk for ck, creating or reloading it as
// needed, and increments its refcount. The clipper is asked first so a
// worker that already pins ck avoids the slice lock entirely.
//
// Chunk.Load re-inserts its own points by calling this Chunk's own
// Insert directly rather than routing back through the cache, so the
// loading goroutine never re-enters addRef for ck: rc.loading is only
// ever observed true by a genuinely different caller, racing the load of
// an evicted chunk it also wants. Such a caller waits on rc.cond until
// the load finishes, then takes a real ref like any other hit — it never
// skips the increment and pins a chunk it wasn't granted.
func (c *ChunkCache) addRef(ck key.ChunkKey, clip chunk.Clipper) (*chunk.Chunk, error) {
	if ch, ok := clip.Get(ck); ok {
		return ch, nil
	}

	mu, slice := c.sliceFor(ck.Depth)
	mu.Lock()
	rc, ok := slice[ck.Xyz]
	if !ok {
		rc = newRefChunk()
		slice[ck.Xyz] = rc
	}
	mu.Unlock()

	rc.mu.Lock()
	for rc.loading {
		rc.cond.Wait()
	}
	if rc.chunk == nil {
		c.ownedMu.Lock()
		wasOwned := c.owned[ck.Dxyz]
		c.ownedMu.Unlock()

		rc.chunk = chunk.New(ck, c.meta, c.hier)
		if wasOwned {
			rc.loading = true
			ch := rc.chunk
			rc.mu.Unlock()
			_, err := ch.Load(c, clip, c.endpoint)
			rc.mu.Lock()
			rc.loading = false
			rc.cond.Broadcast()
			if err != nil {
				rc.mu.Unlock()
				return nil, fmt.Errorf("cache: loading %s: %w", ck, err)
			}
			c.read.Add(1)
		}
	}
	rc.refs++
	ch := rc.chunk
	rc.mu.Unlock()

	clip.Set(ck, ch)
	return ch, nil
}

// Insert implements chunk.Cache: it resolves ck to a resident Chunk and
// descends through children until the point lands in the grid or an
// overflow buffer.
func (c *ChunkCache) Insert(v voxel.Voxel, k key.Key, ck key.ChunkKey, clip chunk.Clipper) bool {
	for {
		ch, err := c.addRef(ck, clip)
		if err != nil {
			c.log.Errorf("cache: addRef %s: %v", ck, err)
			panic(fmt.Sprintf("cache: unrecoverable load failure for %s: %v", ck, err))
		}
		if ch.Insert(c, clip, v, k) {
			return true
		}
		dir := key.Direction(ck.Bounds.Mid, v.Point)
		ck = ck.GetStep(dir)
		k.Step(v.Point)
	}
}

// Clip implements clipper.Cache: it releases one ref for every chunk in
// stale, at depth.
func (c *ChunkCache) Clip(depth uint8, stale map[key.Xyz]*chunk.Chunk) {
	mu, slice := c.sliceFor(depth)
	for xyz := range stale {
		mu.Lock()
		rc := slice[xyz]
		mu.Unlock()
		if rc == nil {
			continue
		}
		rc.mu.Lock()
		if rc.refs == 0 {
			rc.mu.Unlock()
			panic(fmt.Sprintf("cache: refcount underflow releasing %v at depth %d", xyz, depth))
		}
		rc.refs--
		rc.mu.Unlock()
	}
	c.maybePurge()
}

// maybePurge counts resident, unreferenced chunks and schedules
// serialize+evict jobs on the background pool until residency is back at
// or below maxSize. Eviction runs concurrently with inserts at other
// chunks; a chunk's Xyz is recorded in owned before its in-memory Chunk is
// dropped, so a later addRef knows to reload it rather than start fresh.
func (c *ChunkCache) maybePurge() {
	type candidate struct {
		depth uint8
		xyz   key.Xyz
		rc    *refChunk
	}
	var resident, idle []candidate

	for _, depth := range c.depths() {
		mu, slice := c.sliceFor(depth)
		mu.Lock()
		for xyz, rc := range slice {
			rc.mu.Lock()
			if rc.chunk != nil {
				resident = append(resident, candidate{depth: depth, xyz: xyz, rc: rc})
				if rc.refs == 0 && !rc.loading {
					idle = append(idle, candidate{depth: depth, xyz: xyz, rc: rc})
				}
			}
			rc.mu.Unlock()
		}
		mu.Unlock()
	}

	excess := len(resident) - c.maxSize
	if excess <= 0 {
		return
	}
	if excess > len(idle) {
		excess = len(idle)
	}
	for _, cand := range idle[:excess] {
		c.scheduleEvict(cand.rc)
	}
}

func (c *ChunkCache) scheduleEvict(rc *refChunk) {
	if err := c.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		c.evict(rc)
	}()
}

func (c *ChunkCache) evict(rc *refChunk) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.chunk == nil || rc.refs != 0 || rc.loading {
		return
	}
	c.serializeLocked(rc)
}

// serializeLocked saves rc's chunk and drops it from memory. Caller must
// hold rc.mu.
func (c *ChunkCache) serializeLocked(rc *refChunk) {
	ck := rc.chunk.Key()
	n, err := rc.chunk.Save(c.endpoint)
	if err != nil {
		c.log.Errorf("cache: saving %s: %v", ck, err)
		panic(fmt.Sprintf("cache: unrecoverable save failure for %s: %v", ck, err))
	}
	c.hier.Set(ck.Dxyz, n)

	c.ownedMu.Lock()
	c.owned[ck.Dxyz] = true
	c.ownedMu.Unlock()

	rc.chunk = nil
	c.written.Add(1)
}

// Join drains all outstanding eviction tasks, then serializes every still
// resident chunk so the final hierarchy reflects the whole tree.
func (c *ChunkCache) Join() {
	c.wg.Wait()

	for _, depth := range c.depths() {
		mu, slice := c.sliceFor(depth)
		mu.Lock()
		rcs := make([]*refChunk, 0, len(slice))
		for _, rc := range slice {
			rcs = append(rcs, rc)
		}
		mu.Unlock()

		for _, rc := range rcs {
			rc.mu.Lock()
			if rc.chunk != nil && !rc.loading {
				c.serializeLocked(rc)
			}
			rc.mu.Unlock()
		}
	}
}

// LatchInfo returns a point-in-time snapshot of cache activity.
func (c *ChunkCache) LatchInfo() LatchInfo {
	alive := uint64(0)
	for _, depth := range c.depths() {
		mu, slice := c.sliceFor(depth)
		mu.Lock()
		for _, rc := range slice {
			rc.mu.Lock()
			if rc.chunk != nil {
				alive++
			}
			rc.mu.Unlock()
		}
		mu.Unlock()
	}
	return LatchInfo{
		Written: c.written.Load(),
		Read:    c.read.Load(),
		Alive:   alive,
	}
}
