// Package chunk implements the octree node: a fixed-span grid of voxel
// columns plus eight overflow buffers. It is the unit of both in-memory
// residency (see the cache package) and on-disk tiling.
package chunk

import (
	"fmt"
	"sync"

	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/store"
	"github.com/entwine-go/ept/tile"
	"github.com/entwine-go/ept/voxel"
)

// Cache is the subset of ChunkCache a Chunk needs to route a point to a
// child node once it has decided it cannot hold the point itself. Defined
// here (the consumer) rather than in the cache package, so chunk has no
// import-time dependency on cache.
type Cache interface {
	Insert(v voxel.Voxel, k key.Key, ck key.ChunkKey, clipper Clipper) bool
}

// Clipper is the subset of the per-worker pin structure a Chunk needs:
// looking up and registering pins by ChunkKey. Defined here for the same
// reason as Cache.
type Clipper interface {
	Get(ck key.ChunkKey) (*Chunk, bool)
	Set(ck key.ChunkKey, c *Chunk)
}

// HierarchyReader is the read side of the hierarchy map, consulted by New
// to decide whether a child's overflow slot should start out nil (child
// subtree already materialized on a previous pass, per invariant #3).
type HierarchyReader interface {
	Get(d key.Dxyz) (uint64, bool)
}

// Endpoint is the storage boundary Save/Load need: byte-addressed get/put
// keyed by relative path. store.Endpoint satisfies this structurally.
type Endpoint interface {
	Put(path string, data []byte) error
	Get(path string) ([]byte, error)
}

// Metadata carries the build-wide parameters a Chunk needs that do not
// belong to any one instance: grid span, fixed record size, split
// thresholds, the depth below which overflow is disallowed, and the tile
// codec to serialize through.
type Metadata struct {
	Span        uint32
	PointSize   int
	MinNodeSize uint64
	MaxNodeSize uint64
	SharedDepth uint8
	Codec       tile.Codec
	Postfix     string
}

// Chunk is one octree node: a span x span grid of voxel Tubes (keyed by
// the integer z within the tube) plus eight overflow buffers, one per
// child octant.
type Chunk struct {
	key       key.ChunkKey
	childKeys [8]key.ChunkKey
	meta      Metadata

	tubes     []*voxel.Tube
	gridMu    sync.Mutex
	gridBlock *voxel.MemBlock

	overflowMu    sync.Mutex
	overflows     [8]*overflow
	overflowCount uint64
}

// New constructs a Chunk rooted at ck. hier may be nil (fresh build with no
// prior hierarchy); when non-nil, a child octant whose hierarchy count is
// already positive gets a nil overflow slot, since its subtree exists and
// further overflow into it must instead descend and retry (invariant #3).
func New(ck key.ChunkKey, meta Metadata, hier HierarchyReader) *Chunk {
	c := &Chunk{key: ck, meta: meta}
	for dir := uint8(0); dir < 8; dir++ {
		c.childKeys[dir] = ck.GetStep(dir)
	}

	c.tubes = make([]*voxel.Tube, meta.Span*meta.Span)
	for i := range c.tubes {
		c.tubes[i] = voxel.NewTube()
	}
	c.gridBlock = voxel.NewMemBlock(meta.PointSize, gridPage)

	for dir := uint8(0); dir < 8; dir++ {
		if hier != nil {
			if n, ok := hier.Get(c.childKeys[dir].Dxyz); ok && n > 0 {
				continue
			}
		}
		c.overflows[dir] = newOverflow(meta.PointSize)
	}
	return c
}

// Key returns the ChunkKey this node is rooted at.
func (c *Chunk) Key() key.ChunkKey { return c.key }

func (c *Chunk) gridIndex(pos key.Xyz) (idx int, z uint32) {
	gx := pos.X % c.meta.Span
	gy := pos.Y % c.meta.Span
	return int(gy*c.meta.Span + gx), pos.Z
}

func (c *Chunk) allocGridSlot() []byte {
	c.gridMu.Lock()
	defer c.gridMu.Unlock()
	return c.gridBlock.Next()
}

// Insert attempts to place v (addressed by k, relative to this Chunk) into
// the grid, falling back to overflow/descent on collision. It returns true
// iff v was placed somewhere within this Chunk (grid or overflow); false
// means the caller must descend to a child ChunkKey and retry.
func (c *Chunk) Insert(cache Cache, clipper Clipper, v voxel.Voxel, k key.Key) bool {
	idx, z := c.gridIndex(k.Position)
	tube := c.tubes[idx]

	tube.Lock()
	existing, occupied := tube.Get(z)
	if !occupied {
		slot := c.allocGridSlot()
		var nv voxel.Voxel
		nv.InitDeep(v.Point, v.Data, slot)
		tube.Set(z, nv)
		tube.Unlock()
		return true
	}

	mid := c.key.Bounds.Mid
	swapped := false
	if v.Point.SqDist(mid) < existing.Point.SqDist(mid) {
		voxel.SwapDeep(&existing, &v)
		tube.Set(z, existing)
		swapped = true
	}
	tube.Unlock()

	if c.insertOverflow(cache, clipper, v, k) {
		return true
	}
	if !swapped {
		return false
	}
	// The caller's point now holds the grid slot; v carries the displaced
	// point, which descends from here by its own coordinates.
	dir := key.Direction(mid, v.Point)
	k.Step(v.Point)
	cache.Insert(v, k, c.childKeys[dir], clipper)
	return true
}

// insertOverflow appends v to the overflow buffer for its octant, or
// reports that the caller must descend: either because this depth
// disallows overflow (sharedDepth gate) or because this octant's subtree
// has already split off into a child Chunk (nil overflow slot).
func (c *Chunk) insertOverflow(cache Cache, clipper Clipper, v voxel.Voxel, k key.Key) bool {
	if c.key.Depth < c.meta.SharedDepth {
		return false
	}

	dir := key.Direction(c.key.Bounds.Mid, v.Point)

	c.overflowMu.Lock()
	of := c.overflows[dir]
	if of == nil {
		c.overflowMu.Unlock()
		return false
	}
	of.append(v, k)
	c.overflowCount++
	count := c.overflowCount
	c.overflowMu.Unlock()

	if count >= c.meta.MinNodeSize {
		c.maybeOverflow(cache, clipper)
	}
	return true
}

// maybeOverflow splits off the largest overflow buffer into its child
// Chunk once the node's total size (grid + all overflows) reaches
// maxNodeSize, provided that buffer alone is at least minNodeSize.
func (c *Chunk) maybeOverflow(cache Cache, clipper Clipper) {
	c.overflowMu.Lock()

	total := uint64(c.gridBlock.Len()) + c.overflowCount
	if total < c.meta.MaxNodeSize {
		c.overflowMu.Unlock()
		return
	}

	bestDir := -1
	bestSize := 0
	for dir, of := range c.overflows {
		if of != nil && of.size() > bestSize {
			bestSize = of.size()
			bestDir = dir
		}
	}
	if bestDir < 0 || uint64(bestSize) < c.meta.MinNodeSize {
		c.overflowMu.Unlock()
		return
	}

	of := c.overflows[bestDir]
	c.overflows[bestDir] = nil
	c.overflowCount -= uint64(of.size())
	c.overflowMu.Unlock()

	c.doOverflow(cache, clipper, uint8(bestDir), of)
}

// doOverflow re-routes every entry in a detached overflow buffer into its
// child Chunk via the shared cache, stepping each entry's own Key one
// level deeper first.
func (c *Chunk) doOverflow(cache Cache, clipper Clipper, dir uint8, of *overflow) {
	childKey := c.childKeys[dir]
	for _, e := range of.entries {
		k := e.Key
		k.Step(e.Voxel.Point)
		cache.Insert(e.Voxel, k, childKey, clipper)
	}
}

// eachVoxel calls fn with every voxel resident in this Chunk's grid, in no
// particular order. Used by Save.
func (c *Chunk) eachVoxel(fn func(voxel.Voxel)) {
	for _, tube := range c.tubes {
		tube.Lock()
		tube.Each(func(_ uint32, v voxel.Voxel) { fn(v) })
		tube.Unlock()
	}
}

// Size returns the current total record count (grid + overflow), the
// quantity maybeOverflow compares against maxNodeSize.
func (c *Chunk) Size() uint64 {
	c.overflowMu.Lock()
	defer c.overflowMu.Unlock()
	return uint64(c.gridBlock.Len()) + c.overflowCount
}

// Save writes this Chunk's full point set (grid plus every still-resident
// overflow) to ept-data/<chunkKey><postfix>.<ext> through the configured
// tile codec, and returns the number of records written.
func (c *Chunk) Save(ep Endpoint) (uint64, error) {
	c.overflowMu.Lock()
	total := c.gridBlock.Len()
	for _, of := range c.overflows {
		if of != nil {
			total += of.size()
		}
	}
	records := make([]tile.Record, 0, total)
	c.eachVoxel(func(v voxel.Voxel) {
		records = append(records, tile.Record{Point: v.Point, Data: v.Data})
	})
	for _, of := range c.overflows {
		if of == nil {
			continue
		}
		for _, e := range of.entries {
			records = append(records, tile.Record{Point: e.Voxel.Point, Data: e.Voxel.Data})
		}
	}
	c.overflowMu.Unlock()

	table := tile.PointTable{PointSize: c.meta.PointSize, Records: records}
	data, err := c.meta.Codec.Write(table, c.key.Bounds)
	if err != nil {
		return 0, fmt.Errorf("chunk: encoding %s: %w", c.key, err)
	}

	path := fmt.Sprintf("ept-data/%s%s%s", c.key, c.meta.Postfix, c.meta.Codec.Extension())
	if err := store.EnsurePut(ep, path, data); err != nil {
		return 0, fmt.Errorf("chunk: writing %s: %w", path, err)
	}
	return uint64(len(records)), nil
}

// Load reads this Chunk's persisted tile back and re-inserts every point,
// the path ChunkCache uses to bring back a chunk it evicted earlier in the
// run. Each record is handed to
// this Chunk's own Insert directly rather than routed back through
// cache.Insert(..., c.key, ...): the cache holds this very Chunk under a
// lock for the duration of the load, so asking it to resolve its own key
// again would recurse back into that lock. A record only reaches the
// cache when Insert reports it doesn't belong here after all, in which
// case it is stepped one level down to the relevant child key exactly as
// ChunkCache.Insert's own descent loop would.
func (c *Chunk) Load(cache Cache, clipper Clipper, ep Endpoint) (uint64, error) {
	path := fmt.Sprintf("ept-data/%s%s%s", c.key, c.meta.Postfix, c.meta.Codec.Extension())
	data, err := store.EnsureGet(ep, path)
	if err != nil {
		return 0, fmt.Errorf("chunk: reading %s: %w", path, err)
	}
	table, err := c.meta.Codec.Read(data, c.meta.PointSize)
	if err != nil {
		return 0, fmt.Errorf("chunk: decoding %s: %w", path, err)
	}

	for _, rec := range table.Records {
		var v voxel.Voxel
		v.InitShallow(rec.Point, rec.Data)
		k := key.Seed(c.key.Bounds, rec.Point, c.meta.Span)
		if c.Insert(cache, clipper, v, k) {
			continue
		}
		dir := key.Direction(c.key.Bounds.Mid, v.Point)
		childKey := c.childKeys[dir]
		k.Step(v.Point)
		cache.Insert(v, k, childKey, clipper)
	}
	return uint64(len(table.Records)), nil
}
