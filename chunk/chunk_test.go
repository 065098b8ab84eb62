package chunk_test

import (
	"errors"
	"math"
	"testing"

	"github.com/entwine-go/ept/chunk"
	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/tile"
	"github.com/entwine-go/ept/voxel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("object not found")

// fakeCache is a minimal stand-in for cache.ChunkCache: it lazily builds a
// Chunk per ChunkKey it's asked to route to and loops on a false Insert by
// descending one octant, exactly as ChunkCache.Insert does.
type fakeCache struct {
	meta     chunk.Metadata
	children map[key.Dxyz]*chunk.Chunk
}

func newFakeCache(meta chunk.Metadata) *fakeCache {
	return &fakeCache{meta: meta, children: make(map[key.Dxyz]*chunk.Chunk)}
}

func (f *fakeCache) Insert(v voxel.Voxel, k key.Key, ck key.ChunkKey, clipper chunk.Clipper) bool {
	for {
		c, ok := f.children[ck.Dxyz]
		if !ok {
			c = chunk.New(ck, f.meta, nil)
			f.children[ck.Dxyz] = c
		}
		if c.Insert(f, clipper, v, k) {
			return true
		}
		dir := key.Direction(ck.Bounds.Mid, v.Point)
		ck = ck.GetStep(dir)
		k.Step(v.Point)
	}
}

func (f *fakeCache) root(ck key.ChunkKey) *chunk.Chunk { return f.children[ck.Dxyz] }

type fakeClipper struct{}

func (fakeClipper) Get(key.ChunkKey) (*chunk.Chunk, bool) { return nil, false }
func (fakeClipper) Set(key.ChunkKey, *chunk.Chunk)        {}

func point4(x, y, z float64) voxel.Voxel {
	data := []byte{byte(x), byte(y), byte(z), 0}
	var v voxel.Voxel
	v.InitShallow(key.Point{X: x, Y: y, Z: z}, data)
	return v
}

func rootBounds() key.Bounds {
	return key.NewCube(key.Point{X: 0.5, Y: 0.5, Z: 0.5}, 1.0)
}

func rootKey(bounds key.Bounds) key.Key {
	var k key.Key
	k.Init(bounds)
	return k
}

// octantCenter returns the midpoint of the child cube of bounds in the
// given direction, a convenient point guaranteed to fall in that octant.
func octantCenter(bounds key.Bounds, dir uint8) key.Point {
	return bounds.Get(dir).Mid
}

// steppedKey returns a Key descended n levels toward p, so its Position
// carries n bits of grid resolution (matching Chunk.gridIndex's `mod
// span` expectation that Position already encodes sub-chunk resolution).
func steppedKey(bounds key.Bounds, p key.Point, n int) key.Key {
	var k key.Key
	k.Init(bounds)
	for i := 0; i < n; i++ {
		k.Step(p)
	}
	return k
}

func TestInsertDistinctCellsAllLandInGrid(t *testing.T) {
	meta := chunk.Metadata{Span: 2, PointSize: 4, MinNodeSize: 1024, MaxNodeSize: 4096, SharedDepth: 0, Codec: tile.BinCodec{}}
	bounds := rootBounds()
	ck := key.Root(bounds)
	clipper := fakeClipper{}
	cache := newFakeCache(meta)

	for dir := uint8(0); dir < 8; dir++ {
		p := octantCenter(bounds, dir)
		v := point4(p.X, p.Y, p.Z)
		k := steppedKey(bounds, p, 1)
		placed := cache.Insert(v, k, ck, clipper)
		assert.True(t, placed)
	}
	assert.Equal(t, uint64(8), cache.root(ck).Size())
}

func TestCollisionKeepsCloserPointInGrid(t *testing.T) {
	meta := chunk.Metadata{Span: 1, PointSize: 4, MinNodeSize: 1, MaxNodeSize: 1 << 20, SharedDepth: 0, Codec: tile.BinCodec{}}
	bounds := rootBounds()
	ck := key.Root(bounds)
	clipper := fakeClipper{}
	cache := newFakeCache(meta)

	mid := bounds.Mid
	far := point4(0.0, 0.0, 0.0)
	near := point4(mid.X+0.001, mid.Y, mid.Z)

	require.True(t, cache.Insert(far, rootKey(bounds), ck, clipper))
	require.True(t, cache.Insert(near, rootKey(bounds), ck, clipper))

	// both occupy the same grid cell (span=1): the closer point must win
	// the slot and the farther one must have been displaced to overflow.
	assert.Equal(t, uint64(2), cache.root(ck).Size())
}

func TestOverflowSplitsIntoChildWhenThresholdsExceeded(t *testing.T) {
	meta := chunk.Metadata{Span: 2, PointSize: 4, MinNodeSize: 2, MaxNodeSize: 4, SharedDepth: 0, Codec: tile.BinCodec{}}
	bounds := rootBounds()
	ck := key.Root(bounds)
	clipper := fakeClipper{}
	cache := newFakeCache(meta)

	mid := bounds.Mid
	// all points land in the same octant (+x,+y,+z corner) at the same
	// grid cell so collisions pile into one overflow buffer rather than
	// spreading across the 2x2 grid.
	for i := 0; i < 6; i++ {
		v := point4(mid.X+0.1+float64(i)*0.0001, mid.Y+0.1, mid.Z+0.1)
		require.True(t, cache.Insert(v, rootKey(bounds), ck, clipper))
	}

	total := cache.root(ck).Size()
	assert.Less(t, total, uint64(6), "a split should have moved some points into a child chunk")
	assert.Greater(t, len(cache.children), 1, "overflow should have created at least one child chunk")
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	meta := chunk.Metadata{Span: 4, PointSize: 24, MinNodeSize: 1024, MaxNodeSize: 4096, SharedDepth: 0, Codec: tile.BinCodec{}}
	bounds := rootBounds()
	ck := key.Root(bounds)
	clipper := fakeClipper{}
	cache := newFakeCache(meta)

	mid := bounds.Mid
	for i := 0; i < 5; i++ {
		p := key.Point{X: mid.X + float64(i)*0.001, Y: mid.Y, Z: mid.Z}
		data := encode24(p)
		var v voxel.Voxel
		v.InitShallow(p, data)
		require.True(t, cache.Insert(v, rootKey(bounds), ck, clipper))
	}

	ep := newMemEndpoint()
	n, err := cache.root(ck).Save(ep)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	reload := chunk.New(ck, meta, nil)
	reloadCache := newFakeCache(meta)
	loaded, err := reload.Load(reloadCache, clipper, ep)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded)
}

func encode24(p key.Point) []byte {
	data := make([]byte, 24)
	putF64(data[0:8], p.X)
	putF64(data[8:16], p.Y)
	putF64(data[16:24], p.Z)
	return data
}

func putF64(b []byte, v float64) {
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (8 * i))
	}
}

type memEndpoint struct {
	objects map[string][]byte
}

func newMemEndpoint() *memEndpoint { return &memEndpoint{objects: make(map[string][]byte)} }

func (m *memEndpoint) Put(path string, data []byte) error {
	m.objects[path] = append([]byte(nil), data...)
	return nil
}

func (m *memEndpoint) Get(path string) ([]byte, error) {
	data, ok := m.objects[path]
	if !ok {
		return nil, errNotFound
	}
	return data, nil
}
