package key

import "fmt"

// Xyz is an integer octree coordinate at some implicit depth. It is a
// plain comparable struct so it can be used directly as a map key.
type Xyz struct {
	X, Y, Z uint32
}

// Dxyz is a depth-qualified Xyz, the hierarchy and cache's primary key.
type Dxyz struct {
	Depth uint8
	Xyz
}

func (d Dxyz) String() string {
	return fmt.Sprintf("%d-%d-%d-%d", d.Depth, d.X, d.Y, d.Z)
}

// Key tracks descent through the octree: the integer grid position plus
// the bounds of the node currently addressed.
type Key struct {
	Bounds   Bounds
	Position Xyz
	depth    uint8
}

// Init resets k to the root, given the root bounds.
func (k *Key) Init(root Bounds) {
	k.Bounds = root
	k.Position = Xyz{}
	k.depth = 0
}

// Step descends one level toward p, doubling the integer position and
// adding the octant bit selected by p relative to the current midpoint.
func (k *Key) Step(p Point) {
	dir := Direction(k.Bounds.Mid, p)
	k.Position.X = k.Position.X<<1 | uint32(dir&1)
	k.Position.Y = k.Position.Y<<1 | uint32((dir>>1)&1)
	k.Position.Z = k.Position.Z<<1 | uint32((dir>>2)&1)
	k.Bounds = k.Bounds.Get(dir)
	k.depth++
}

// Depth returns the current descent depth.
func (k Key) Depth() uint8 { return k.depth }

// GridDepth returns the number of Step calls needed to give a Key's
// Position a chunk's full span-grid resolution: ceil(log2(span)).
// Chunk.gridIndex reduces Position mod span, so a freshly Init'd Key
// (Position all zero) must be stepped this many times toward the real
// point before its first Insert attempt, or every point would collide
// in grid cell zero.
func GridDepth(span uint32) int {
	depth := 0
	for n := uint32(1); n < span; n <<= 1 {
		depth++
	}
	return depth
}

// Seed returns a Key anchored at anchor (the bounds of whichever
// ChunkKey the caller is about to hand to Cache.Insert — the dataset
// root for a fresh point, or a chunk's own bounds when re-inserting a
// record already known to belong to it) and pre-stepped toward p by
// GridDepth(span) levels, so Position already carries that chunk's
// span-grid resolution before the first Insert attempt. Every retry
// thereafter (cache.Insert's descend loop, Chunk.doOverflow) advances
// Position one more bit, sliding the span-grid window deeper as the
// point descends.
func Seed(anchor Bounds, p Point, span uint32) Key {
	var k Key
	k.Init(anchor)
	for i, n := 0, GridDepth(span); i < n; i++ {
		k.Step(p)
	}
	return k
}

// Dxyz returns the depth+position pair addressed by k.
func (k Key) Dxyz() Dxyz {
	return Dxyz{Depth: k.depth, Xyz: k.Position}
}

// ChunkKey is a Dxyz plus the bounds of the node it addresses, the unit of
// tile/chunk identity (spec "D-X-Y-Z").
type ChunkKey struct {
	Dxyz
	Bounds Bounds
}

// Root builds the ChunkKey for the root node over the given cube.
func Root(bounds Bounds) ChunkKey {
	return ChunkKey{Dxyz: Dxyz{}, Bounds: bounds}
}

// FromKey builds a ChunkKey from the current state of k.
func FromKey(k Key) ChunkKey {
	return ChunkKey{Dxyz: k.Dxyz(), Bounds: k.Bounds}
}

// String renders "D-X-Y-Z", the on-disk tile-naming convention.
func (ck ChunkKey) String() string {
	return ck.Dxyz.String()
}

// GetStep returns the child ChunkKey in the given octant direction.
func (ck ChunkKey) GetStep(dir uint8) ChunkKey {
	return ChunkKey{
		Dxyz: Dxyz{
			Depth: ck.Depth + 1,
			Xyz: Xyz{
				X: ck.X<<1 | uint32(dir&1),
				Y: ck.Y<<1 | uint32((dir>>1)&1),
				Z: ck.Z<<1 | uint32((dir>>2)&1),
			},
		},
		Bounds: ck.Bounds.Get(dir),
	}
}

// Children returns all eight child ChunkKeys of ck, in direction order.
func (ck ChunkKey) Children() [8]ChunkKey {
	var out [8]ChunkKey
	for dir := uint8(0); dir < 8; dir++ {
		out[dir] = ck.GetStep(dir)
	}
	return out
}
