// Package synthetic procedurally generates point sets for end-to-end
// build tests: uniform scatter across a cube, and a tight clustered
// ball near one corner, without needing a real point-cloud file on disk.
package synthetic

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/pointsource"
)

// Source generates n deterministic points (seeded by New's seed) from gen, a
// distribution over the cube, encoding each as pointSize bytes: the
// leading 24 bytes are the X/Y/Z float64 fields, little-endian, matching
// tile.BinCodec's layout; any remaining bytes are zero-filled padding
// standing in for whatever attribute payload a real format would carry.
type Source struct {
	bounds    key.Bounds
	pointSize int
	n         int
	gen       func(r *rand.Rand, b key.Bounds) key.Point
	rng       *rand.Rand
	emitted   int
}

// Uniform returns a generator that scatters points uniformly inside b.
func Uniform() func(r *rand.Rand, b key.Bounds) key.Point {
	return func(r *rand.Rand, b key.Bounds) key.Point {
		h := b.Width / 2
		return key.Point{
			X: b.Mid.X - h + r.Float64()*b.Width,
			Y: b.Mid.Y - h + r.Float64()*b.Width,
			Z: b.Mid.Z - h + r.Float64()*b.Width,
		}
	}
}

// ClusteredBall returns a generator that packs points into a ball of the
// given radius centered near one corner of b, dense enough to force an
// overflow chain down a single octant.
func ClusteredBall(radius float64) func(r *rand.Rand, b key.Bounds) key.Point {
	return func(r *rand.Rand, b key.Bounds) key.Point {
		h := b.Width / 2
		center := key.Point{X: b.Mid.X - h + radius, Y: b.Mid.Y - h + radius, Z: b.Mid.Z - h + radius}
		for {
			dx := (r.Float64()*2 - 1) * radius
			dy := (r.Float64()*2 - 1) * radius
			dz := (r.Float64()*2 - 1) * radius
			if dx*dx+dy*dy+dz*dz <= radius*radius {
				return key.Point{X: center.X + dx, Y: center.Y + dy, Z: center.Z + dz}
			}
		}
	}
}

// New returns a Source that will emit n points from gen over bounds,
// each record pointSize bytes wide (minimum 24), seeded for
// reproducibility across runs.
func New(bounds key.Bounds, pointSize, n int, seed int64, gen func(r *rand.Rand, b key.Bounds) key.Point) *Source {
	if pointSize < 24 {
		pointSize = 24
	}
	return &Source{bounds: bounds, pointSize: pointSize, n: n, gen: gen, rng: rand.New(rand.NewSource(seed))}
}

func (s *Source) Bounds() key.Bounds { return s.bounds }
func (s *Source) Srs() string        { return "" }
func (s *Source) PointSize() int     { return s.pointSize }

func (s *Source) Next() (pointsource.Record, bool, error) {
	if s.emitted >= s.n {
		return pointsource.Record{}, false, nil
	}
	s.emitted++
	p := s.gen(s.rng, s.bounds)
	data := make([]byte, s.pointSize)
	binary.LittleEndian.PutUint64(data[0:8], math.Float64bits(p.X))
	binary.LittleEndian.PutUint64(data[8:16], math.Float64bits(p.Y))
	binary.LittleEndian.PutUint64(data[16:24], math.Float64bits(p.Z))
	return pointsource.Record{Point: p, Data: data}, true, nil
}
