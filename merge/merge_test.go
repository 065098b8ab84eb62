package merge_test

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/entwine-go/ept/builder"
	"github.com/entwine-go/ept/config"
	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/merge"
	"github.com/entwine-go/ept/pointsource"
	"github.com/entwine-go/ept/store"
	"github.com/entwine-go/ept/tile"
	"github.com/stretchr/testify/require"
)

type literalSource struct {
	bounds  key.Bounds
	records []pointsource.Record
	i       int
}

func (s *literalSource) Bounds() key.Bounds { return s.bounds }
func (s *literalSource) Srs() string        { return "" }
func (s *literalSource) PointSize() int     { return 24 }

func (s *literalSource) Next() (pointsource.Record, bool, error) {
	if s.i >= len(s.records) {
		return pointsource.Record{}, false, nil
	}
	rec := s.records[s.i]
	s.i++
	return rec, true, nil
}

func record24(p key.Point) pointsource.Record {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint64(data[0:8], math.Float64bits(p.X))
	binary.LittleEndian.PutUint64(data[8:16], math.Float64bits(p.Y))
	binary.LittleEndian.PutUint64(data[16:24], math.Float64bits(p.Z))
	return pointsource.Record{Point: p, Data: data}
}

func buildSubset(t *testing.T, ep store.Endpoint, bounds key.Bounds, span uint32, sharedDepth uint8, sub *config.Subset, points []key.Point) {
	t.Helper()
	var records []pointsource.Record
	for _, p := range points {
		records = append(records, record24(p))
	}
	src := &literalSource{bounds: bounds, records: records}

	cfg := builder.Config{
		Endpoint:    ep,
		TmpDir:      t.TempDir(),
		Bounds:      bounds,
		Span:        span,
		PointSize:   24,
		MinNodeSize: 1024,
		MaxNodeSize: 65536,
		SharedDepth: sharedDepth,
		Codec:       tile.BinCodec{},
		DataType:    "bin",
		WorkThreads: 1,
		Subset:      sub,
	}
	b, err := builder.New(cfg)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Run(context.Background(), []builder.Input{{Path: "a.xyz", Source: src}})
	require.NoError(t, err)
}

// TestMergeSingleSubsetRoundTrip checks that merging a lone subset 1/1
// reproduces the same tree a non-subset build of the same input would
// (the "adopt every owned node directly" path only, since a single
// subset never shares a node with anyone).
func TestMergeSingleSubsetRoundTrip(t *testing.T) {
	bounds := key.NewCube(key.Point{X: 0.5, Y: 0.5, Z: 0.5}, 1.0)
	ep := store.NewMemory()

	points := []key.Point{
		{X: 0.1, Y: 0.1, Z: 0.1},
		{X: 0.9, Y: 0.9, Z: 0.9},
		{X: 0.1, Y: 0.9, Z: 0.1},
	}
	buildSubset(t, ep, bounds, 4, 0, &config.Subset{ID: 1, Of: 1}, points)

	res, err := merge.Merge(merge.Config{Endpoint: ep, Subsets: []int{1}, Of: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(3), res.Points)

	data, err := ep.Get("ept-data/0-0-0-0.bin")
	require.NoError(t, err)
	table, err := tile.BinCodec{}.Read(data, 24)
	require.NoError(t, err)
	require.Len(t, table.Records, 3)

	treeData, err := ep.Get("ept.json")
	require.NoError(t, err)
	tree, err := config.UnmarshalTree(treeData)
	require.NoError(t, err)
	require.Equal(t, uint64(3), tree.Points)

	buildData, err := ep.Get("ept-build.json")
	require.NoError(t, err)
	build, err := config.UnmarshalBuild(buildData)
	require.NoError(t, err)
	require.Nil(t, build.Subset, "a merged tree is never itself a subset")
}

// TestMergeSharedRootReplaysAcrossSubsets exercises the replay path
// (depth < sharedDepth): two subsets each contribute one point to the
// same root grid cell; merge must resolve the collision by the same
// midpoint tie-break a live build would use, and the farther point must
// land in the depth-1 child its octant routes to.
func TestMergeSharedRootReplaysAcrossSubsets(t *testing.T) {
	bounds := key.NewCube(key.Point{X: 0.5, Y: 0.5, Z: 0.5}, 1.0)
	ep := store.NewMemory()
	mid := bounds.Mid

	far := key.Point{X: mid.X + 0.2, Y: mid.Y + 0.2, Z: mid.Z + 0.2}
	near := key.Point{X: mid.X + 0.01, Y: mid.Y + 0.01, Z: mid.Z + 0.01}

	buildSubset(t, ep, bounds, 2, 1, &config.Subset{ID: 1, Of: 2}, []key.Point{far})
	buildSubset(t, ep, bounds, 2, 1, &config.Subset{ID: 2, Of: 2}, []key.Point{near})

	res, err := merge.Merge(merge.Config{Endpoint: ep, Subsets: []int{1, 2}, Of: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Points)

	rootData, err := ep.Get("ept-data/0-0-0-0.bin")
	require.NoError(t, err)
	root, err := tile.BinCodec{}.Read(rootData, 24)
	require.NoError(t, err)
	require.Len(t, root.Records, 1)
	require.InDelta(t, near.X, root.Records[0].Point.X, 1e-9,
		"the closer point stays in the shared root grid cell")

	// far is in octant 7 (>= mid on every axis) relative to the root,
	// so it is routed to child ChunkKey 1-1-1-1.
	childData, err := ep.Get("ept-data/1-1-1-1.bin")
	require.NoError(t, err)
	child, err := tile.BinCodec{}.Read(childData, 24)
	require.NoError(t, err)
	require.Len(t, child.Records, 1)
	require.InDelta(t, far.X, child.Records[0].Point.X, 1e-9)
}

// TestMergeRejectsIncompatibleSubsets checks that a span mismatch between
// subsets is refused rather than merged.
func TestMergeRejectsIncompatibleSubsets(t *testing.T) {
	bounds := key.NewCube(key.Point{X: 0.5, Y: 0.5, Z: 0.5}, 1.0)
	ep := store.NewMemory()

	buildSubset(t, ep, bounds, 2, 1, &config.Subset{ID: 1, Of: 2}, []key.Point{{X: 0.1, Y: 0.1, Z: 0.1}})
	buildSubset(t, ep, bounds, 4, 1, &config.Subset{ID: 2, Of: 2}, []key.Point{{X: 0.9, Y: 0.9, Z: 0.9}})

	_, err := merge.Merge(merge.Config{Endpoint: ep, Subsets: []int{1, 2}, Of: 2})
	require.ErrorIs(t, err, merge.ErrIncompatible)
}
