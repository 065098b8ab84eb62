// Package merge implements the Merger: folding N disjoint subset builds
// of the same tree into one. It reuses the builder's Manifest plumbing
// directly and routes every shared-depth point back through a fresh
// cache.ChunkCache, the same entry point the Builder uses, so a subset's
// contribution to a shared node is subject to exactly the same
// grid/overflow/tie-break rules as a live build. The replay-and-reconcile
// shape mirrors massifcommitter's approach to rebuilding a checkpoint by
// replaying a massif's log, generalized here to rebuilding a shared
// octree node by replaying a subset's points.
package merge

import (
	"errors"
	"fmt"
	"sort"

	"github.com/entwine-go/ept/builder"
	"github.com/entwine-go/ept/cache"
	"github.com/entwine-go/ept/chunk"
	"github.com/entwine-go/ept/clipper"
	"github.com/entwine-go/ept/config"
	"github.com/entwine-go/ept/hierarchy"
	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/metrics"
	"github.com/entwine-go/ept/ptlog"
	"github.com/entwine-go/ept/store"
	"github.com/entwine-go/ept/tile"
	"github.com/entwine-go/ept/voxel"
)

// ErrIncompatible reports a metadata mismatch between two subsets being
// merged: bounds, span, schema, and dataType must agree for a merge to
// proceed.
var ErrIncompatible = errors.New("merge: incompatible subset metadata")

// ErrDuplicateNode reports a hierarchy node claimed as exclusively owned
// (depth >= sharedDepth) by more than one subset, an invariant violation.
var ErrDuplicateNode = errors.New("merge: duplicate exclusively-owned hierarchy node")

// Config carries everything Merge needs beyond the subset outputs
// themselves, which it discovers by reading each subset's own
// ept-build/ept.json off the shared endpoint.
type Config struct {
	Endpoint store.Endpoint

	// Subsets lists the subset IDs to merge, e.g. {1, 2} for a 1/2+2/2
	// fan-out. Of is the fan-out denominator recorded in each subset's
	// config.Subset; the on-disk postfix depends only on the ID.
	Subsets []int
	Of      int

	ClipThreads int
	CacheSize   int

	Registry *tile.Registry

	Logger  ptlog.Logger
	Metrics *metrics.Registry
}

func (cfg *Config) setDefaults() {
	if cfg.ClipThreads < 1 {
		cfg.ClipThreads = 1
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 64
	}
	if cfg.Registry == nil {
		cfg.Registry = tile.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = ptlog.Nop()
	}
}

// Result summarizes a completed merge.
type Result struct {
	Points   uint64
	Manifest *builder.Manifest
}

// Merge folds every subset in cfg.Subsets into one non-subset tree on
// cfg.Endpoint: subset 1 (cfg.Subsets[0], after sorting) seeds the tree
// and hierarchy metadata; every subset's points below sharedDepth are
// replayed through a single shared ChunkCache, and every hierarchy node
// at or above sharedDepth is adopted directly (its tile copied verbatim
// to its non-subset path) since it is exclusively owned by that subset.
func Merge(cfg Config) (Result, error) {
	cfg.setDefaults()
	if len(cfg.Subsets) == 0 {
		return Result{}, fmt.Errorf("merge: no subsets given")
	}
	ids := append([]int(nil), cfg.Subsets...)
	sort.Ints(ids)

	var tree config.Tree
	var build config.Build
	var meta chunk.Metadata
	mfst := builder.NewManifest()
	hier := hierarchy.New()
	var c *cache.ChunkCache

	for i, id := range ids {
		sub := &config.Subset{ID: id, Of: cfg.Of}
		postfix := (config.Build{Subset: sub}).Postfix()

		subTree, subBuild, err := loadMetadata(cfg.Endpoint, postfix)
		if err != nil {
			return Result{}, fmt.Errorf("merge: subset %d: %w", id, err)
		}

		if i == 0 {
			tree, build = subTree, subBuild
			codec, err := cfg.Registry.Get(tile.Format(tree.DataType))
			if err != nil {
				return Result{}, fmt.Errorf("merge: subset %d: %w", id, err)
			}
			meta = chunk.Metadata{
				Span:        tree.Span,
				PointSize:   schemaPointSize(tree.Schema),
				MinNodeSize: build.MinNodeSize,
				MaxNodeSize: build.MaxNodeSize,
				SharedDepth: build.SharedDepth,
				Codec:       codec,
			}
			c = cache.New(meta, cfg.Endpoint, hier, cfg.ClipThreads,
				cache.WithLogger(cfg.Logger), cache.WithMaxSize(cfg.CacheSize))
		} else if err := checkCompatible(tree, build, subTree, subBuild); err != nil {
			return Result{}, fmt.Errorf("merge: subset %d: %w", id, err)
		}

		if err := mergeSubset(c, cfg, meta, tree.Bounds, postfix, hier, id); err != nil {
			return Result{}, err
		}

		subMfst, err := loadManifest(cfg.Endpoint, postfix)
		if err != nil {
			return Result{}, fmt.Errorf("merge: subset %d: %w", id, err)
		}
		for path, fi := range subMfst.Files {
			mfst.Assign(path)
			dst := mfst.Files[path]
			dst.Inserted = fi.Inserted
			dst.Points = fi.Points
			dst.Errors = fi.Errors
		}
	}

	c.Join()

	total := uint64(0)
	hier.Each(func(_ key.Dxyz, n uint64) { total += n })
	if total != tree.Points {
		// tree.Points is only a hint carried from subset 1; the merged
		// total from the fully-reconciled hierarchy is authoritative.
		tree.Points = total
	}

	if err := persist(cfg.Endpoint, tree, build, mfst, hier); err != nil {
		return Result{}, err
	}

	return Result{Points: total, Manifest: mfst}, nil
}

// mergeSubset walks one subset's hierarchy: nodes at or above sharedDepth
// are exclusively owned by this subset and are adopted by copying their
// tile and hierarchy count verbatim; nodes below sharedDepth are shared,
// so every point in that node's tile is replayed through c.
func mergeSubset(c *cache.ChunkCache, cfg Config, meta chunk.Metadata, rootBounds key.Bounds, postfix string, hier *hierarchy.Hierarchy, id int) error {
	subHier := make(map[key.Dxyz]int64)
	if err := loadHierarchyInto(cfg.Endpoint, postfix, key.Dxyz{}, subHier); err != nil {
		return fmt.Errorf("merge: subset %d: %w", id, err)
	}

	clip := clipper.New(c)
	defer clip.Close()

	// Sort for deterministic iteration order, which matters for the
	// "assert absent" duplicate check's error message but not for
	// correctness.
	nodes := make([]key.Dxyz, 0, len(subHier))
	for d := range subHier {
		nodes = append(nodes, d)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })

	for _, d := range nodes {
		n := subHier[d]
		if n < 0 {
			// A -1 marker from a page we already expanded while loading;
			// skip, the expanded child entries carry the real counts.
			continue
		}
		if d.Depth >= meta.SharedDepth {
			if err := adoptOwned(cfg.Endpoint, meta, hier, d, uint64(n), postfix, id); err != nil {
				return err
			}
			continue
		}
		if err := replayTile(c, clip, cfg.Endpoint, meta, rootBounds, d, postfix); err != nil {
			return fmt.Errorf("merge: subset %d: replaying node %s: %w", id, d, err)
		}
	}
	return nil
}

// adoptOwned copies a subtree-owning subset's tile to its final,
// non-subset path and records its hierarchy count directly, without
// touching the shared cache: this subtree belongs to exactly one
// subset, so no other subset can contend for it.
func adoptOwned(ep store.Endpoint, meta chunk.Metadata, hier *hierarchy.Hierarchy, d key.Dxyz, n uint64, postfix string, id int) error {
	if _, exists := hier.Get(d); exists {
		return fmt.Errorf("%w: %s claimed by subset %d", ErrDuplicateNode, d, id)
	}
	hier.Set(d, n)
	if n == 0 {
		// Pass-through node: no tile was ever written for it.
		return nil
	}
	ext := meta.Codec.Extension()
	src := fmt.Sprintf("ept-data/%s%s%s", d, postfix, ext)
	dst := fmt.Sprintf("ept-data/%s%s", d, ext)
	data, err := store.EnsureGet(ep, src)
	if err != nil {
		return fmt.Errorf("merge: reading %s: %w", src, err)
	}
	if err := store.EnsurePut(ep, dst, data); err != nil {
		return fmt.Errorf("merge: writing %s: %w", dst, err)
	}
	return nil
}

// replayTile reads a shared subset's tile at d and re-inserts every
// record through c from the dataset root, the same call shape
// Builder.insertRecord uses for a freshly parsed point: the merged
// tree's grid/overflow structure at d may differ from the subset's own
// (another subset may also contribute here), so each point must descend
// the octree again rather than being assumed to land back at d.
func replayTile(c *cache.ChunkCache, clip *clipper.Clipper, ep store.Endpoint, meta chunk.Metadata, rootBounds key.Bounds, d key.Dxyz, postfix string) error {
	ext := meta.Codec.Extension()
	path := fmt.Sprintf("ept-data/%s%s%s", d, postfix, ext)
	data, err := store.EnsureGet(ep, path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	table, err := meta.Codec.Read(data, meta.PointSize)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}

	ck := key.Root(rootBounds)
	for _, rec := range table.Records {
		var v voxel.Voxel
		v.InitShallow(rec.Point, rec.Data)
		k := key.Seed(rootBounds, rec.Point, meta.Span)
		c.Insert(v, k, ck, clip)
	}
	return nil
}

func loadMetadata(ep store.Endpoint, postfix string) (config.Tree, config.Build, error) {
	treeData, err := store.EnsureGet(ep, fmt.Sprintf("ept%s.json", postfix))
	if err != nil {
		return config.Tree{}, config.Build{}, fmt.Errorf("reading ept%s.json: %w", postfix, err)
	}
	tree, err := config.UnmarshalTree(treeData)
	if err != nil {
		return config.Tree{}, config.Build{}, err
	}

	buildData, err := store.EnsureGet(ep, fmt.Sprintf("ept-build%s.json", postfix))
	if err != nil {
		return config.Tree{}, config.Build{}, fmt.Errorf("reading ept-build%s.json: %w", postfix, err)
	}
	build, err := config.UnmarshalBuild(buildData)
	if err != nil {
		return config.Tree{}, config.Build{}, err
	}
	return tree, build, nil
}

func loadManifest(ep store.Endpoint, postfix string) (*builder.Manifest, error) {
	data, err := store.EnsureGet(ep, fmt.Sprintf("ept-sources/manifest%s.json", postfix))
	if err != nil {
		return nil, fmt.Errorf("reading manifest%s.json: %w", postfix, err)
	}
	return builder.UnmarshalManifest(data)
}

// loadHierarchyInto recursively expands a subset's hierarchy pages,
// following hierarchy.Split's -1 "see child page" markers, and writes
// every leaf (or pass-through) entry into out keyed by its full Dxyz.
func loadHierarchyInto(ep store.Endpoint, postfix string, pageRoot key.Dxyz, out map[key.Dxyz]int64) error {
	path := fmt.Sprintf("ept-hierarchy/%s%s.json", pageRoot, postfix)
	data, err := store.EnsureGet(ep, path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	page, err := hierarchy.UnmarshalPage(data)
	if err != nil {
		return err
	}
	for d, n := range page {
		if n < 0 {
			if err := loadHierarchyInto(ep, postfix, d, out); err != nil {
				return err
			}
			continue
		}
		out[d] = n
	}
	return nil
}

func schemaPointSize(schema []config.Schema) int {
	n := 0
	for _, s := range schema {
		n += s.Size
	}
	return n
}

// checkCompatible makes merge refuse to combine subsets whose bounds,
// span, schema, or dataType disagree, rather than silently merging
// mismatched trees.
func checkCompatible(tree config.Tree, build config.Build, otherTree config.Tree, otherBuild config.Build) error {
	if tree.Bounds != otherTree.Bounds {
		return fmt.Errorf("%w: bounds %v != %v", ErrIncompatible, tree.Bounds, otherTree.Bounds)
	}
	if tree.Span != otherTree.Span {
		return fmt.Errorf("%w: span %d != %d", ErrIncompatible, tree.Span, otherTree.Span)
	}
	if tree.DataType != otherTree.DataType {
		return fmt.Errorf("%w: dataType %q != %q", ErrIncompatible, tree.DataType, otherTree.DataType)
	}
	if schemaPointSize(tree.Schema) != schemaPointSize(otherTree.Schema) {
		return fmt.Errorf("%w: point size %d != %d", ErrIncompatible,
			schemaPointSize(tree.Schema), schemaPointSize(otherTree.Schema))
	}
	if build.SharedDepth != otherBuild.SharedDepth {
		return fmt.Errorf("%w: sharedDepth %d != %d", ErrIncompatible, build.SharedDepth, otherBuild.SharedDepth)
	}
	return nil
}

func persist(ep store.Endpoint, tree config.Tree, build config.Build, mfst *builder.Manifest, hier *hierarchy.Hierarchy) error {
	pages := hier.Split(key.Dxyz{}, builder.DefaultMaxHierarchyNodes)
	for root, page := range pages {
		data, err := hierarchy.MarshalPage(page)
		if err != nil {
			return err
		}
		path := fmt.Sprintf("ept-hierarchy/%s.json", root)
		if err := store.EnsurePut(ep, path, data); err != nil {
			return fmt.Errorf("writing hierarchy page %s: %w", path, err)
		}
	}

	tree.HierarchyType = config.HierarchySingle
	tree.HierarchyStep = 0
	if len(pages) > 1 {
		tree.HierarchyType = config.HierarchyStepped
		tree.HierarchyStep = builder.DefaultMaxHierarchyNodes
	}
	treeData, err := config.MarshalTree(tree)
	if err != nil {
		return err
	}
	if err := store.EnsurePut(ep, "ept.json", treeData); err != nil {
		return fmt.Errorf("writing ept.json: %w", err)
	}

	build.Subset = nil
	buildData, err := config.MarshalBuild(build)
	if err != nil {
		return err
	}
	if err := store.EnsurePut(ep, "ept-build.json", buildData); err != nil {
		return fmt.Errorf("writing ept-build.json: %w", err)
	}

	mfstData, err := builder.MarshalManifest(mfst)
	if err != nil {
		return err
	}
	if err := store.EnsurePut(ep, "ept-sources/manifest.json", mfstData); err != nil {
		return fmt.Errorf("writing manifest.json: %w", err)
	}
	return nil
}
