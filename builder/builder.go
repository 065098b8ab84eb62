// Package builder drives the top-level insertion loop: assign each input
// an origin, skip what's already marked inserted on resume, feed points
// through the shared ChunkCache on a bounded work pool, and persist
// hierarchy/manifest/tree metadata on completion. Files run concurrently
// on an errgroup-bounded worker pool. A read error inside one file is
// recorded in the manifest and does not stop the run; the first storage,
// configuration, or invariant failure cancels the rest and is returned
// from Run.
package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entwine-go/ept/cache"
	"github.com/entwine-go/ept/chunk"
	"github.com/entwine-go/ept/clipper"
	"github.com/entwine-go/ept/config"
	"github.com/entwine-go/ept/hierarchy"
	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/metrics"
	"github.com/entwine-go/ept/pointsource"
	"github.com/entwine-go/ept/ptlog"
	"github.com/entwine-go/ept/store"
	"github.com/entwine-go/ept/tile"
	"github.com/entwine-go/ept/voxel"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Defaults for the clip-trigger point count and cache residency target.
// DefaultSleepCount (65536*32 = 2,097,152) is a tunable; the right value
// depends on point size and cache hierarchy, so every build can override
// it via Config.SleepCount.
const (
	DefaultSleepCount        = 65536 * 32
	DefaultCacheSize         = 64
	DefaultWorkToClipRatio   = 0.33
	DefaultMaxHierarchyNodes = 32768
)

// Input pairs one input path with the Source that reads it. The path is
// the manifest/resume key; it need not be a filesystem path verbatim
// (a URL or archive member name works just as well).
type Input struct {
	Path   string
	Source pointsource.Source
}

// Config carries everything a Builder needs that isn't derived from
// the inputs themselves.
type Config struct {
	Endpoint store.Endpoint
	TmpDir   string

	Bounds      key.Bounds
	Span        uint32
	PointSize   int
	MinNodeSize uint64
	MaxNodeSize uint64
	SharedDepth uint8
	Codec       tile.Codec
	Srs         string
	DataType    string
	Schema      []config.Schema

	WorkThreads int
	ClipThreads int
	SleepCount  uint64
	CacheSize   int

	Subset *config.Subset
	Force  bool

	Logger  ptlog.Logger
	Metrics *metrics.Registry
}

func (cfg *Config) setDefaults() {
	if cfg.WorkThreads < 1 {
		cfg.WorkThreads = 1
	}
	if cfg.ClipThreads < 1 {
		n := int(float64(cfg.WorkThreads) * (1 - DefaultWorkToClipRatio) / DefaultWorkToClipRatio)
		if n < 1 {
			n = 1
		}
		cfg.ClipThreads = n
	}
	if cfg.SleepCount == 0 {
		cfg.SleepCount = DefaultSleepCount
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = ptlog.Nop()
	}
	if len(cfg.Schema) == 0 {
		cfg.Schema = []config.Schema{{Name: "Block", Type: "none", Size: cfg.PointSize}}
	}
}

func (cfg Config) metadata() chunk.Metadata {
	return chunk.Metadata{
		Span:        cfg.Span,
		PointSize:   cfg.PointSize,
		MinNodeSize: cfg.MinNodeSize,
		MaxNodeSize: cfg.MaxNodeSize,
		SharedDepth: cfg.SharedDepth,
		Codec:       cfg.Codec,
		Postfix:     (config.Build{Subset: cfg.Subset}).Postfix(),
	}
}

// Builder owns the shared residency table and bookkeeping for one
// build (or one subset build) run.
type Builder struct {
	cfg   Config
	id    string
	hier  *hierarchy.Hierarchy
	meta  chunk.Metadata
	mfst  *Manifest
	rdb   *ResumeDB
	c     *cache.ChunkCache
	stats *Stats

	metricsMu sync.Mutex
	lastLatch metrics.LatchInfo
}

// New opens a Builder against cfg, honoring the continuation protocol:
// unless cfg.Force, an existing ept-sources manifest at the output is
// loaded together with its ept-hierarchy pages, so that Run only analyzes
// new inputs. An existing ept.json or ept-build.json is not read back;
// the tree parameters always come from cfg.
func New(cfg Config) (*Builder, error) {
	cfg.setDefaults()

	rdb, err := OpenResumeDB(cfg.TmpDir)
	if err != nil {
		return nil, err
	}

	hier := hierarchy.New()
	mfst := NewManifest()
	id := uuid.New().String()

	if !cfg.Force {
		if data, err := store.EnsureGet(cfg.Endpoint, manifestPath(cfg.Subset)); err == nil {
			loaded, err := UnmarshalManifest(data)
			if err != nil {
				rdb.Close()
				return nil, err
			}
			mfst = loaded

			postfix := (config.Build{Subset: cfg.Subset}).Postfix()
			if err := loadHierarchyPages(cfg.Endpoint, postfix, hier); err != nil && !errors.Is(err, store.ErrNotFound) {
				rdb.Close()
				return nil, fmt.Errorf("builder: loading hierarchy: %w", err)
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			rdb.Close()
			return nil, fmt.Errorf("builder: loading manifest: %w", err)
		}
	}

	b := &Builder{
		cfg:   cfg,
		id:    id,
		hier:  hier,
		meta:  cfg.metadata(),
		mfst:  mfst,
		rdb:   rdb,
		stats: NewStats(),
	}
	b.c = cache.New(b.meta, cfg.Endpoint, hier, cfg.ClipThreads,
		cache.WithLogger(cfg.Logger), cache.WithMaxSize(cfg.CacheSize))
	return b, nil
}

func manifestPath(subset *config.Subset) string {
	return fmt.Sprintf("ept-sources/manifest%s.json", (config.Build{Subset: subset}).Postfix())
}

// loadHierarchyPages reloads every persisted ept-hierarchy page for
// postfix into hier, restoring the per-node point counts a resumed
// build needs before it can report an accurate total.
func loadHierarchyPages(ep store.Endpoint, postfix string, hier *hierarchy.Hierarchy) error {
	out := make(map[key.Dxyz]int64)
	if err := loadHierarchyInto(ep, postfix, key.Dxyz{}, out); err != nil {
		return err
	}
	for d, n := range out {
		if n > 0 {
			hier.Add(d, uint64(n))
		}
	}
	return nil
}

// loadHierarchyInto recursively expands a hierarchy page, following
// hierarchy.Split's -1 "see child page" markers, and writes every leaf
// (or pass-through) entry into out keyed by its full Dxyz.
func loadHierarchyInto(ep store.Endpoint, postfix string, pageRoot key.Dxyz, out map[key.Dxyz]int64) error {
	path := fmt.Sprintf("ept-hierarchy/%s%s.json", pageRoot, postfix)
	data, err := store.EnsureGet(ep, path)
	if err != nil {
		return err
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

// Close releases the builder's local resume database. Callers should
// call it after Run returns, success or failure.
func (b *Builder) Close() error {
	return b.rdb.Close()
}

// Result is the summary Run returns once every input has been
// processed and the cache has been fully drained.
type Result struct {
	ID       string
	Points   uint64
	Manifest *Manifest
}

// Run feeds every input through the shared cache on a bounded work
// pool, one task per file, then drains and persists the build.
// Per-file parse errors are recorded into the manifest and never fail
// the run; a storage or invariant failure aborts it.
func (b *Builder) Run(ctx context.Context, inputs []Input) (Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.WorkThreads)

	for _, in := range inputs {
		in := in
		g.Go(func() error {
			return b.insertFile(ctx, in)
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	b.c.Join()

	total := uint64(0)
	b.hier.Each(func(_ key.Dxyz, n uint64) { total += n })

	if err := b.persist(total); err != nil {
		return Result{}, err
	}

	return Result{ID: b.id, Points: total, Manifest: b.mfst}, nil
}

// insertFile drives one input file through the cache: skip if resume
// state already marks it inserted, otherwise read every record,
// filter it to the active bounds, and hand it to the cache under a
// freshly seeded Key. A read error from the source stops that file
// but is captured rather than propagated.
func (b *Builder) insertFile(ctx context.Context, in Input) error {
	fi := b.mfst.Assign(in.Path)

	inserted, err := b.rdb.IsInserted(in.Path)
	if err != nil {
		return err
	}
	if inserted || fi.Inserted {
		return nil
	}

	if in.Source.PointSize() != b.meta.PointSize {
		return fmt.Errorf("builder: %s: point size %d does not match tree point size %d",
			in.Path, in.Source.PointSize(), b.meta.PointSize)
	}

	clip := clipper.New(b.c)
	defer clip.Close()

	var count, reported uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok, err := in.Source.Next()
		if err != nil {
			fi.Errors = append(fi.Errors, err.Error())
			b.cfg.Logger.Warnf("builder: %s: %v", in.Path, err)
			break
		}
		if !ok {
			break
		}
		if !b.cfg.Bounds.Contains(rec.Point) {
			continue
		}

		b.insertRecord(clip, rec)
		count++
		if count%b.cfg.SleepCount == 0 {
			clip.Clip()
			b.observeMetrics()
			b.reportProgress(count - reported)
			reported = count
		}
	}
	if count > reported {
		b.reportProgress(count - reported)
	}

	fi.Points = count
	fi.Inserted = true
	if err := b.rdb.MarkInserted(in.Path); err != nil {
		return err
	}
	return nil
}

// reportProgress folds delta newly inserted points into the run's
// Stats and logs the resulting "N points inserted (R/s)" line, the way
// entwine's builder logs progress every sleepCount points and rebases
// its rate window each time.
func (b *Builder) reportProgress(delta uint64) {
	b.stats.Add(delta)
	snap := b.stats.Reset()
	b.cfg.Logger.Infof("builder: %d points inserted (%.0f/s, %s elapsed)",
		snap.Points, snap.Rate, snap.Elapsed.Round(time.Second))
}

// insertRecord seeds rec's initial Key with the root chunk's span-grid
// resolution (key.Seed) before handing it to the cache, the calling
// convention Chunk.gridIndex's Position-mod-span addressing requires.
func (b *Builder) insertRecord(clip *clipper.Clipper, rec pointsource.Record) {
	var v voxel.Voxel
	v.InitShallow(rec.Point, rec.Data)
	ck := key.Root(b.cfg.Bounds)
	k := key.Seed(b.cfg.Bounds, rec.Point, b.meta.Span)
	b.c.Insert(v, k, ck, clip)
}

func (b *Builder) observeMetrics() {
	if b.cfg.Metrics == nil {
		return
	}
	info := b.c.LatchInfo()
	cur := metrics.LatchInfo{Written: info.Written, Read: info.Read, Alive: info.Alive}

	b.metricsMu.Lock()
	prev := b.lastLatch
	b.lastLatch = cur
	b.metricsMu.Unlock()

	b.cfg.Metrics.Observe(prev, cur)
}

// persist writes ept.json, ept-build.json, and ept-sources/manifest
// to the output endpoint once every input has been drained.
func (b *Builder) persist(total uint64) error {
	postfix := (config.Build{Subset: b.cfg.Subset}).Postfix()

	pages := b.hier.Split(key.Dxyz{}, DefaultMaxHierarchyNodes)
	if err := b.persistHierarchy(pages, postfix); err != nil {
		return err
	}

	hierType := config.HierarchySingle
	hierStep := 0
	if len(pages) > 1 {
		hierType = config.HierarchyStepped
		hierStep = DefaultMaxHierarchyNodes
	}
	tree := config.Tree{
		Bounds:           b.cfg.Bounds,
		BoundsConforming: b.cfg.Bounds,
		Schema:           b.cfg.Schema,
		Srs:              b.cfg.Srs,
		DataType:         b.cfg.DataType,
		Span:             b.cfg.Span,
		HierarchyType:    hierType,
		HierarchyStep:    hierStep,
		Points:           total,
	}
	treeData, err := config.MarshalTree(tree)
	if err != nil {
		return err
	}
	if err := store.EnsurePut(b.cfg.Endpoint, fmt.Sprintf("ept%s.json", postfix), treeData); err != nil {
		return fmt.Errorf("builder: writing ept.json: %w", err)
	}

	build := config.Build{
		MinNodeSize: b.cfg.MinNodeSize,
		MaxNodeSize: b.cfg.MaxNodeSize,
		SharedDepth: b.cfg.SharedDepth,
		Subset:      b.cfg.Subset,
	}
	buildData, err := config.MarshalBuild(build)
	if err != nil {
		return err
	}
	if err := store.EnsurePut(b.cfg.Endpoint, fmt.Sprintf("ept-build%s.json", postfix), buildData); err != nil {
		return fmt.Errorf("builder: writing ept-build.json: %w", err)
	}

	mfstData, err := MarshalManifest(b.mfst)
	if err != nil {
		return err
	}
	if err := store.EnsurePut(b.cfg.Endpoint, manifestPath(b.cfg.Subset), mfstData); err != nil {
		return fmt.Errorf("builder: writing manifest: %w", err)
	}
	return nil
}

func (b *Builder) persistHierarchy(pages map[key.Dxyz]hierarchy.Page, postfix string) error {
	for root, page := range pages {
		data, err := hierarchy.MarshalPage(page)
		if err != nil {
			return err
		}
		path := fmt.Sprintf("ept-hierarchy/%s%s.json", root, postfix)
		if err := store.EnsurePut(b.cfg.Endpoint, path, data); err != nil {
			return fmt.Errorf("builder: writing hierarchy page %s: %w", path, err)
		}
	}
	return nil
}
