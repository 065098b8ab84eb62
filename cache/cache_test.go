package cache_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/entwine-go/ept/cache"
	"github.com/entwine-go/ept/chunk"
	"github.com/entwine-go/ept/clipper"
	"github.com/entwine-go/ept/hierarchy"
	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/tile"
	"github.com/entwine-go/ept/voxel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("not found")

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

// gatedEndpoint wraps a memEndpoint and blocks every Get until release is
// closed, letting a test hold a reload open long enough for a second
// caller to race it.
type gatedEndpoint struct {
	*memEndpoint
	release chan struct{}
	gets    atomic.Int32
}

func newGatedEndpoint() *gatedEndpoint {
	return &gatedEndpoint{memEndpoint: newMemEndpoint(), release: make(chan struct{})}
}

func (g *gatedEndpoint) Get(path string) ([]byte, error) {
	g.gets.Add(1)
	<-g.release
	return g.memEndpoint.Get(path)
}

func rootBounds() key.Bounds {
	return key.NewCube(key.Point{X: 0.5, Y: 0.5, Z: 0.5}, 1.0)
}

func newTestCache(maxSize int) (*cache.ChunkCache, *hierarchy.Hierarchy, key.ChunkKey) {
	meta := chunk.Metadata{Span: 8, PointSize: 24, MinNodeSize: 4, MaxNodeSize: 16, SharedDepth: 0, Codec: tile.BinCodec{}}
	hier := hierarchy.New()
	ep := newMemEndpoint()
	c := cache.New(meta, ep, hier, 2, cache.WithMaxSize(maxSize))
	ck := key.Root(rootBounds())
	return c, hier, ck
}

func insertPoint(t *testing.T, c *cache.ChunkCache, clip *clipper.Clipper, ck key.ChunkKey, p key.Point) {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint64(data[0:8], math.Float64bits(p.X))
	binary.LittleEndian.PutUint64(data[8:16], math.Float64bits(p.Y))
	binary.LittleEndian.PutUint64(data[16:24], math.Float64bits(p.Z))
	var v voxel.Voxel
	v.InitShallow(p, data)
	var k key.Key
	k.Init(ck.Bounds)
	require.True(t, c.Insert(v, k, ck, clip))
}

func TestInsertAndJoinPublishesHierarchy(t *testing.T) {
	c, hier, ck := newTestCache(64)
	clip := clipper.New(c)

	mid := ck.Bounds.Mid
	for i := 0; i < 3; i++ {
		p := key.Point{X: mid.X + float64(i)*0.001, Y: mid.Y, Z: mid.Z}
		insertPoint(t, c, clip, ck, p)
	}
	clip.Close()
	c.Join()

	count, ok := hier.Get(ck.Dxyz)
	require.True(t, ok)
	assert.Equal(t, uint64(3), count)

	info := c.LatchInfo()
	assert.Equal(t, uint64(1), info.Written)
	assert.Equal(t, uint64(0), info.Alive)
}

func TestClipEvictsAndReloadOnNextAddRef(t *testing.T) {
	c, _, ck := newTestCache(0) // maxSize=0 forces eviction as soon as unreferenced
	clip := clipper.New(c)

	insertPoint(t, c, clip, ck, ck.Bounds.Mid)

	clip.Clip()  // rotates fast -> nothing yet (fast preserved)
	clip.Close() // releases the fast pin, refcount hits zero, triggers maybePurge
	c.Join()     // wait for the async eviction maybePurge scheduled

	info := c.LatchInfo()
	assert.Equal(t, uint64(1), info.Written)
	assert.Equal(t, uint64(0), info.Alive)

	// A fresh Clipper reinserting at the same chunk key should reload
	// transparently rather than losing the first point.
	clip2 := clipper.New(c)
	mid := ck.Bounds.Mid
	insertPoint(t, c, clip2, ck, key.Point{X: mid.X + 0.01, Y: mid.Y, Z: mid.Z})
	clip2.Close()
	c.Join()

	info = c.LatchInfo()
	assert.GreaterOrEqual(t, info.Read, uint64(1))
}

// TestAddRefBlocksConcurrentReloadInsteadOfDoubleCounting races two
// Clippers against the reload of the same evicted chunk. The first to
// reach addRef finds the chunk gone, recreates it, and starts Load; with
// the endpoint gated, that Load hangs mid-flight with rc.loading true.
// The second must block on rc.cond rather than skip its ref increment
// and pin a chunk it was never granted one for, so releasing the gate
// must produce exactly one Load and both callers' points must survive.
func TestAddRefBlocksConcurrentReloadInsteadOfDoubleCounting(t *testing.T) {
	meta := chunk.Metadata{Span: 8, PointSize: 24, MinNodeSize: 4, MaxNodeSize: 16, SharedDepth: 0, Codec: tile.BinCodec{}}
	hier := hierarchy.New()
	ep := newGatedEndpoint()
	c := cache.New(meta, ep, hier, 2, cache.WithMaxSize(0))
	ck := key.Root(rootBounds())
	mid := ck.Bounds.Mid

	clip := clipper.New(c)
	insertPoint(t, c, clip, ck, mid)
	clip.Clip()
	clip.Close()
	c.Join()

	info := c.LatchInfo()
	require.Equal(t, uint64(1), info.Written)
	require.Equal(t, uint64(0), info.Alive)

	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			<-start
			clipN := clipper.New(c)
			p := key.Point{X: mid.X + 0.01*float64(i+1), Y: mid.Y, Z: mid.Z}
			insertPoint(t, c, clipN, ck, p)
			clipN.Close()
		}(i)
	}
	close(start)

	deadline := time.Now().Add(2 * time.Second)
	for ep.gets.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a Load to start")
		}
		runtime.Gosched()
	}
	// Give the second racer a chance to reach addRef and observe
	// rc.loading before the gate is released.
	time.Sleep(10 * time.Millisecond)
	close(ep.release)

	wg.Wait()
	c.Join()

	assert.Equal(t, int32(1), ep.gets.Load(), "a concurrent addRef must wait on the in-flight reload, not start a second one")

	final := c.LatchInfo()
	assert.Equal(t, uint64(1), final.Read)

	data, err := ep.Get(fmt.Sprintf("ept-data/%s%s", ck, tile.BinCodec{}.Extension()))
	require.NoError(t, err)
	table, err := tile.BinCodec{}.Read(data, 24)
	require.NoError(t, err)
	assert.Len(t, table.Records, 3, "the original point plus both racers' points must all survive")
}
