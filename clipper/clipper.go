// Package clipper implements the per-worker three-tier chunk pin
// structure: a fast single-slot cache, a slow map of recently-active
// chunks, and an aged map of chunks due for release on the next Clip.
// Each worker owns exactly one Clipper; it is not meant to be shared
// across goroutines.
package clipper

import (
	"sync"

	"github.com/entwine-go/ept/chunk"
	"github.com/entwine-go/ept/key"
)

// Cache is the subset of ChunkCache a Clipper needs: releasing the refs a
// depth's aged tier was holding. Defined here, the consumer, rather than
// in the cache package.
type Cache interface {
	Clip(depth uint8, stale map[key.Xyz]*chunk.Chunk)
}

type fastSlot struct {
	xyz   key.Xyz
	chunk *chunk.Chunk
	set   bool
}

type tier struct {
	fast fastSlot
	slow map[key.Xyz]*chunk.Chunk
	aged map[key.Xyz]*chunk.Chunk
}

func newTier() tier {
	return tier{slow: make(map[key.Xyz]*chunk.Chunk), aged: make(map[key.Xyz]*chunk.Chunk)}
}

// Clipper holds one refcount, via the cache, on every Chunk present in any
// of its tiers. Calling Clip periodically (the builder does so every
// SleepCount inserted points, 2,097,152 by default) ages out and releases
// chunks that have fallen out of recent use.
type Clipper struct {
	mu    sync.Mutex
	cache Cache
	tiers []tier
}

// New returns a Clipper that releases pins through cache.
func New(cache Cache) *Clipper {
	return &Clipper{cache: cache}
}

func (c *Clipper) ensureDepth(depth uint8) *tier {
	for len(c.tiers) <= int(depth) {
		c.tiers = append(c.tiers, newTier())
	}
	return &c.tiers[depth]
}

// Get checks fast, then slow, then aged, promoting any hit into fast. It
// implements chunk.Clipper.
func (c *Clipper) Get(ck key.ChunkKey) (*chunk.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.ensureDepth(ck.Depth)
	if t.fast.set && t.fast.xyz == ck.Xyz {
		return t.fast.chunk, true
	}
	if ch, ok := t.slow[ck.Xyz]; ok {
		delete(t.slow, ck.Xyz)
		c.promote(t, ck.Xyz, ch)
		return ch, true
	}
	if ch, ok := t.aged[ck.Xyz]; ok {
		delete(t.aged, ck.Xyz)
		c.promote(t, ck.Xyz, ch)
		return ch, true
	}
	return nil, false
}

// Set installs ch as the fast pin for ck's depth, demoting the previous
// fast occupant (if any) into slow. It implements chunk.Clipper.
func (c *Clipper) Set(ck key.ChunkKey, ch *chunk.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.ensureDepth(ck.Depth)
	c.promote(t, ck.Xyz, ch)
}

// promote demotes the tier's current fast occupant into slow and installs
// (xyz, ch) as the new fast occupant. Caller must hold c.mu.
func (c *Clipper) promote(t *tier, xyz key.Xyz, ch *chunk.Chunk) {
	if t.fast.set && t.fast.xyz != xyz {
		t.slow[t.fast.xyz] = t.fast.chunk
	}
	t.fast = fastSlot{xyz: xyz, chunk: ch, set: true}
}

// Clip releases every pin in each depth's aged tier through cache.Clip,
// then rotates: aged becomes the previous slow, and slow starts empty.
// fast is preserved, so the single most recently touched chunk per depth
// stays pinned across Clip calls.
func (c *Clipper) Clip() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for depth := range c.tiers {
		t := &c.tiers[depth]
		if len(t.aged) > 0 {
			c.cache.Clip(uint8(depth), t.aged)
		}
		t.aged = t.slow
		t.slow = make(map[key.Xyz]*chunk.Chunk)
	}
}

// Close releases every pin still held in any tier (fast, slow, and aged)
// across all depths, as if a final Clip had swept every tier at once.
func (c *Clipper) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for depth := range c.tiers {
		t := &c.tiers[depth]
		stale := t.aged
		for xyz, ch := range t.slow {
			stale[xyz] = ch
		}
		if t.fast.set {
			stale[t.fast.xyz] = t.fast.chunk
		}
		if len(stale) > 0 {
			c.cache.Clip(uint8(depth), stale)
		}
		t.fast = fastSlot{}
		t.slow = make(map[key.Xyz]*chunk.Chunk)
		t.aged = make(map[key.Xyz]*chunk.Chunk)
	}
}
