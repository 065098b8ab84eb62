// Package hierarchy maintains the depth-indexed node->point-count map that
// EPT clients use to decide which octree nodes are worth fetching, and
// knows how to split that map into per-file hierarchy pages matching the
// ept-hierarchy wire format.
package hierarchy

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/entwine-go/ept/key"
)

// stripes bounds the number of internal locks. A single global lock would
// serialize every leaf insertion across the whole octree, so the table is
// partitioned into a fixed number of stripes keyed by a cheap hash of the
// Dxyz.
const stripes = 64

// Hierarchy is a concurrent Dxyz -> point-count map. A zero-count entry
// with children present is a "pass-through" node; entries are never
// removed once written, so counts only ever grow or get replaced by a
// later, more complete save.
type Hierarchy struct {
	locks  [stripes]sync.Mutex
	tables [stripes]map[key.Dxyz]uint64
}

// New returns an empty hierarchy.
func New() *Hierarchy {
	h := &Hierarchy{}
	for i := range h.tables {
		h.tables[i] = make(map[key.Dxyz]uint64)
	}
	return h
}

func stripeOf(d key.Dxyz) int {
	h := uint32(d.Depth)
	h = h*31 + d.X
	h = h*31 + d.Y
	h = h*31 + d.Z
	return int(h % stripes)
}

// Add increments the count for d by n, creating the entry if necessary.
func (h *Hierarchy) Add(d key.Dxyz, n uint64) {
	i := stripeOf(d)
	h.locks[i].Lock()
	defer h.locks[i].Unlock()
	h.tables[i][d] += n
}

// Get returns the count stored for d and whether an entry exists.
func (h *Hierarchy) Get(d key.Dxyz) (uint64, bool) {
	i := stripeOf(d)
	h.locks[i].Lock()
	defer h.locks[i].Unlock()
	v, ok := h.tables[i][d]
	return v, ok
}

// Set overwrites the count for d, used when a Chunk (re-)serializes and
// reports its final written point count — not an increment, since a
// re-save must replace the prior count rather than double it.
func (h *Hierarchy) Set(d key.Dxyz, n uint64) {
	i := stripeOf(d)
	h.locks[i].Lock()
	defer h.locks[i].Unlock()
	h.tables[i][d] = n
}

// Each calls fn for every (Dxyz, count) pair. fn must not call back into
// the Hierarchy.
func (h *Hierarchy) Each(fn func(d key.Dxyz, count uint64)) {
	for i := range h.tables {
		h.locks[i].Lock()
		for d, c := range h.tables[i] {
			fn(d, c)
		}
		h.locks[i].Unlock()
	}
}

// Len returns the total number of entries across all stripes.
func (h *Hierarchy) Len() int {
	n := 0
	for i := range h.tables {
		h.locks[i].Lock()
		n += len(h.tables[i])
		h.locks[i].Unlock()
	}
	return n
}

// Page mirrors the ept-hierarchy.json wire shape: each entry is either a
// point count (zero for a pass-through node) or -1 meaning "see child
// page" for a node that roots a page of its own.
type Page map[string]int64

// Split walks the hierarchy depth-first from root and partitions it into
// pages by depth: a node maxNodesPerFile levels below its page's root
// starts a new page, and its parent page marks it -1. The number of
// entries in one page is not bounded.
func (h *Hierarchy) Split(root key.Dxyz, maxNodesPerFile int) map[key.Dxyz]Page {
	pages := make(map[key.Dxyz]Page)
	var walk func(node key.Dxyz, pageRoot key.Dxyz, page Page, count int)
	walk = func(node key.Dxyz, pageRoot key.Dxyz, page Page, count int) {
		v, ok := h.Get(node)
		if !ok {
			return
		}
		if count >= maxNodesPerFile {
			page[node.String()] = -1
			pages[node] = Page{}
			walk(node, node, pages[node], 0)
			return
		}
		page[node.String()] = int64(v)
		for dir := uint8(0); dir < 8; dir++ {
			child := key.Dxyz{Depth: node.Depth + 1, Xyz: childXyz(node.Xyz, dir)}
			if _, ok := h.Get(child); ok {
				walk(child, pageRoot, page, count+1)
			}
		}
	}
	pages[root] = Page{}
	walk(root, root, pages[root], 0)
	return pages
}

// childXyz derives a child node's integer position from its parent's,
// matching key.Key.Step's bit-doubling rule without needing the parent's
// Bounds.
func childXyz(p key.Xyz, dir uint8) key.Xyz {
	x, y, z := p.X*2, p.Y*2, p.Z*2
	if dir&1 != 0 {
		x++
	}
	if dir&2 != 0 {
		y++
	}
	if dir&4 != 0 {
		z++
	}
	return key.Xyz{X: x, Y: y, Z: z}
}

// MarshalPage renders a split page as the ept-hierarchy.json wire format.
func MarshalPage(page Page) ([]byte, error) {
	out := make(map[string]int64, len(page))
	for k, v := range page {
		out[k] = v
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: marshal page: %w", err)
	}
	return b, nil
}

// UnmarshalPage parses an ept-hierarchy.json page back into Dxyz keys.
func UnmarshalPage(data []byte) (map[key.Dxyz]int64, error) {
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("hierarchy: unmarshal page: %w", err)
	}
	out := make(map[key.Dxyz]int64, len(raw))
	for k, v := range raw {
		d, err := parseDxyz(k)
		if err != nil {
			return nil, err
		}
		out[d] = v
	}
	return out, nil
}

func parseDxyz(s string) (key.Dxyz, error) {
	var depth, x, y, z uint64
	n, err := fmt.Sscanf(s, "%d-%d-%d-%d", &depth, &x, &y, &z)
	if err != nil || n != 4 {
		return key.Dxyz{}, fmt.Errorf("hierarchy: malformed node key %q", s)
	}
	return key.Dxyz{Depth: uint8(depth), Xyz: key.Xyz{X: uint32(x), Y: uint32(y), Z: uint32(z)}}, nil
}
