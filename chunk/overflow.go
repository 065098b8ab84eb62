package chunk

import (
	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/voxel"
)

// overflowPage is the record-page size for overflow arenas: smaller than
// the grid page since most overflow buffers never grow large before
// splitting off into a child chunk.
const overflowPage = 256

// gridPage is the record-page size for grid arenas.
const gridPage = 4096

type overflowEntry struct {
	Voxel voxel.Voxel
	Key   key.Key
}

// overflow is an append-only buffer of points that collided out of the
// grid and have not yet been routed to a child Chunk. Mutated only while
// the owning Chunk's overflowMu is held.
type overflow struct {
	entries []overflowEntry
	block   *voxel.MemBlock
}

func newOverflow(pointSize int) *overflow {
	return &overflow{block: voxel.NewMemBlock(pointSize, overflowPage)}
}

func (o *overflow) append(v voxel.Voxel, k key.Key) {
	slot := o.block.Next()
	var nv voxel.Voxel
	nv.InitDeep(v.Point, v.Data, slot)
	o.entries = append(o.entries, overflowEntry{Voxel: nv, Key: k})
}

func (o *overflow) size() int { return len(o.entries) }
