package voxel

import "github.com/entwine-go/ept/key"

// Voxel is a reference to a fixed-width point record: a dataset-space
// point and a byte slice pointing into some MemBlock (or an external
// buffer for shallow references) whose length is the record size.
type Voxel struct {
	Point key.Point
	Data  []byte
}

// InitShallow wraps an externally owned record without copying.
func (v *Voxel) InitShallow(p key.Point, data []byte) {
	v.Point = p
	v.Data = data
}

// InitDeep copies data into the owned slot and records the point.
func (v *Voxel) InitDeep(p key.Point, data []byte, slot []byte) {
	copy(slot, data)
	v.Point = p
	v.Data = slot
}

// SwapDeep exchanges the owned byte contents of a and b (not the slice
// headers), so that a's slot now holds b's bytes and vice versa, then
// swaps the Point fields to match. This is the mechanism behind the grid
// collision tie-break: the winning point moves into the grid slot while
// the loser keeps carrying its own now-relocated bytes onward to the
// overflow path.
func SwapDeep(a, b *Voxel) {
	for i := range a.Data {
		a.Data[i], b.Data[i] = b.Data[i], a.Data[i]
	}
	a.Point, b.Point = b.Point, a.Point
}
