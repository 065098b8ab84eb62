package voxel

import "sync"

// Tube is a collision bucket for one (x,y) column of a Chunk's grid,
// keyed by the integer z coordinate within the column. Mutation of a
// Tube is always exclusive.
type Tube struct {
	mu    sync.Mutex
	slots map[uint32]Voxel
}

// NewTube returns an empty column.
func NewTube() *Tube {
	return &Tube{slots: make(map[uint32]Voxel)}
}

// Lock / Unlock expose the tube's mutex directly so callers (Chunk.insert)
// can hold it across the compare-and-possibly-swap collision sequence
// without a second map lookup.
func (t *Tube) Lock()   { t.mu.Lock() }
func (t *Tube) Unlock() { t.mu.Unlock() }

// Get returns the voxel occupying z and whether the slot is occupied.
// Caller must hold the lock.
func (t *Tube) Get(z uint32) (Voxel, bool) {
	v, ok := t.slots[z]
	return v, ok
}

// Set installs v at z. Caller must hold the lock.
func (t *Tube) Set(z uint32, v Voxel) {
	t.slots[z] = v
}

// Len returns the number of occupied z-slots. Caller must hold the lock.
func (t *Tube) Len() int {
	return len(t.slots)
}

// Each calls fn for every occupied z-slot. Caller must hold the lock; fn
// must not call back into the Tube.
func (t *Tube) Each(fn func(z uint32, v Voxel)) {
	for z, v := range t.slots {
		fn(z, v)
	}
}
