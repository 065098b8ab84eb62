// Package voxel holds the fixed-width point record storage types: the
// bump-pointer MemBlock arena, the Voxel record reference, and the Tube
// collision bucket used by a Chunk's (x,y) grid column.
package voxel

// MemBlock is a single-producer, bump-allocated arena of pointSize-byte
// records. It grows in pages of page records and is never freed mid-life;
// the owner (a Chunk or Overflow) serializes all access to it under its
// own lock.
type MemBlock struct {
	pointSize int
	page      int
	pages     [][]byte
	len       int
}

// NewMemBlock builds an arena of pointSize-byte records, growing in chunks
// of page records at a time.
func NewMemBlock(pointSize, page int) *MemBlock {
	return &MemBlock{pointSize: pointSize, page: page}
}

// Next returns the next free record slot, growing the arena if necessary.
func (m *MemBlock) Next() []byte {
	pageIdx := m.len / m.page
	offset := (m.len % m.page) * m.pointSize
	if pageIdx >= len(m.pages) {
		m.pages = append(m.pages, make([]byte, m.page*m.pointSize))
	}
	m.len++
	return m.pages[pageIdx][offset : offset+m.pointSize]
}

// Len returns the number of records allocated so far.
func (m *MemBlock) Len() int { return m.len }

// PointSize returns the fixed record size in bytes.
func (m *MemBlock) PointSize() int { return m.pointSize }

// Each calls fn with every live record, in insertion order. fn must not
// retain the slice past the call.
func (m *MemBlock) Each(fn func(record []byte)) {
	remaining := m.len
	for _, page := range m.pages {
		if remaining <= 0 {
			return
		}
		n := m.page
		if remaining < n {
			n = remaining
		}
		for i := 0; i < n; i++ {
			fn(page[i*m.pointSize : (i+1)*m.pointSize])
		}
		remaining -= n
	}
}
