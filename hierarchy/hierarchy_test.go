package hierarchy_test

import (
	"testing"

	"github.com/entwine-go/ept/hierarchy"
	"github.com/entwine-go/ept/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	h := hierarchy.New()
	root := key.Dxyz{Depth: 0, Xyz: key.Xyz{}}

	h.Add(root, 3)
	h.Add(root, 4)

	v, ok := h.Get(root)
	require.True(t, ok)
	assert.Equal(t, uint64(7), v)
	assert.Equal(t, 1, h.Len())
}

func TestEachVisitsAllEntries(t *testing.T) {
	h := hierarchy.New()
	for i := uint32(0); i < 20; i++ {
		h.Add(key.Dxyz{Depth: 1, Xyz: key.Xyz{X: i}}, 1)
	}

	seen := 0
	h.Each(func(d key.Dxyz, count uint64) {
		seen++
		assert.Equal(t, uint64(1), count)
	})
	assert.Equal(t, 20, seen)
}

func TestSplitOverflowsIntoChildPage(t *testing.T) {
	h := hierarchy.New()
	root := key.Dxyz{Depth: 0}
	child := key.Dxyz{Depth: 1, Xyz: key.Xyz{X: 1}}
	h.Add(root, 10)
	h.Add(child, 5)

	pages := h.Split(root, 1)
	require.Contains(t, pages, root)
	assert.Equal(t, int64(-1), pages[root][child.String()])
	require.Contains(t, pages, child)
}

func TestPageMarshalRoundTrip(t *testing.T) {
	d := key.Dxyz{Depth: 2, Xyz: key.Xyz{X: 1, Y: 2, Z: 3}}
	page := hierarchy.Page{d.String(): 42}

	data, err := hierarchy.MarshalPage(page)
	require.NoError(t, err)

	parsed, err := hierarchy.UnmarshalPage(data)
	require.NoError(t, err)
	assert.Equal(t, int64(42), parsed[d])
}
