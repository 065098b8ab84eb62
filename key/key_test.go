package key_test

import (
	"testing"

	"github.com/entwine-go/ept/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectionEncoding(t *testing.T) {
	mid := key.Point{X: 0, Y: 0, Z: 0}

	cases := []struct {
		p    key.Point
		want uint8
	}{
		{key.Point{X: -1, Y: -1, Z: -1}, 0},
		{key.Point{X: 1, Y: -1, Z: -1}, 1},
		{key.Point{X: -1, Y: 1, Z: -1}, 2},
		{key.Point{X: 1, Y: 1, Z: -1}, 3},
		{key.Point{X: -1, Y: -1, Z: 1}, 4},
		{key.Point{X: 1, Y: 1, Z: 1}, 7},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, key.Direction(mid, c.p))
	}
}

func TestKeyStepDescendsConsistently(t *testing.T) {
	root := key.NewCube(key.Point{}, 1.0)
	var k key.Key
	k.Init(root)

	p := key.Point{X: 0.26, Y: 0.26, Z: 0.26}
	k.Step(p)

	assert.Equal(t, uint8(1), k.Depth())
	assert.True(t, k.Bounds.Contains(p))
	assert.Equal(t, key.Xyz{X: 1, Y: 1, Z: 1}, k.Position)

	k.Step(p)
	assert.Equal(t, uint8(2), k.Depth())
	assert.True(t, k.Bounds.Contains(p))
}

func TestChunkKeyStringAndStep(t *testing.T) {
	root := key.Root(key.NewCube(key.Point{}, 1.0))
	require.Equal(t, "0-0-0-0", root.String())

	child := root.GetStep(7)
	assert.Equal(t, "1-1-1-1", child.String())
	assert.Equal(t, 0.5, child.Bounds.Width)

	kids := root.Children()
	assert.Len(t, kids, 8)
	for dir, ck := range kids {
		assert.Equal(t, uint8(dir), key.Direction(root.Bounds.Mid, ck.Bounds.Mid))
	}
}

func TestBoundsGetIsInverseOfDirection(t *testing.T) {
	b := key.NewCube(key.Point{X: 10, Y: 10, Z: 10}, 4.0)
	for dir := uint8(0); dir < 8; dir++ {
		child := b.Get(dir)
		got := key.Direction(b.Mid, child.Mid)
		assert.Equal(t, dir, got)
	}
}
