package synthetic_test

import (
	"testing"

	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/pointsource/synthetic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniformStaysInsideBounds(t *testing.T) {
	bounds := key.NewCube(key.Point{X: 0.5, Y: 0.5, Z: 0.5}, 1.0)
	src := synthetic.New(bounds, 16, 1000, 42, synthetic.Uniform())

	n := 0
	for {
		rec, ok, err := src.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.True(t, bounds.Contains(rec.Point), "point %v outside bounds", rec.Point)
		assert.Len(t, rec.Data, 24) // 16 is below New's 24-byte minimum
		n++
	}
	assert.Equal(t, 1000, n)
}

func TestClusteredBallStaysWithinRadiusOfCorner(t *testing.T) {
	bounds := key.NewCube(key.Point{X: 0.5, Y: 0.5, Z: 0.5}, 1.0)
	radius := 0.05
	src := synthetic.New(bounds, 24, 500, 7, synthetic.ClusteredBall(radius))

	corner := key.Point{X: radius, Y: radius, Z: radius}
	n := 0
	for {
		rec, ok, err := src.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.LessOrEqual(t, rec.Point.SqDist(corner), radius*radius+1e-9)
		n++
	}
	assert.Equal(t, 500, n)
}

func TestSeedIsDeterministic(t *testing.T) {
	bounds := key.NewCube(key.Point{X: 0.5, Y: 0.5, Z: 0.5}, 1.0)
	a := synthetic.New(bounds, 24, 10, 99, synthetic.Uniform())
	b := synthetic.New(bounds, 24, 10, 99, synthetic.Uniform())

	for i := 0; i < 10; i++ {
		ra, _, _ := a.Next()
		rb, _, _ := b.Next()
		assert.Equal(t, ra.Point, rb.Point)
	}
}
