// internal/humanoid/path_test.go
package humanoid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEaseInOutCubic(t *testing.T) {
	assert.Equal(t, 0.0, easeInOutCubic(0))
	assert.Equal(t, 0.5, easeInOutCubic(0.5))
	assert.Equal(t, 1.0, easeInOutCubic(1))
	assert.Less(t, easeInOutCubic(0.1), 0.1, "starts slow")
	assert.Greater(t, easeInOutCubic(0.9), 0.9, "ends slow")
}

func TestMoveDuration_GrowsWithDistance(t *testing.T) {
	short := MoveDuration(10)
	long := MoveDuration(1000)
	assert.Greater(t, long, short)
	assert.Equal(t, int64(100), MoveDuration(0).Milliseconds())
}

func TestDragPath(t *testing.T) {
	t.Run("ends at target", func(t *testing.T) {
		start, end := Point{100, 100}, Point{500, 300}
		path := DragPath(start, end)
		require.NotEmpty(t, path)
		assert.Equal(t, end, path[len(path)-1])
		assert.LessOrEqual(t, len(path), maxSteps)
		for i := 1; i < len(path); i++ {
			assert.NotEqual(t, path[i-1], path[i], "no consecutive duplicates")
		}
	})

	t.Run("stays near the straight line", func(t *testing.T) {
		start, end := Point{0, 0}, Point{400, 0}
		for _, p := range DragPath(start, end) {
			assert.LessOrEqual(t, math.Abs(float64(p.Y)), 400*bowFactor, "point %v bows too far", p)
			assert.GreaterOrEqual(t, p.X, 0)
			assert.LessOrEqual(t, p.X, 400)
		}
	})

	t.Run("zero distance", func(t *testing.T) {
		assert.Equal(t, []Point{{7, 7}}, DragPath(Point{7, 7}, Point{7, 7}))
	})
}
