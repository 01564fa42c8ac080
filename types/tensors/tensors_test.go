package tensors

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/warmstart/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFlat(t *testing.T) {
	tensor := FromFlat(shapes.Make(shapes.Float32, 2, 3), []float64{1, 2, 3, 4, 5, 6})
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Flat())
	assert.Equal(t, []float64{4, 5, 6}, tensor.Row(1))

	exception := exceptions.Try(func() {
		_ = FromFlat(shapes.Make(shapes.Float32, 2, 3), []float64{1, 2})
	})
	require.NotNil(t, exception)
}

func TestSetRow(t *testing.T) {
	tensor := FromShape(shapes.Make(shapes.Float64, 3, 2))
	assert.Equal(t, []float64{0, 0}, tensor.Row(2))
	tensor.SetRow(1, []float64{3.5, -1})
	assert.Equal(t, []float64{0, 0, 3.5, -1, 0, 0}, tensor.Flat())
}

func TestCopyRowRange(t *testing.T) {
	src := FromValue2D(shapes.Float32, [][]float64{{1, 2}, {3, 4}, {5, 6}})
	dst := FromShape(shapes.Make(shapes.Float32, 2, 2))
	CopyRowRange(dst, 0, src, 1, 2)
	assert.Equal(t, []float64{3, 4, 5, 6}, dst.Flat())

	// Rank-1: "rows" are single elements.
	vec := FromFlat(shapes.Make(shapes.Float64, 4), []float64{1, 2, 3, 4})
	part := FromShape(shapes.Make(shapes.Float64, 2))
	CopyRowRange(part, 0, vec, 2, 2)
	assert.Equal(t, []float64{3, 4}, part.Flat())

	// DType and trailing dimensions must agree, ranges must be in bounds.
	require.NotNil(t, exceptions.Try(func() {
		CopyRowRange(FromShape(shapes.Make(shapes.Float64, 2, 2)), 0, src, 0, 2)
	}))
	require.NotNil(t, exceptions.Try(func() {
		CopyRowRange(FromShape(shapes.Make(shapes.Float32, 2, 3)), 0, src, 0, 2)
	}))
	require.NotNil(t, exceptions.Try(func() {
		CopyRowRange(dst, 0, src, 2, 2)
	}))
}

func TestFloat16Precision(t *testing.T) {
	// Make sure values that are exactly representable in half-precision
	// round-trip byte-for-byte.
	tensor := FromFlat(shapes.Make(shapes.Float16, 1, 4), []float64{1, -2, 0.5, 1024})
	assert.Equal(t, []float64{1, -2, 0.5, 1024}, tensor.Flat())
}

func TestEqual(t *testing.T) {
	a := FromValue2D(shapes.Float32, [][]float64{{1, 2}, {3, 4}})
	b := FromFlat(shapes.Make(shapes.Float32, 2, 2), []float64{1, 2, 3, 4})
	assert.True(t, a.Equal(b))
	b.SetRow(0, []float64{1, 2.5})
	assert.False(t, a.Equal(b))
	assert.False(t, a.Equal(FromFlat(shapes.Make(shapes.Float64, 2, 2), []float64{1, 2, 3, 4})))

	c := a.Clone()
	assert.True(t, a.Equal(c))
	c.SetRow(0, []float64{7, 7})
	assert.Equal(t, []float64{1, 2}, a.Row(0))
}
