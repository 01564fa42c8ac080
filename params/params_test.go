package params

import (
	"regexp"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/warmstart/types/shapes"
	"github.com/gomlx/warmstart/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableWithShape(t *testing.T) {
	col := New()
	v := col.VariableWithShape("model/embeddings", shapes.Make(shapes.Float32, 4, 2))
	assert.Equal(t, "model/embeddings", v.Name())
	assert.Equal(t, []float64{0, 0}, v.Value().Row(3))
	assert.False(t, v.IsSlice())

	// Names must be unique.
	exception := exceptions.Try(func() {
		_ = col.VariableWithShape("model/embeddings", shapes.Make(shapes.Float32, 1, 1))
	})
	require.NotNil(t, exception)
}

func TestSetInitialValue(t *testing.T) {
	col := New()
	v := col.VariableWithShape("w", shapes.Make(shapes.Float64, 2, 2))
	value := tensors.FromValue2D(shapes.Float64, [][]float64{{1, 2}, {3, 4}})
	v.SetInitialValue(value)
	assert.True(t, v.Value().Equal(value))

	exception := exceptions.Try(func() {
		v.SetInitialValue(tensors.FromShape(shapes.Make(shapes.Float64, 3, 2)))
	})
	require.NotNil(t, exception, "shape mismatch must panic")
}

func TestPartitionedVariable(t *testing.T) {
	col := New()
	parts := col.PartitionedVariable("emb", shapes.Make(shapes.Float32, 5, 3), 2)
	require.Len(t, parts, 2)

	// 5 rows in 2 partitions: 3 + 2, earlier slices take the remainder.
	assert.Equal(t, []int{3, 3}, parts[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 3}, parts[1].Shape().Dimensions)
	assert.Equal(t, []int{0, 0}, parts[0].Slice().Offsets)
	assert.Equal(t, []int{3, 0}, parts[1].Slice().Offsets)
	for _, p := range parts {
		assert.Equal(t, "emb", p.Name())
		assert.True(t, p.IsSlice())
		assert.True(t, p.Slice().FullShape.Eq(shapes.Make(shapes.Float32, 5, 3)))
	}
	assert.Equal(t, parts, col.Lookup("emb"))
}

func TestEnumerate(t *testing.T) {
	col := New()
	a := col.VariableWithShape("layer0/w", shapes.Make(shapes.Float32, 2, 2))
	b := col.VariableWithShape("layer1/w", shapes.Make(shapes.Float32, 2, 2))
	frozen := col.VariableWithShape("layer2/w", shapes.Make(shapes.Float32, 2, 2)).SetTrainable(false)
	_ = frozen

	assert.Equal(t, []*Variable{a, b}, col.Enumerate(nil))
	assert.Equal(t, []*Variable{b}, col.Enumerate(regexp.MustCompile("layer1")))
	assert.Empty(t, col.Enumerate(regexp.MustCompile("no_such_layer")))
	assert.Equal(t, 3, col.NumVariables())
}
