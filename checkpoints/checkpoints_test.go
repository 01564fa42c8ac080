package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/warmstart/params"
	"github.com/gomlx/warmstart/types/shapes"
	"github.com/gomlx/warmstart/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestCollection() *params.Collection {
	col := params.New()
	col.VariableWithValue("model/embeddings",
		tensors.FromValue2D(shapes.Float32, [][]float64{{1, 2}, {3, 4}, {5, 6}}))
	col.VariableWithValue("model/bias",
		tensors.FromFlat(shapes.Make(shapes.Float64, 1, 2), []float64{-1, 1}))
	return col
}

func TestSaveAndRead(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build().Dir(dir).Done())
	require.NoError(t, handler.Save(buildTestCollection(), 0))

	list := must.M1(handler.ListCheckpoints())
	require.Len(t, list, 1)

	// Open by directory resolves to the latest checkpoint.
	reader := must.M1(Open(dir))
	defer func() { require.NoError(t, reader.Close()) }()

	assert.Equal(t, []string{"model/bias", "model/embeddings"}, reader.TensorNames())
	assert.True(t, reader.HasTensor("model/bias"))
	assert.False(t, reader.HasTensor("model/unknown"))

	shape := must.M1(reader.TensorShape("model/embeddings"))
	assert.True(t, shape.Eq(shapes.Make(shapes.Float32, 3, 2)))

	// Row-granular random access, out of order.
	assert.Equal(t, []float64{5, 6}, must.M1(reader.ReadRow("model/embeddings", 2)))
	assert.Equal(t, []float64{1, 2}, must.M1(reader.ReadRow("model/embeddings", 0)))

	tensor := must.M1(reader.ReadTensor("model/bias"))
	assert.Equal(t, []float64{-1, 1}, tensor.Flat())
}

func TestSaveCompressed(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build().Dir(dir).Compress().Done())
	require.NoError(t, handler.Save(buildTestCollection(), 7))

	reader := must.M1(Open(dir))
	defer func() { _ = reader.Close() }()
	assert.Equal(t, []float64{3, 4}, must.M1(reader.ReadRow("model/embeddings", 1)))
	tensor := must.M1(reader.ReadTensor("model/embeddings"))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Flat())
}

func TestSavePartitionedStitched(t *testing.T) {
	// Slices of a partitioned variable must be saved as one logical tensor.
	col := params.New()
	parts := col.PartitionedVariable("emb", shapes.Make(shapes.Float64, 4, 1), 2)
	parts[0].SetInitialValue(tensors.FromValue2D(shapes.Float64, [][]float64{{1}, {2}}))
	parts[1].SetInitialValue(tensors.FromValue2D(shapes.Float64, [][]float64{{3}, {4}}))

	dir := t.TempDir()
	require.NoError(t, must.M1(Build().Dir(dir).Done()).Save(col, 0))

	reader := must.M1(Open(dir))
	defer func() { _ = reader.Close() }()
	shape := must.M1(reader.TensorShape("emb"))
	assert.True(t, shape.Eq(shapes.Make(shapes.Float64, 4, 1)))
	assert.Equal(t, []float64{1, 2, 3, 4}, must.M1(reader.ReadTensor("emb")).Flat())
}

func TestSaveShardedVectorStitched(t *testing.T) {
	// Sharded vectors (rank-1) stitch into one logical tensor like matrices do.
	col := params.New()
	full := shapes.Make(shapes.Float32, 3)
	col.SliceVariable("bias", shapes.Make(shapes.Float32, 2), full, []int{0}).
		SetInitialValue(tensors.FromFlat(shapes.Make(shapes.Float32, 2), []float64{1, 2}))
	col.SliceVariable("bias", shapes.Make(shapes.Float32, 1), full, []int{2}).
		SetInitialValue(tensors.FromFlat(shapes.Make(shapes.Float32, 1), []float64{3}))

	dir := t.TempDir()
	require.NoError(t, must.M1(Build().Dir(dir).Done()).Save(col, 0))

	reader := must.M1(Open(dir))
	defer func() { _ = reader.Close() }()
	shape := must.M1(reader.TensorShape("bias"))
	assert.True(t, shape.Eq(full))
	assert.Equal(t, []float64{1, 2, 3}, must.M1(reader.ReadTensor("bias")).Flat())
}

func TestKeep(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build().Dir(dir).Keep(2).Done())
	col := buildTestCollection()
	for step := int64(1); step <= 5; step++ {
		require.NoError(t, handler.Save(col, step))
	}
	list := must.M1(handler.ListCheckpoints())
	assert.Len(t, list, 2)

	// The latest checkpoint is the one with the largest count.
	reader := must.M1(Open(dir))
	defer func() { _ = reader.Close() }()
	assert.Contains(t, reader.BaseName(), "checkpoint-n0000004-")
}

func TestOpenExactPath(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build().Dir(dir).Done())
	require.NoError(t, handler.Save(buildTestCollection(), 0))
	baseName := filepath.Join(dir, must.M1(handler.ListCheckpoints())[0])

	for _, source := range []string{baseName, baseName + ".json"} {
		reader := must.M1(Open(source))
		assert.Equal(t, baseName, reader.BaseName())
		require.NoError(t, reader.Close())
	}
}

func TestOpenNotFound(t *testing.T) {
	// Empty directory: no checkpoints.
	_, err := Open(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Path that doesn't exist at all.
	_, err = Open(filepath.Join(t.TempDir(), "no_such_checkpoint"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, must.M1(Build().Dir(dir).Done()).Save(buildTestCollection(), 0))
	reader := must.M1(Open(dir))
	defer func() { _ = reader.Close() }()

	col := params.New()
	v := col.VariableWithShape("w", shapes.Make(shapes.Float32, 3, 2))
	require.NoError(t, reader.Restore(v, "model/embeddings"))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, v.Value().Flat())

	// Exact shape match is required.
	bad := col.VariableWithShape("bad", shapes.Make(shapes.Float32, 2, 2))
	err := reader.Restore(bad, "model/embeddings")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// Unknown tensors surface as not-found.
	err = reader.Restore(v, "model/unknown")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTensorShapeNotFound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, must.M1(Build().Dir(dir).Done()).Save(buildTestCollection(), 0))
	reader := must.M1(Open(dir))
	defer func() { _ = reader.Close() }()
	_, err := reader.TensorShape("nope")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
