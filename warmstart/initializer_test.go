package warmstart

import (
	"testing"

	"github.com/gomlx/warmstart/checkpoints"
	"github.com/gomlx/warmstart/params"
	"github.com/gomlx/warmstart/types/shapes"
	"github.com/gomlx/warmstart/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkpointReader saves the given tensor as "emb" and opens a Reader on it.
func checkpointReader(t *testing.T, tensor *tensors.Tensor) *checkpoints.Reader {
	t.Helper()
	col := params.New()
	col.VariableWithValue("emb", tensor)
	dir := t.TempDir()
	require.NoError(t, must.M1(checkpoints.Build().Dir(dir).Done()).Save(col, 0))
	reader := must.M1(checkpoints.Open(dir))
	t.Cleanup(func() { _ = reader.Close() })
	return reader
}

func TestMaterializeWindow(t *testing.T) {
	reader := checkpointReader(t, tensors.FromValue2D(shapes.Float64,
		[][]float64{{1, 10}, {2, 20}, {3, 30}}))
	oldIndex := loadTestVocab(t, -1, "a\nb\nc\n")
	newIndex := loadTestVocab(t, -1, "c\na\nd\n")
	plan := BuildPlan(oldIndex, newIndex, 1)

	// Whole window.
	block := must.M1(materializeWindow(reader, "emb", plan, nil, shapes.Float64, 2, 0, 4, nil))
	assert.Equal(t, []float64{3, 30, 1, 10, 0, 0, 0, 0}, block.Flat())

	// Partial window: rows [1, 3) only.
	block = must.M1(materializeWindow(reader, "emb", plan, nil, shapes.Float64, 2, 1, 3, nil))
	assert.Equal(t, []float64{1, 10, 0, 0}, block.Flat())
}

func TestMaterializeWindowColumnRemap(t *testing.T) {
	// Row vocab unchanged, column vocab p,q,r -> r,p,s.
	reader := checkpointReader(t, tensors.FromValue2D(shapes.Float64,
		[][]float64{{1, 2, 3}, {4, 5, 6}}))
	rows := loadTestVocab(t, -1, "a\nb\n")
	oldCols := loadTestVocab(t, -1, "p\nq\nr\n")
	newCols := loadTestVocab(t, -1, "r\np\ns\n")
	rowPlan := BuildPlan(rows, rows, 0)
	colPlan := BuildPlan(oldCols, newCols, 0)

	backup := func(numCols int) []float64 { return []float64{-1, -1, -1} }
	block := must.M1(materializeWindow(reader, "emb", rowPlan, colPlan, shapes.Float64, 3, 0, 2, backup))
	assert.Equal(t, []float64{3, 1, -1, 6, 4, -1}, block.Flat())
}

func TestMaterializeWindowBadBackup(t *testing.T) {
	reader := checkpointReader(t, tensors.FromValue2D(shapes.Float64, [][]float64{{1, 2}}))
	oldIndex := loadTestVocab(t, -1, "a\n")
	newIndex := loadTestVocab(t, -1, "b\n")
	plan := BuildPlan(oldIndex, newIndex, 0)

	backup := func(numCols int) []float64 { return []float64{1} } // Wrong width.
	_, err := materializeWindow(reader, "emb", plan, nil, shapes.Float64, 2, 0, 1, backup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}
