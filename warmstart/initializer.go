/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package warmstart

import (
	"github.com/gomlx/warmstart/checkpoints"
	"github.com/gomlx/warmstart/types/shapes"
	"github.com/gomlx/warmstart/types/tensors"
	"github.com/pkg/errors"
)

// materializeWindow produces the initial value block for the plan rows in
// [rowStart, rowEnd) -- the window owned by one partition of the variable
// (for a dense variable the window is the whole plan).
//
// Rows with a source in the plan are fetched one at a time from the
// checkpoint reader; the old matrix is never materialized whole. Rows
// without a source are generated by backup, or zero-filled when backup is
// nil.
//
// colPlan optionally remaps columns with the same token-matching rule, for
// class vocabularies that changed as well. When colPlan is nil the old
// matrix must have exactly numCols columns, otherwise the materialization
// fails wrapping checkpoints.ErrShapeMismatch.
func materializeWindow(reader *checkpoints.Reader, tensorName string,
	plan *RemapPlan, colPlan *RemapPlan, dtype shapes.DType, numCols int,
	rowStart, rowEnd int, backup BackupInitializer) (*tensors.Tensor, error) {

	oldShape, err := reader.TensorShape(tensorName)
	if err != nil {
		return nil, err
	}
	if oldShape.Rank() != 2 {
		return nil, errors.Wrapf(checkpoints.ErrShapeMismatch,
			"checkpoint tensor %q is shaped %s, vocabulary remapping requires a matrix", tensorName, oldShape)
	}
	if colPlan == nil && oldShape.Dimensions[1] != numCols {
		return nil, errors.Wrapf(checkpoints.ErrShapeMismatch,
			"checkpoint tensor %q has %d columns, variable has %d and no column vocabulary was given",
			tensorName, oldShape.Dimensions[1], numCols)
	}
	if colPlan != nil && colPlan.NumRows() != numCols {
		return nil, errors.Wrapf(checkpoints.ErrShapeMismatch,
			"column plan covers %d columns, variable has %d", colPlan.NumRows(), numCols)
	}

	backupFor := func(row int) ([]float64, error) {
		if backup == nil {
			return make([]float64, numCols), nil
		}
		values := backup(numCols)
		if len(values) != numCols {
			return nil, errors.Wrapf(ErrConfiguration,
				"backup initializer returned %d values for rows of %d columns", len(values), numCols)
		}
		return values, nil
	}

	block := tensors.FromShape(shapes.Make(dtype, rowEnd-rowStart, numCols))
	for jj := rowStart; jj < rowEnd; jj++ {
		srcRow, found := plan.SourceRow(jj)
		var values []float64
		if found {
			values, err = reader.ReadRow(tensorName, srcRow)
			if err != nil {
				return nil, err
			}
			if colPlan != nil {
				values, err = remapColumns(values, colPlan, jj, backupFor)
				if err != nil {
					return nil, err
				}
			}
		} else {
			values, err = backupFor(jj)
			if err != nil {
				return nil, err
			}
		}
		block.SetRow(jj-rowStart, values)
	}
	return block, nil
}

// remapColumns applies the column plan to one copied row: each new column
// takes the old column of the same token, columns new to the vocabulary take
// the backup values for the row.
func remapColumns(oldValues []float64, colPlan *RemapPlan, row int,
	backupFor func(row int) ([]float64, error)) ([]float64, error) {
	var backupValues []float64
	values := make([]float64, colPlan.NumRows())
	for cc := range values {
		if srcCol, found := colPlan.SourceRow(cc); found {
			if srcCol >= len(oldValues) {
				return nil, errors.Wrapf(checkpoints.ErrShapeMismatch,
					"column plan maps to old column %d, row has only %d columns", srcCol, len(oldValues))
			}
			values[cc] = oldValues[srcCol]
			continue
		}
		if backupValues == nil {
			var err error
			backupValues, err = backupFor(row)
			if err != nil {
				return nil, err
			}
		}
		values[cc] = backupValues[cc]
	}
	return values, nil
}
