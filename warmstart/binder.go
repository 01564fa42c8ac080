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
	"sort"

	"github.com/gomlx/warmstart/checkpoints"
	"github.com/gomlx/warmstart/params"
	"github.com/gomlx/warmstart/types/shapes"
	"github.com/gomlx/warmstart/types/tensors"
	"github.com/gomlx/warmstart/vocab"
	"github.com/pkg/errors"
)

// logicalVariable is the uniform internal form every variable handle resolves
// to: the logical name and full shape, plus the slice handles (a single one,
// possibly unsliced, for a dense variable; several row-shards for a
// partitioned one) in row order.
type logicalVariable struct {
	name    string
	shape   shapes.Shape
	handles []*params.Variable
}

// resolveLogical checks that the given handles together form exactly one
// logical variable and returns its uniform representation.
//
// It fails wrapping ErrUnsupportedVariable if there are no handles or the
// slices are not purely row-sharded, and wrapping ErrInconsistentSlices if
// the slices disagree on the full shape or don't tile the row range.
func resolveLogical(handles []*params.Variable) (*logicalVariable, error) {
	if len(handles) == 0 {
		return nil, errors.Wrap(ErrUnsupportedVariable, "no variable handles given")
	}
	name := handles[0].Name()
	if len(handles) == 1 && !handles[0].IsSlice() {
		return &logicalVariable{name: name, shape: handles[0].Shape(), handles: handles}, nil
	}

	fullShape := shapes.Shape{}
	for _, v := range handles {
		if !v.IsSlice() {
			return nil, errors.Wrapf(ErrInconsistentSlices,
				"variable %q mixes dense and sliced handles", name)
		}
		info := v.Slice()
		if len(info.Offsets) == 0 {
			return nil, errors.Wrapf(ErrUnsupportedVariable,
				"variable %q has scalar slices, slicing requires at least one axis", name)
		}
		if !fullShape.Ok() {
			fullShape = info.FullShape
		} else if !fullShape.Eq(info.FullShape) {
			return nil, errors.Wrapf(ErrInconsistentSlices,
				"slices of variable %q disagree on the full shape: %s vs %s", name, fullShape, info.FullShape)
		}
		for axis := 1; axis < len(info.Offsets); axis++ {
			if info.Offsets[axis] != 0 {
				return nil, errors.Wrapf(ErrUnsupportedVariable,
					"variable %q is sharded on axis %d, only row sharding is supported", name, axis)
			}
		}
	}

	sorted := make([]*params.Variable, len(handles))
	copy(sorted, handles)
	sort.Slice(sorted, func(ii, jj int) bool {
		return sorted[ii].Slice().Offsets[0] < sorted[jj].Slice().Offsets[0]
	})
	// Slices must tile [0, rows) with no gap or overlap.
	nextRow := 0
	for _, v := range sorted {
		if v.Slice().Offsets[0] != nextRow {
			return nil, errors.Wrapf(ErrInconsistentSlices,
				"slices of variable %q don't tile its rows: expected a slice starting at row %d, got row %d",
				name, nextRow, v.Slice().Offsets[0])
		}
		nextRow += v.Shape().Dimensions[0]
	}
	if nextRow != fullShape.Dimensions[0] {
		return nil, errors.Wrapf(ErrInconsistentSlices,
			"slices of variable %q cover %d rows, full shape %s has %d", name, nextRow, fullShape, fullShape.Dimensions[0])
	}
	return &logicalVariable{name: name, shape: fullShape, handles: sorted}, nil
}

// window returns the row range [start, end) the given handle owns within the
// logical variable.
func (lv *logicalVariable) window(v *params.Variable) (start, end int) {
	if v.IsSlice() {
		start = v.Slice().Offsets[0]
	}
	return start, start + v.Shape().Dimensions[0]
}

// warmStartPlain restores the logical variable from the checkpoint tensor
// with an exact shape match, distributing rows to each partition.
func warmStartPlain(reader *checkpoints.Reader, lv *logicalVariable, tensorName string) error {
	if len(lv.handles) == 1 && !lv.handles[0].IsSlice() {
		return reader.Restore(lv.handles[0], tensorName)
	}
	full, err := reader.ReadTensor(tensorName)
	if err != nil {
		return err
	}
	if !full.Shape().Eq(lv.shape) {
		return errors.Wrapf(checkpoints.ErrShapeMismatch,
			"cannot restore variable %q shaped %s from checkpoint tensor %q shaped %s",
			lv.name, lv.shape, tensorName, full.Shape())
	}
	for _, v := range lv.handles {
		start, end := lv.window(v)
		block := tensors.FromShape(v.Shape())
		tensors.CopyRowRange(block, 0, full, start, end-start)
		v.SetInitialValue(block)
	}
	return nil
}

// warmStartWithVocab initializes the logical variable from the checkpoint
// tensor with vocabulary remapping: each row takes the old row of the same
// token, rows without one take the backup initializer. Each partition
// materializes only its own row window.
func warmStartWithVocab(reader *checkpoints.Reader, lv *logicalVariable, tensorName string, info VocabInfo) error {
	if lv.shape.Rank() != 2 {
		return errors.Wrapf(ErrUnsupportedVariable,
			"variable %q is shaped %s, vocabulary remapping requires a matrix", lv.name, lv.shape)
	}
	oldIndex, err := vocab.Load(info.OldVocabPath, info.OldVocabSize)
	if err != nil {
		return errors.WithMessagef(err, "loading old vocabulary for variable %q", lv.name)
	}
	newIndex, err := vocab.Load(info.NewVocabPath, info.NewVocabSize)
	if err != nil {
		return errors.WithMessagef(err, "loading new vocabulary for variable %q", lv.name)
	}

	plan := BuildPlan(oldIndex, newIndex, info.NumOOVBuckets)
	if plan.NumRows() != lv.shape.Dimensions[0] {
		return errors.Wrapf(checkpoints.ErrShapeMismatch,
			"variable %q has %d rows, new vocabulary covers %d (%d tokens + %d OOV buckets)",
			lv.name, lv.shape.Dimensions[0], plan.NumRows(), newIndex.Size(), info.NumOOVBuckets)
	}

	numCols := lv.shape.Dimensions[1]
	for _, v := range lv.handles {
		start, end := lv.window(v)
		block, err := materializeWindow(reader, tensorName, plan, nil,
			v.Shape().DType, numCols, start, end, info.BackupInitializer)
		if err != nil {
			return err
		}
		v.SetInitialValue(block)
	}
	return nil
}
