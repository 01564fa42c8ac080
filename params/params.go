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

// Package params holds the model parameters (variables) that warm-starting
// operates on: a Collection of named Variable objects, each holding a dense
// tensor value.
//
// A logical variable may be stored as one dense Variable or as several
// row-sharded slice Variables sharing the same name (see
// Collection.PartitionedVariable). The training system owns the variables;
// the warmstart package only computes and assigns their initial values,
// through Variable.SetInitialValue.
package params

import (
	"regexp"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/warmstart/types/shapes"
	"github.com/gomlx/warmstart/types/tensors"
)

// SliceInfo describes how a slice Variable fits into its logical variable.
type SliceInfo struct {
	// FullShape is the shape of the whole logical variable.
	FullShape shapes.Shape

	// Offsets holds the start position of this slice within the full shape,
	// one entry per axis.
	Offsets []int
}

// Variable is a named model parameter holding a dense tensor value.
// It is created through a Collection.
type Variable struct {
	name string

	// Trainable indicates whether the variable is touched by trainers (and by
	// warm-starting). Defaults to true.
	Trainable bool

	shape shapes.Shape
	value *tensors.Tensor
	slice *SliceInfo
}

// Name returns the variable name. Slices of a partitioned variable all share
// the logical variable's name.
func (v *Variable) Name() string {
	v.AssertValid()
	return v.name
}

// AssertValid panics if the variable is in an invalid state: if it's nil or its shape is not set.
func (v *Variable) AssertValid() {
	if v == nil {
		exceptions.Panicf("params.Variable is nil")
	}
	if !v.shape.Ok() {
		exceptions.Panicf("params.Variable has no shape")
	}
}

// Shape returns the shape of this variable -- for a slice, the shape of the
// slice, not of the logical whole.
func (v *Variable) Shape() shapes.Shape {
	v.AssertValid()
	return v.shape
}

// Value returns the tensor holding the current variable value.
func (v *Variable) Value() *tensors.Tensor {
	v.AssertValid()
	return v.value
}

// SetInitialValue replaces the variable's default-initialized value with the
// given tensor. This is the single write capability warm-starting uses, and
// must happen before the training loop starts reading the variable.
//
// It panics if the value shape doesn't match the variable shape.
func (v *Variable) SetInitialValue(value *tensors.Tensor) {
	v.AssertValid()
	if !value.Shape().Eq(v.shape) {
		exceptions.Panicf("SetInitialValue of variable %q: value shaped %s, variable shaped %s",
			v.name, value.Shape(), v.shape)
	}
	v.value = value
}

// IsSlice returns whether this variable is one row-shard of a larger logical
// variable.
func (v *Variable) IsSlice() bool {
	return v.slice != nil
}

// Slice returns the slice description, or nil for a dense variable.
func (v *Variable) Slice() *SliceInfo {
	return v.slice
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.Trainable = trainable
	return v
}

// Collection holds the variables of one model.
type Collection struct {
	vars   []*Variable
	byName map[string][]*Variable
}

// New creates an empty variable Collection.
func New() *Collection {
	return &Collection{byName: make(map[string][]*Variable)}
}

// VariableWithShape creates a dense variable with the given name, initialized
// to zeros. It panics if the name is already taken.
func (c *Collection) VariableWithShape(name string, shape shapes.Shape) *Variable {
	return c.VariableWithValue(name, tensors.FromShape(shape))
}

// VariableWithValue creates a dense variable with the given name and initial
// value. It panics if the name is already taken.
func (c *Collection) VariableWithValue(name string, value *tensors.Tensor) *Variable {
	c.assertNameFree(name)
	v := &Variable{name: name, Trainable: true, shape: value.Shape(), value: value}
	c.register(v)
	return v
}

// PartitionedVariable creates one logical rank-2 variable stored as
// numPartitions row-sharded slices, initialized to zeros. Rows are split as
// evenly as possible, earlier slices taking the remainder.
//
// The returned slices all share the logical name; Lookup(name) returns them
// in row order.
func (c *Collection) PartitionedVariable(name string, shape shapes.Shape, numPartitions int) []*Variable {
	c.assertNameFree(name)
	if shape.Rank() != 2 {
		exceptions.Panicf("PartitionedVariable %q: only rank-2 variables can be partitioned, got shape %s", name, shape)
	}
	rows := shape.Dimensions[0]
	if numPartitions <= 0 || numPartitions > rows {
		exceptions.Panicf("PartitionedVariable %q: cannot split %d rows into %d partitions", name, rows, numPartitions)
	}
	slices := make([]*Variable, 0, numPartitions)
	rowStart := 0
	for ii := 0; ii < numPartitions; ii++ {
		numRows := rows / numPartitions
		if ii < rows%numPartitions {
			numRows++
		}
		sliceShape := shapes.Make(shape.DType, numRows, shape.Dimensions[1])
		v := &Variable{
			name:      name,
			Trainable: true,
			shape:     sliceShape,
			value:     tensors.FromShape(sliceShape),
			slice:     &SliceInfo{FullShape: shape.Clone(), Offsets: []int{rowStart, 0}},
		}
		c.register(v)
		slices = append(slices, v)
		rowStart += numRows
	}
	return slices
}

// SliceVariable registers one slice of a logical variable partitioned by the
// caller's own scheme, zero-initialized. Several slices may be registered
// under the same logical name; whether they assemble into one consistent
// logical variable is checked by the consumers (warm-starting,
// checkpointing), not here.
//
// offsets holds the start position of the slice within fullShape, one entry
// per axis.
func (c *Collection) SliceVariable(name string, shape, fullShape shapes.Shape, offsets []int) *Variable {
	if name == "" {
		exceptions.Panicf("variable name cannot be empty")
	}
	if len(offsets) != shape.Rank() || shape.Rank() != fullShape.Rank() {
		exceptions.Panicf("SliceVariable %q: shape %s, full shape %s and offsets %v must agree on rank",
			name, shape, fullShape, offsets)
	}
	for _, existing := range c.byName[name] {
		if !existing.IsSlice() {
			exceptions.Panicf("variable %q already exists in Collection as a dense variable", name)
		}
	}
	v := &Variable{
		name:      name,
		Trainable: true,
		shape:     shape,
		value:     tensors.FromShape(shape),
		slice:     &SliceInfo{FullShape: fullShape.Clone(), Offsets: slices.Clone(offsets)},
	}
	c.register(v)
	return v
}

func (c *Collection) assertNameFree(name string) {
	if name == "" {
		exceptions.Panicf("variable name cannot be empty")
	}
	if _, found := c.byName[name]; found {
		exceptions.Panicf("variable %q already exists in Collection", name)
	}
}

func (c *Collection) register(v *Variable) {
	c.vars = append(c.vars, v)
	c.byName[v.name] = append(c.byName[v.name], v)
}

// Names returns the logical variable names in creation order.
func (c *Collection) Names() []string {
	seen := make(map[string]bool, len(c.byName))
	names := make([]string, 0, len(c.byName))
	for _, v := range c.vars {
		if !seen[v.name] {
			seen[v.name] = true
			names = append(names, v.name)
		}
	}
	return names
}

// Lookup returns all variable handles registered under the given logical
// name: one element for a dense variable, one per slice for a partitioned
// one, or nil if the name is unknown.
func (c *Collection) Lookup(name string) []*Variable {
	return c.byName[name]
}

// Enumerate returns the trainable variables whose name matches the given
// pattern, in creation order. A nil pattern matches everything.
func (c *Collection) Enumerate(pattern *regexp.Regexp) []*Variable {
	var matched []*Variable
	for _, v := range c.vars {
		if !v.Trainable {
			continue
		}
		if pattern != nil && !pattern.MatchString(v.name) {
			continue
		}
		matched = append(matched, v)
	}
	return matched
}

// NumVariables returns the number of variable handles (slices counted
// individually) in the collection.
func (c *Collection) NumVariables() int {
	return len(c.vars)
}
