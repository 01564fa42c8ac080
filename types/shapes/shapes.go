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

// Package shapes defines Shape and DType for host-side tensors.
//
// Shape represents the rank, dimensions and DType of a tensor held in host
// memory. DType indicates the type of the unit element of a tensor.
//
// Float16 support uses the github.com/x448/float16 implementation.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// DType is the data type of the unit element of a tensor.
type DType int

const (
	// InvalidDType is the zero value of DType, and is not usable.
	InvalidDType DType = iota

	// Float16 is a 16-bit IEEE 754 half-precision float, stored with
	// github.com/x448/float16.
	Float16

	// Float32 is the usual 32 bits float ("float" in many languages).
	Float32

	// Float64 is the usual 64 bits float ("double" in many languages).
	Float64
)

// F32 and F64 are shorter aliases, in the spirit of how shapes are printed.
const (
	F16 = Float16
	F32 = Float32
	F64 = Float64
)

// Size returns the number of bytes used to store one element of the given DType.
func (dtype DType) Size() int {
	switch dtype {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	}
	exceptions.Panicf("shapes: DType(%d) has no defined size", dtype)
	return 0
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("DType(%d)", dtype)
}

// DTypeByName returns the DType with the given name (as output by DType.String)
// or InvalidDType if the name is unknown. Used when decoding serialized shapes.
func DTypeByName(name string) DType {
	switch name {
	case "float16":
		return Float16
	case "float32":
		return Float32
	case "float64":
		return Float64
	}
	return InvalidDType
}

// Shape represents the shape of a tensor: its DType and its dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics if any dimension is <= 0.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool {
	return s.DType != InvalidDType
}

// Rank of the shape, that is, the number of axes. A scalar has rank 0.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// Size returns the number of elements of the DType stored by a tensor of this
// shape. A scalar has size 1.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store a tensor of this shape.
func (s Shape) Memory() int {
	return s.Size() * s.DType.Size()
}

// Eq compares for equality of DType and dimensions.
func (s Shape) Eq(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// Clone makes a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// String implements fmt.Stringer. E.g.: "(float32)[10 8]".
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(%s)", s.DType)
	if s.Rank() > 0 {
		fmt.Fprintf(&b, "%v", s.Dimensions)
	}
	return b.String()
}
