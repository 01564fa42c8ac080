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

// Package tensors provides a minimal host-memory tensor: a flat byte buffer
// described by a shapes.Shape.
//
// Values are accessed as float64 independently of the underlying DType -- the
// per-DType encoding is handled by Encode and Decode, which are also used by
// the checkpoints package to decode individual rows read from disk.
package tensors

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/warmstart/types/shapes"
	"github.com/x448/float16"
)

// Tensor holds a dense tensor in host memory, in row-major order.
type Tensor struct {
	shape shapes.Shape
	data  []byte
}

// FromShape creates a zero-initialized Tensor of the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape %s", shape)
	}
	return &Tensor{shape: shape, data: make([]byte, shape.Memory())}
}

// FromFlat creates a Tensor of the given shape with the given flat values,
// converted to the shape's DType. It panics if len(flat) != shape.Size().
func FromFlat(shape shapes.Shape, flat []float64) *Tensor {
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: shape %s requires %d values, got %d",
			shape, shape.Size(), len(flat))
	}
	return &Tensor{shape: shape, data: Encode(shape.DType, flat)}
}

// FromValue2D creates a rank-2 Tensor from a slice of rows. All rows must
// have the same length.
func FromValue2D(dtype shapes.DType, rows [][]float64) *Tensor {
	if len(rows) == 0 || len(rows[0]) == 0 {
		exceptions.Panicf("tensors.FromValue2D: rows must be non-empty")
	}
	flat := make([]float64, 0, len(rows)*len(rows[0]))
	for ii, row := range rows {
		if len(row) != len(rows[0]) {
			exceptions.Panicf("tensors.FromValue2D: row %d has %d values, expected %d",
				ii, len(row), len(rows[0]))
		}
		flat = append(flat, row...)
	}
	return FromFlat(shapes.Make(dtype, len(rows), len(rows[0])), flat)
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape {
	return t.shape
}

// Bytes returns the raw storage of the tensor. The tensor owns it, don't
// modify -- use MutableBytes for that.
func (t *Tensor) Bytes() []byte {
	return t.data
}

// MutableBytes calls fn with the raw storage of the tensor, for in-place
// modification.
func (t *Tensor) MutableBytes(fn func(data []byte)) {
	fn(t.data)
}

// Flat returns all values of the tensor as float64, in row-major order.
func (t *Tensor) Flat() []float64 {
	return Decode(t.shape.DType, t.data)
}

// Row returns row ii of a rank-2 tensor as float64 values.
func (t *Tensor) Row(ii int) []float64 {
	rowBytes := t.rowBytes(ii)
	return Decode(t.shape.DType, t.data[ii*rowBytes:(ii+1)*rowBytes])
}

// SetRow sets row ii of a rank-2 tensor from float64 values.
func (t *Tensor) SetRow(ii int, values []float64) {
	if len(values) != t.shape.Dimensions[1] {
		exceptions.Panicf("Tensor.SetRow: got %d values for tensor shaped %s", len(values), t.shape)
	}
	rowBytes := t.rowBytes(ii)
	copy(t.data[ii*rowBytes:], Encode(t.shape.DType, values))
}

func (t *Tensor) rowBytes(ii int) int {
	if t.shape.Rank() != 2 {
		exceptions.Panicf("Tensor row access requires rank-2, tensor is shaped %s", t.shape)
	}
	if ii < 0 || ii >= t.shape.Dimensions[0] {
		exceptions.Panicf("Tensor row %d out of range for shape %s", ii, t.shape)
	}
	return t.shape.Dimensions[1] * t.shape.DType.Size()
}

// CopyRowRange copies numRows rows along axis 0 of src, starting at srcRow,
// into dst starting at dstRow. Both tensors must have the same DType and the
// same non-row dimensions; any rank >= 1 works, so sharded vectors copy the
// same way as sharded matrices.
func CopyRowRange(dst *Tensor, dstRow int, src *Tensor, srcRow, numRows int) {
	if dst.shape.Rank() < 1 || src.shape.Rank() != dst.shape.Rank() || src.shape.DType != dst.shape.DType {
		exceptions.Panicf("tensors.CopyRowRange: tensors shaped %s and %s are not row-compatible",
			src.shape, dst.shape)
	}
	for axis := 1; axis < dst.shape.Rank(); axis++ {
		if src.shape.Dimensions[axis] != dst.shape.Dimensions[axis] {
			exceptions.Panicf("tensors.CopyRowRange: tensors shaped %s and %s are not row-compatible",
				src.shape, dst.shape)
		}
	}
	if numRows < 0 || srcRow < 0 || srcRow+numRows > src.shape.Dimensions[0] ||
		dstRow < 0 || dstRow+numRows > dst.shape.Dimensions[0] {
		exceptions.Panicf("tensors.CopyRowRange: rows [%d:%d) of %s to rows [%d:%d) of %s out of range",
			srcRow, srcRow+numRows, src.shape, dstRow, dstRow+numRows, dst.shape)
	}
	stride := dst.shape.Memory() / dst.shape.Dimensions[0]
	copy(dst.data[dstRow*stride:(dstRow+numRows)*stride], src.data[srcRow*stride:])
}

// Clone makes a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), data: bytes.Clone(t.data)}
}

// Equal returns whether both tensors have the same shape and the same
// byte-for-byte contents.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.shape.Eq(other.shape) && bytes.Equal(t.data, other.data)
}

// Encode converts float64 values to their dtype storage format, little-endian.
func Encode(dtype shapes.DType, values []float64) []byte {
	data := make([]byte, len(values)*dtype.Size())
	switch dtype {
	case shapes.Float16:
		for ii, v := range values {
			binary.LittleEndian.PutUint16(data[ii*2:], float16.Fromfloat32(float32(v)).Bits())
		}
	case shapes.Float32:
		for ii, v := range values {
			binary.LittleEndian.PutUint32(data[ii*4:], math.Float32bits(float32(v)))
		}
	case shapes.Float64:
		for ii, v := range values {
			binary.LittleEndian.PutUint64(data[ii*8:], math.Float64bits(v))
		}
	default:
		exceptions.Panicf("tensors.Encode: unsupported dtype %s", dtype)
	}
	return data
}

// Decode converts dtype storage format (see Encode) back to float64 values.
// It panics if len(data) is not a multiple of the dtype element size.
func Decode(dtype shapes.DType, data []byte) []float64 {
	if len(data)%dtype.Size() != 0 {
		exceptions.Panicf("tensors.Decode: %d bytes is not a multiple of %s element size", len(data), dtype)
	}
	values := make([]float64, len(data)/dtype.Size())
	switch dtype {
	case shapes.Float16:
		for ii := range values {
			values[ii] = float64(float16.Frombits(binary.LittleEndian.Uint16(data[ii*2:])).Float32())
		}
	case shapes.Float32:
		for ii := range values {
			values[ii] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[ii*4:])))
		}
	case shapes.Float64:
		for ii := range values {
			values[ii] = math.Float64frombits(binary.LittleEndian.Uint64(data[ii*8:]))
		}
	default:
		exceptions.Panicf("tensors.Decode: unsupported dtype %s", dtype)
	}
	return values
}
