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

package checkpoints

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/warmstart/params"
	"github.com/gomlx/warmstart/types/shapes"
	"github.com/gomlx/warmstart/types/tensors"
	"github.com/gomlx/warmstart/types/xslices"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reader gives random access to the tensors of one saved checkpoint.
//
// Rows of a tensor can be read individually with ReadRow, without the whole
// tensor ever being loaded in memory -- except for compressed checkpoints,
// where the first access decompresses the data file and the tensors read are
// memoized for the lifetime of the Reader.
//
// A Reader is meant to be scoped to one warm-start (or evaluation) run and
// released with Close at its end. It is not safe for concurrent use.
type Reader struct {
	baseName string
	vars     map[string]serializedVar
	order    []string

	compressed bool
	file       *os.File // Data file, open for random access when not compressed.
	dataFile   string
	cache      map[string]*tensors.Tensor
}

// Open resolves source to a concrete checkpoint and returns a Reader for it.
//
// Source may be a checkpoint directory -- in which case the latest checkpoint
// in it is used -- or the path of a specific checkpoint (its metadata file,
// or the same path without the ".json" suffix).
//
// It fails with an error wrapping os.ErrNotExist if source doesn't exist or
// holds no checkpoints.
func Open(source string) (*Reader, error) {
	baseName, err := resolveSource(source)
	if err != nil {
		return nil, err
	}

	jsonFile, err := os.Open(baseName + jsonNameSuffix)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint metadata file %q", baseName+jsonNameSuffix)
	}
	var serialized serializedData
	dec := json.NewDecoder(jsonFile)
	if err = dec.Decode(&serialized); err != nil {
		_ = jsonFile.Close()
		return nil, errors.Wrapf(err, "failed to decode checkpoint metadata file %q", baseName+jsonNameSuffix)
	}
	if err = jsonFile.Close(); err != nil {
		return nil, errors.Wrapf(err, "failed to close checkpoint metadata file %q", baseName+jsonNameSuffix)
	}

	r := &Reader{
		baseName:   baseName,
		vars:       make(map[string]serializedVar, len(serialized.Variables)),
		compressed: serialized.Compressed,
		dataFile:   baseName + varDataSuffix,
		cache:      make(map[string]*tensors.Tensor),
	}
	for _, sv := range serialized.Variables {
		r.vars[sv.Name] = sv
		r.order = append(r.order, sv.Name)
	}
	if !r.compressed {
		r.file, err = os.Open(r.dataFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open checkpoint data file %q", r.dataFile)
		}
	}
	klog.V(1).Infof("checkpoints.Reader: opened %q (%d tensors, compressed=%v)",
		baseName, len(r.vars), r.compressed)
	return r, nil
}

// resolveSource maps a directory or exact checkpoint path to the base path of
// a checkpoint (without suffixes).
func resolveSource(source string) (string, error) {
	fi, err := os.Stat(source)
	if err == nil && fi.IsDir() {
		list, err := listCheckpoints(source)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "", errors.Wrapf(os.ErrNotExist, "no checkpoints found in directory %q", source)
		}
		return filepath.Join(source, xslices.Last(list)), nil
	}

	baseName := strings.TrimSuffix(source, jsonNameSuffix)
	if _, err := os.Stat(baseName + jsonNameSuffix); err != nil {
		return "", errors.Wrapf(err, "checkpoint %q not found", source)
	}
	return baseName, nil
}

// BaseName returns the resolved path of the checkpoint being read, without
// file name suffixes.
func (r *Reader) BaseName() string {
	return r.baseName
}

// TensorNames lists the tensors stored in the checkpoint, in storage order.
func (r *Reader) TensorNames() []string {
	return r.order
}

// HasTensor returns whether the checkpoint holds a tensor with the given name.
func (r *Reader) HasTensor(name string) bool {
	_, found := r.vars[name]
	return found
}

// TensorShape returns the shape of the named tensor. It fails with an error
// wrapping os.ErrNotExist if there is no such tensor in the checkpoint.
func (r *Reader) TensorShape(name string) (shapes.Shape, error) {
	sv, found := r.vars[name]
	if !found {
		return shapes.Shape{}, errors.Wrapf(os.ErrNotExist, "tensor %q not stored in checkpoint %q", name, r.baseName)
	}
	return sv.shape()
}

// ReadRow reads one row of the named rank-2 tensor, converted to float64.
// For uncompressed checkpoints only the row's bytes are read from disk.
func (r *Reader) ReadRow(name string, row int) ([]float64, error) {
	if t, found := r.cache[name]; found {
		return t.Row(row), nil
	}
	sv, found := r.vars[name]
	if !found {
		return nil, errors.Wrapf(os.ErrNotExist, "tensor %q not stored in checkpoint %q", name, r.baseName)
	}
	shape, err := sv.shape()
	if err != nil {
		return nil, err
	}
	if shape.Rank() != 2 {
		return nil, errors.Errorf("tensor %q is shaped %s, row reads require rank-2", name, shape)
	}
	if row < 0 || row >= shape.Dimensions[0] {
		return nil, errors.Errorf("row %d out of range for tensor %q shaped %s", row, name, shape)
	}

	if r.compressed {
		t, err := r.ReadTensor(name)
		if err != nil {
			return nil, err
		}
		return t.Row(row), nil
	}

	rowBytes := shape.Dimensions[1] * shape.DType.Size()
	raw := make([]byte, rowBytes)
	if _, err := r.file.ReadAt(raw, sv.Pos+int64(row)*int64(rowBytes)); err != nil {
		return nil, errors.Wrapf(err, "failed to read row %d of tensor %q from %q", row, name, r.dataFile)
	}
	return tensors.Decode(shape.DType, raw), nil
}

// ReadTensor reads the whole named tensor. The result is memoized for the
// lifetime of the Reader; the caller must not modify it.
func (r *Reader) ReadTensor(name string) (*tensors.Tensor, error) {
	if t, found := r.cache[name]; found {
		return t, nil
	}
	sv, found := r.vars[name]
	if !found {
		return nil, errors.Wrapf(os.ErrNotExist, "tensor %q not stored in checkpoint %q", name, r.baseName)
	}
	shape, err := sv.shape()
	if err != nil {
		return nil, err
	}

	if r.compressed {
		if err = r.loadCompressed(); err != nil {
			return nil, err
		}
		return r.cache[name], nil
	}

	t := tensors.FromShape(shape)
	t.MutableBytes(func(data []byte) {
		_, err = r.file.ReadAt(data, sv.Pos)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor %q from %q", name, r.dataFile)
	}
	r.cache[name] = t
	return t, nil
}

// loadCompressed decompresses the whole data file, filling the cache with
// every tensor. Called at most once per Reader.
func (r *Reader) loadCompressed() error {
	f, err := os.Open(r.dataFile)
	if err != nil {
		return errors.Wrapf(err, "failed to open checkpoint data file %q", r.dataFile)
	}
	defer func() { _ = f.Close() }()
	gzReader, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "failed to decompress checkpoint data file %q", r.dataFile)
	}
	for _, name := range r.order {
		sv := r.vars[name]
		shape, err := sv.shape()
		if err != nil {
			return err
		}
		t := tensors.FromShape(shape)
		t.MutableBytes(func(data []byte) {
			_, err = io.ReadFull(gzReader, data)
		})
		if err != nil {
			return errors.Wrapf(err, "failed to read tensor %q from compressed data file %q", name, r.dataFile)
		}
		r.cache[name] = t
	}
	return gzReader.Close()
}

// Restore assigns the named checkpoint tensor as the variable's initial
// value, requiring an exact shape match -- the plain (no vocabulary
// remapping) form of warm-starting a dense variable.
func (r *Reader) Restore(v *params.Variable, tensorName string) error {
	t, err := r.ReadTensor(tensorName)
	if err != nil {
		return err
	}
	if !t.Shape().Eq(v.Shape()) {
		return errors.Wrapf(ErrShapeMismatch,
			"cannot restore variable %q shaped %s from checkpoint tensor %q shaped %s",
			v.Name(), v.Shape(), tensorName, t.Shape())
	}
	v.SetInitialValue(t.Clone())
	return nil
}

// Close releases the Reader's file handle and memoized tensors.
func (r *Reader) Close() error {
	r.cache = nil
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		if err != nil {
			return errors.Wrapf(err, "failed to close checkpoint data file %q", r.dataFile)
		}
	}
	return nil
}
