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

// Package checkpoints implements saving and reading of model checkpoints.
//
// A checkpoint is a pair of files sharing a base name: a json metadata file
// describing each tensor (name, shape, position) and a raw data file holding
// the tensor contents back-to-back, optionally gzip compressed.
//
// The Handler saves checkpoints for a params.Collection. It is created by
// calling Build, followed by the various options setting and finally calling
// Config.Done:
//
//	handler, err := checkpoints.Build().Dir(dir).Keep(3).Done()
//	...
//	err = handler.Save(col, globalStep)
//
// The Reader gives random access to the tensors of one saved checkpoint,
// including row-granular reads that don't materialize the whole tensor --
// used by the warmstart package to copy only the embedding rows it needs.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/warmstart/params"
	"github.com/gomlx/warmstart/types/shapes"
	"github.com/gomlx/warmstart/types/tensors"
	"github.com/gomlx/warmstart/types/xslices"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// ErrShapeMismatch is wrapped by errors returned when a checkpoint tensor's
	// shape is incompatible with the variable being initialized from it.
	ErrShapeMismatch = errors.New("checkpoint tensor shape mismatch")
)

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
	varDataSuffix  = ".bin"
)

// Config for the checkpoints Handler to be created. This is created with
// Build() and configured with the various methods. Once finished, call Done()
// and it will output a checkpoints.Handler.
type Config struct {
	err error

	dir      string
	keep     int
	compress bool
}

// Build a configuration for building a checkpoints.Handler. After configuring
// the Config object returned, call Done to get the configured Handler.
func Build() *Config {
	return &Config{keep: 1}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save the checkpoints, creating it if needed.
//
// One must set either Dir or TempDir before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir))
		return c
	}
	c.dir = dir
	if err == nil {
		// Directory exists, all fine.
		return c
	}
	err = os.MkdirAll(dir, DirPermMode)
	if err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// TempDir creates a temporary directory under dir, with the pattern name, and
// uses this directory to save checkpoints. It's a convenience wrapper to
// os.MkdirTemp.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	err = os.Chmod(c.dir, DirPermMode)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to os.Chmod(%q, %s)", newDir, DirPermMode))
	}
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it
// will never erase older checkpoints. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Compress configures the Handler to gzip the checkpoint data files.
// Compressed checkpoints trade the Reader's row-granular random access for a
// one-time decompression of each tensor read.
func (c *Config) Compress() *Config {
	c.compress = true
	return c
}

// Done creates a Handler with the current configuration. It returns an error
// if the configuration is invalid, or if it's missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	h := &Handler{config: c}
	list, err := listCheckpoints(c.dir)
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = maxCheckpointCount(list) + 1
	return h, nil
}

// MustDone constructs the checkpoints.Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "failed to create checkpoints.Handler"))
	}
	return h
}

// Handler saves checkpoints of a params.Collection. See package documentation
// for an example.
type Handler struct {
	config           *Config
	checkpointsCount int
}

// serializedData is how the metadata is read and written from storage.
type serializedData struct {
	// Compressed indicates the data file is gzip'd.
	Compressed bool

	// GlobalStep the checkpoint was saved at, 0 for an initial checkpoint.
	GlobalStep int64

	Variables []serializedVar
}

// serializedVar describes one tensor saved in the data file.
type serializedVar struct {
	Name       string
	Dimensions []int
	DType      string

	// Pos, Length in bytes in the (uncompressed) data file.
	Pos, Length int64
}

func (sv *serializedVar) shape() (shapes.Shape, error) {
	dtype := shapes.DTypeByName(sv.DType)
	if dtype == shapes.InvalidDType {
		return shapes.Shape{}, errors.Errorf("tensor %q has unsupported dtype %q", sv.Name, sv.DType)
	}
	return shapes.Make(dtype, sv.Dimensions...), nil
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to.
func (h *Handler) Dir() string {
	return h.config.dir
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

// Save creates a new checkpoint with every variable of the collection --
// trainable or not. Slices of a partitioned variable are stitched back and
// saved as one logical tensor, so a checkpoint is independent of how the
// model that saved it was partitioned.
func (h *Handler) Save(col *params.Collection, globalStep int64) error {
	logical, err := logicalTensors(col)
	if err != nil {
		return errors.Wrapf(err, "%s: cannot save collection", h)
	}

	baseName := h.newCheckpointBaseName(globalStep)
	h.checkpointsCount++
	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	varFile, err := os.Create(varFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, varFileName)
	}
	var dataWriter io.Writer = varFile
	var gzWriter *gzip.Writer
	if h.config.compress {
		gzWriter = gzip.NewWriter(varFile)
		dataWriter = gzWriter
	}

	serialized := &serializedData{Compressed: h.config.compress, GlobalStep: globalStep}
	var pos int64
	for _, name := range xslices.SortedKeys(logical) {
		t := logical[name]
		shape := t.Shape()
		rawData := t.Bytes()
		n, err := dataWriter.Write(rawData)
		if err != nil {
			return errors.Wrapf(err, "%s: failed to write variable %s", h, name)
		}
		if n != len(rawData) {
			return errors.Errorf("%s: failed to write variable %s -- %d bytes requested, %d bytes written",
				h, name, len(rawData), n)
		}
		serialized.Variables = append(serialized.Variables, serializedVar{
			Name:       name,
			Dimensions: shape.Dimensions,
			DType:      shape.DType.String(),
			Pos:        pos,
			Length:     int64(len(rawData)),
		})
		pos += int64(len(rawData))
	}
	if gzWriter != nil {
		if err = gzWriter.Close(); err != nil {
			return errors.Wrapf(err, "%s: failed to flush compressed checkpoint data file %s", h, varFileName)
		}
	}
	if err = varFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, varFileName)
	}

	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonFile, err := os.Create(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint metadata file %s", h, jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(serialized); err != nil {
		return errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	if err = jsonFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, jsonFileName)
	}
	klog.V(1).Infof("%s: saved %q, %d tensors, %s", h, baseName,
		len(serialized.Variables), humanize.IBytes(uint64(pos)))

	return h.keepNCheckpoints()
}

// logicalTensors groups the collection's variable handles by logical name and
// stitches partitioned slices back into whole tensors.
func logicalTensors(col *params.Collection) (map[string]*tensors.Tensor, error) {
	logical := make(map[string]*tensors.Tensor)
	for _, name := range col.Names() {
		vars := col.Lookup(name)
		if len(vars) == 1 && !vars[0].IsSlice() {
			logical[name] = vars[0].Value()
			continue
		}
		full := tensors.FromShape(vars[0].Slice().FullShape)
		for _, v := range vars {
			if !v.IsSlice() {
				return nil, errors.Errorf("variable %q mixes dense and sliced handles", name)
			}
			tensors.CopyRowRange(full, v.Slice().Offsets[0], v.Value(), 0, v.Shape().Dimensions[0])
		}
		logical[name] = full
	}
	return logical, nil
}

// ListCheckpoints returns the base file names of the checkpoints in the
// directory in time order (older first).
func (h *Handler) ListCheckpoints() ([]string, error) {
	return listCheckpoints(h.config.dir)
}

func listCheckpoints(dir string) (checkpoints []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, fileName[:len(fileName)-len(jsonNameSuffix)])
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckpointCount returns the largest checkpoint count in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
func maxCheckpointCount(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if id > maxId {
			maxId = id
		}
	}
	return maxId
}

// keepNCheckpoints checks if there are more than the configured number of
// checkpoints, and removes the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.Wrapf(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}
	list = list[:len(list)-h.config.keep]
	for _, baseName := range list {
		for _, suffix := range []string{varDataSuffix, jsonNameSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}
