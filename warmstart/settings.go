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
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is wrapped by errors caused by invalid Settings: a
	// missing checkpoint source, an incomplete VocabInfo, or settings naming a
	// variable the model doesn't have.
	ErrConfiguration = errors.New("invalid warm-start settings")

	// ErrInconsistentSlices is wrapped by errors caused by slice handles that
	// don't assemble into one logical variable.
	ErrInconsistentSlices = errors.New("variable slices do not form one logical variable")

	// ErrUnsupportedVariable is wrapped by errors caused by variable forms
	// warm-starting can't handle, like column-sharded slices or vocabulary
	// remapping of a non-matrix variable.
	ErrUnsupportedVariable = errors.New("unsupported variable form")
)

// BackupInitializer generates one row of values for embedding rows that have
// no source in the old checkpoint: tokens new to the vocabulary and
// out-of-vocabulary buckets. A nil BackupInitializer means all-zeros.
type BackupInitializer func(numCols int) []float64

// VocabInfo describes the vocabulary change of one embedding variable between
// the old checkpoint and the current model. It is given to
// Settings.WithVocab, and consumed once per Settings.Run.
type VocabInfo struct {
	// NewVocabPath is the path to the vocabulary file used with the model
	// being trained. Required.
	NewVocabPath string

	// NewVocabSize is how many entries of the new vocabulary are used in
	// training. Required, > 0.
	NewVocabSize int

	// NumOOVBuckets is how many out-of-vocabulary bucket rows follow the
	// vocabulary rows. Must be >= 0.
	NumOOVBuckets int

	// OldVocabPath is the path to the vocabulary file used with the
	// checkpoint being warm-started from. Required.
	OldVocabPath string

	// OldVocabSize constrains the old vocabulary to its first OldVocabSize
	// entries. -1 (the value NewVocabInfo sets) means the entire old
	// vocabulary.
	OldVocabSize int

	// BackupInitializer generates rows with no source in the old checkpoint.
	// nil means zero-initialized.
	BackupInitializer BackupInitializer
}

// NewVocabInfo returns a VocabInfo with the required fields set,
// OldVocabSize defaulting to -1 ("use all") and a zero BackupInitializer.
func NewVocabInfo(newVocabPath string, newVocabSize, numOOVBuckets int, oldVocabPath string) VocabInfo {
	return VocabInfo{
		NewVocabPath:  newVocabPath,
		NewVocabSize:  newVocabSize,
		NumOOVBuckets: numOOVBuckets,
		OldVocabPath:  oldVocabPath,
		OldVocabSize:  -1,
	}
}

func (vi VocabInfo) validate() error {
	if vi.NewVocabPath == "" || vi.NewVocabSize <= 0 || vi.OldVocabPath == "" {
		return errors.Wrapf(ErrConfiguration,
			"VocabInfo must set all of NewVocabPath, NewVocabSize and OldVocabPath, got %+v", vi)
	}
	if vi.NumOOVBuckets < 0 {
		return errors.Wrapf(ErrConfiguration, "VocabInfo.NumOOVBuckets must be >= 0, got %d", vi.NumOOVBuckets)
	}
	if vi.OldVocabSize < -1 {
		return errors.Wrapf(ErrConfiguration,
			"VocabInfo.OldVocabSize must be >= 0, or -1 to use the entire old vocabulary, got %d", vi.OldVocabSize)
	}
	return nil
}

type selectorKind int

const (
	selectorAll selectorKind = iota
	selectorNone
	selectorPattern
)

// Selector chooses which trainable variables a warm-start pass touches.
// There are three distinct states -- everything, nothing, or a regexp over
// variable names -- so "not given" and "explicitly empty" can't be confused.
//
// Variables with a VocabInfo are always warm-started, whatever the Selector.
type Selector struct {
	kind    selectorKind
	pattern string
}

// SelectAll matches every trainable variable. This is the default.
func SelectAll() Selector {
	return Selector{kind: selectorAll}
}

// SelectNone matches no variable by enumeration: only variables given a
// VocabInfo are warm-started.
func SelectNone() Selector {
	return Selector{kind: selectorNone}
}

// SelectPattern matches trainable variables whose name matches the given
// regular expression.
func SelectPattern(pattern string) Selector {
	return Selector{kind: selectorPattern, pattern: pattern}
}

// IsNone returns whether this is the "match nothing" Selector.
func (s Selector) IsNone() bool {
	return s.kind == selectorNone
}

// String implements fmt.Stringer.
func (s Selector) String() string {
	switch s.kind {
	case selectorNone:
		return "Selector(none)"
	case selectorPattern:
		return fmt.Sprintf("Selector(%q)", s.pattern)
	}
	return "Selector(all)"
}

// compile returns the regexp to enumerate variables with, nil meaning
// everything. Must not be called for the none Selector.
func (s Selector) compile() (*regexp.Regexp, error) {
	if s.kind != selectorPattern {
		return nil, nil
	}
	re, err := regexp.Compile(s.pattern)
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "cannot compile variable selector pattern %q: %v", s.pattern, err)
	}
	return re, nil
}

// Settings configures one warm-start pass. Create it with New, configure it
// with the With* methods and apply it with Run:
//
//	err := warmstart.New(checkpointDir).
//		Select(warmstart.SelectPattern("input_layer/.*")).
//		WithVocab("input_layer/tokens/embeddings", vocabInfo).
//		Run(modelVariables)
//
// Settings is read-only once Run is called; the same Settings can be applied
// to another freshly-constructed model and will produce identical values.
type Settings struct {
	err error

	checkpoint string
	selector   Selector
	vocabInfos map[string]VocabInfo
	prevNames  map[string]string
}

// New creates Settings warm-starting from the given checkpoint source: a
// directory with checkpoint file(s), of which the latest is used, or the path
// of one specific checkpoint.
//
// The default Selector is SelectAll. An empty checkpoint source is an
// ErrConfiguration, reported by Run.
func New(checkpointSource string) *Settings {
	s := &Settings{
		checkpoint: checkpointSource,
		selector:   SelectAll(),
		vocabInfos: make(map[string]VocabInfo),
		prevNames:  make(map[string]string),
	}
	if checkpointSource == "" {
		s.err = errors.Wrap(ErrConfiguration, "checkpoint source must be set")
	}
	return s
}

func (s *Settings) setError(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Select sets the variable Selector. Returns the Settings, so calls can be cascaded.
func (s *Settings) Select(selector Selector) *Settings {
	s.selector = selector
	return s
}

// WithVocab registers vocabulary information for the logical variable with
// the given name. That variable will be warm-started row-by-row, matching
// vocabulary tokens between the old and new vocabulary files -- whatever the
// Selector says.
func (s *Settings) WithVocab(variableName string, info VocabInfo) *Settings {
	if err := info.validate(); err != nil {
		s.setError(errors.WithMessagef(err, "WithVocab(%q)", variableName))
		return s
	}
	s.vocabInfos[variableName] = info
	return s
}

// WithPreviousName registers the name the variable had in the checkpoint, for
// variables renamed since. By default a variable's checkpoint tensor is
// looked up under its current name.
func (s *Settings) WithPreviousName(variableName, previousName string) *Settings {
	s.prevNames[variableName] = previousName
	return s
}
