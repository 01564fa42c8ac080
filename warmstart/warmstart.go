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

// Package warmstart initializes the trainable variables of a freshly built
// model from a previously saved checkpoint, instead of their default
// initializers.
//
// Plain warm-starting restores a variable from the checkpoint tensor of the
// same (or a configured previous) name, requiring an exact shape match.
// Vocabulary-aware warm-starting additionally remaps embedding rows when the
// vocabulary changed between checkpoint and model: each row is initialized
// with the old row of the same vocabulary token -- wherever the token moved
// to -- and rows for tokens new to the vocabulary (and out-of-vocabulary
// buckets) fall back to a backup initializer, by default zeros. Partitioned
// (row-sharded) variables are handled transparently, each partition receiving
// exactly its own row window.
//
// A warm-start pass is configured with Settings and applied with
// Settings.Run, once per model initialization, before training starts. The
// pass is all-or-nothing: the first error aborts it, since a partially
// warm-started model is worse than a clearly failed one. Run is synchronous
// and single-threaded; concurrent passes over the same variables must be
// serialized by the caller.
package warmstart

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/gomlx/warmstart/checkpoints"
	"github.com/gomlx/warmstart/params"
	"github.com/gomlx/warmstart/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Run applies the Settings to the collection's trainable variables.
//
// Variables matched by the Selector are warm-started from the checkpoint
// tensor of the same name (or the name given with WithPreviousName).
// Variables registered with WithVocab are warm-started with vocabulary
// remapping, whether or not the Selector matches them.
//
// One informational log line is written per variable before it is touched,
// so a failure is attributable to a specific variable from the log tail.
// The first error aborts the whole pass.
func (s *Settings) Run(col *params.Collection) error {
	if s.err != nil {
		return s.err
	}
	runId := uuid.NewString()[:8]

	grouped, order, err := s.groupVariables(col)
	if err != nil {
		return err
	}

	reader, err := checkpoints.Open(s.checkpoint)
	if err != nil {
		return errors.WithMessagef(err, "warm-start %s", runId)
	}
	defer func() { _ = reader.Close() }()
	klog.V(1).Infof("warm-start %s: checkpoint %q, %d variables to consider",
		runId, reader.BaseName(), len(order))

	for _, name := range order {
		lv, err := resolveLogical(grouped[name])
		if err != nil {
			return errors.WithMessagef(err, "warm-start %s", runId)
		}
		tensorName, prevNameLog := name, "unchanged"
		if prevName, found := s.prevNames[name]; found {
			tensorName, prevNameLog = prevName, prevName
		}

		if info, found := s.vocabInfos[name]; found {
			klog.Infof("warm-start %s: variable %q with vocabulary remap: new_vocab=%q new_vocab_size=%d "+
				"oov_buckets=%d old_vocab=%q old_vocab_size=%s prev_tensor=%s backup=%s",
				runId, name, info.NewVocabPath, info.NewVocabSize, info.NumOOVBuckets,
				info.OldVocabPath, oldVocabSizeLog(info.OldVocabSize), prevNameLog, backupLog(info.BackupInitializer))
			if err = warmStartWithVocab(reader, lv, tensorName, info); err != nil {
				return errors.WithMessagef(err, "warm-start %s of variable %q", runId, name)
			}
			continue
		}

		// Without vocabulary info the "select nothing" mode means: only touch
		// variables explicitly listed -- skip this one.
		if s.selector.IsNone() {
			continue
		}
		klog.Infof("warm-start %s: variable %q, prev_tensor=%s", runId, name, prevNameLog)
		if err = warmStartPlain(reader, lv, tensorName); err != nil {
			return errors.WithMessagef(err, "warm-start %s of variable %q", runId, name)
		}
	}
	return nil
}

// groupVariables enumerates the trainable variables per the Selector and
// groups them by logical name -- partitioned variables arrive as multiple
// slice handles and are grouped back into one unit. Variables with a
// VocabInfo are added to the result even when the Selector excludes them.
//
// Settings keys naming variables outside the collection's trainable set
// surface here, wrapping ErrConfiguration.
func (s *Settings) groupVariables(col *params.Collection) (map[string][]*params.Variable, []string, error) {
	grouped := make(map[string][]*params.Variable)
	var order []string

	if !s.selector.IsNone() {
		pattern, err := s.selector.compile()
		if err != nil {
			return nil, nil, err
		}
		for _, v := range col.Enumerate(pattern) {
			if _, found := grouped[v.Name()]; !found {
				order = append(order, v.Name())
			}
			grouped[v.Name()] = append(grouped[v.Name()], v)
		}
	}

	// Vocabulary-mapped variables always participate -- but like the Selector,
	// only within the model's trainable set.
	for _, name := range xslices.SortedKeys(s.vocabInfos) {
		if _, found := grouped[name]; found {
			continue
		}
		handles := trainableHandles(col.Lookup(name))
		if len(handles) == 0 {
			return nil, nil, errors.Wrapf(ErrConfiguration,
				"vocabulary info given for variable %q, which is not among the model's trainable variables", name)
		}
		grouped[name] = handles
		order = append(order, name)
	}

	for _, name := range xslices.SortedKeys(s.prevNames) {
		if len(trainableHandles(col.Lookup(name))) == 0 {
			return nil, nil, errors.Wrapf(ErrConfiguration,
				"previous name given for variable %q, which is not among the model's trainable variables", name)
		}
	}
	return grouped, order, nil
}

func trainableHandles(handles []*params.Variable) []*params.Variable {
	var trainable []*params.Variable
	for _, v := range handles {
		if v.Trainable {
			trainable = append(trainable, v)
		}
	}
	return trainable
}

func oldVocabSizeLog(size int) string {
	if size < 0 {
		return "all"
	}
	return strconv.Itoa(size)
}

func backupLog(backup BackupInitializer) string {
	if backup == nil {
		return "zero-initialized"
	}
	return "custom"
}
