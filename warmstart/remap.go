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
	"github.com/gomlx/warmstart/vocab"
)

// backupRow marks plan entries with no source row in the old matrix.
const backupRow = -1

// RemapPlan maps each row of a new embedding matrix to its source: either a
// row index of the old matrix -- the row of the same vocabulary token -- or
// the backup initializer, for tokens absent from the old vocabulary and for
// out-of-vocabulary buckets.
//
// A plan is computed fresh per variable by Settings.Run, used to materialize
// the variable's initial value and then discarded.
type RemapPlan struct {
	sources   []int
	numCopied int
}

// BuildPlan computes the RemapPlan from the old vocabulary to the new one,
// followed by numOOVBuckets out-of-vocabulary rows.
//
// Only token identity matters: for each new row the plan copies the old row
// holding the same token, wherever it moved to, or falls back to the backup
// initializer if the old vocabulary doesn't have the token. Tokens appearing
// multiple times in the old vocabulary resolve to their first occurrence.
//
// OOV bucket rows always take the backup initializer: old OOV bucket
// assignment is hash-dependent and not recoverable row-for-row.
func BuildPlan(oldIndex, newIndex *vocab.Index, numOOVBuckets int) *RemapPlan {
	plan := &RemapPlan{sources: make([]int, newIndex.Size()+numOOVBuckets)}
	for jj := 0; jj < newIndex.Size(); jj++ {
		if ii, found := oldIndex.Lookup(newIndex.TokenAt(jj)); found {
			plan.sources[jj] = ii
			plan.numCopied++
		} else {
			plan.sources[jj] = backupRow
		}
	}
	for jj := newIndex.Size(); jj < len(plan.sources); jj++ {
		plan.sources[jj] = backupRow
	}
	return plan
}

// NumRows of the new matrix covered by the plan: new vocabulary size plus
// OOV buckets.
func (plan *RemapPlan) NumRows() int {
	return len(plan.sources)
}

// SourceRow returns the old-matrix row that new row jj copies from, or
// found=false if the row takes the backup initializer.
func (plan *RemapPlan) SourceRow(jj int) (oldRow int, found bool) {
	oldRow = plan.sources[jj]
	return oldRow, oldRow != backupRow
}

// NumCopied returns how many rows of the plan copy from the old matrix.
func (plan *RemapPlan) NumCopied() int {
	return plan.numCopied
}

// NumBackup returns how many rows of the plan take the backup initializer.
func (plan *RemapPlan) NumBackup() int {
	return len(plan.sources) - plan.numCopied
}
