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

// Package vocab loads vocabulary files: one token per line, line order
// defining the token's row index in the corresponding embedding matrix.
//
// Lines are taken verbatim -- no trimming, no escaping, no deduplication.
// If a token appears more than once, Lookup resolves to its first
// occurrence, but all rows are preserved physically.
package vocab

import (
	"bufio"
	"os"

	"github.com/pkg/errors"
)

// Index is an ordered list of tokens with a reverse lookup.
// Create it with Load.
type Index struct {
	tokens []string
	lookup map[string]int
}

// Load reads the vocabulary file at path, capped at sizeCap tokens.
// A sizeCap of -1 loads every line of the file.
//
// It fails with an error wrapping os.ErrNotExist if the file doesn't exist.
func Load(path string, sizeCap int) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open vocabulary file %q", path)
	}
	defer func() { _ = f.Close() }()

	idx := &Index{lookup: make(map[string]int)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if sizeCap >= 0 && len(idx.tokens) >= sizeCap {
			break
		}
		token := scanner.Text()
		if _, found := idx.lookup[token]; !found {
			idx.lookup[token] = len(idx.tokens)
		}
		idx.tokens = append(idx.tokens, token)
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary file %q", path)
	}
	return idx, nil
}

// Size returns the number of tokens (rows) loaded.
func (idx *Index) Size() int {
	return len(idx.tokens)
}

// TokenAt returns the token at row position ii.
func (idx *Index) TokenAt(ii int) string {
	return idx.tokens[ii]
}

// Lookup returns the row position of the first occurrence of token.
func (idx *Index) Lookup(token string) (row int, found bool) {
	row, found = idx.lookup[token]
	return
}

// Tokens returns the tokens in file order. The Index owns the returned
// slice, don't change it.
func (idx *Index) Tokens() []string {
	return idx.tokens
}
