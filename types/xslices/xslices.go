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

// Package xslices holds generic slice and map helpers used across the
// warmstart packages.
package xslices

import (
	"slices"

	"golang.org/x/exp/constraints"
)

// Keys returns the keys of a map in the form of a slice, in no particular order.
func Keys[K comparable, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	return s
}

// SortedKeys returns the sorted keys of a map in the form of a slice.
// Handy for deterministic iteration over maps.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	s := Keys(m)
	slices.Sort(s)
	return s
}

// Map executes the given function sequentially for every element on in, and
// returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Last returns the last element of a slice.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}
