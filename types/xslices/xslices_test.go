package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"c": 2, "a": 0, "b": 1}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
	assert.Empty(t, SortedKeys(map[string]int{}))
}

func TestMap(t *testing.T) {
	assert.Equal(t, []int{2, 4, 6}, Map([]int{1, 2, 3}, func(e int) int { return 2 * e }))
}

func TestLast(t *testing.T) {
	assert.Equal(t, 3, Last([]int{1, 2, 3}))
}
