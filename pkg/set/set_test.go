package set

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := New[string]()
	require.Equal(t, 0, s.Len())
	require.False(t, s.Contains("a"))

	s.Insert("a")
	s.Insert("b")
	s.Insert("a")
	require.Equal(t, 2, s.Len())
	require.True(t, s.Contains("a"))

	s.Remove("a")
	require.False(t, s.Contains("a"))
	require.Equal(t, 1, s.Len())
}

func TestFromSliceAndToSlice(t *testing.T) {
	s := FromSlice([]int{3, 1, 2, 3, 1})
	require.Equal(t, 3, s.Len())

	vals := s.ToSlice()
	sort.Ints(vals)
	require.Equal(t, []int{1, 2, 3}, vals)
}
