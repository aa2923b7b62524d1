package gradient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectTopKFiltersNonPositiveAndSortsDescending(t *testing.T) {
	gs := []Gradient{
		{Value: 10, DstBin: 1},
		{Value: -5, DstBin: 2},
		{Value: 30, DstBin: 3},
		{Value: 0, DstBin: 4},
		{Value: 20, DstBin: 5},
	}
	out := SelectTopK(gs, 10)
	require.Equal(t, []int64{30, 20, 10}, valuesOf(out))
}

func TestSelectTopKTruncatesAtK(t *testing.T) {
	gs := []Gradient{{Value: 1}, {Value: 2}, {Value: 3}, {Value: 4}}
	out := SelectTopK(gs, 2)
	require.Equal(t, []int64{4, 3}, valuesOf(out))
}

func TestSortDescendingIsStableForTies(t *testing.T) {
	gs := []Gradient{
		{Value: 5, DstBin: 1},
		{Value: 5, DstBin: 2},
		{Value: 7, DstBin: 3},
	}
	SortDescending(gs)
	require.Equal(t, []int64{7, 5, 5}, valuesOf(gs))
	require.Equal(t, uint16(1), uint16(gs[1].DstBin))
	require.Equal(t, uint16(2), uint16(gs[2].DstBin))
}

func valuesOf(gs []Gradient) []int64 {
	out := make([]int64, len(gs))
	for i, g := range gs {
		out[i] = g.Value
	}
	return out
}
