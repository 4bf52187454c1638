package ulysses

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPadSize(t *testing.T) {
	tests := []struct {
		length, size, want int
	}{
		{5, 1, 0},
		{5, 2, 1},
		{6, 3, 0},
		{7, 3, 2},
		{1, 4, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PadSize(tt.length, tt.size), "L=%d P=%d", tt.length, tt.size)
	}
}

func TestPadAndSlice(t *testing.T) {
	flat := []float64{1, 2, 3, 4, 5}

	shard0, pad := PadAndSlice(flat, 1, 0, 2)
	assert.Equal(t, 1, pad)
	assert.Equal(t, []float64{1, 2, 3}, shard0)

	shard1, _ := PadAndSlice(flat, 1, 1, 2)
	assert.Equal(t, []float64{4, 5, 0}, shard1)

	// width 2: rows (1,2) (3,4) (5,6) over 3 ranks
	wide := []int{1, 2, 3, 4, 5, 6}
	s, pad := PadAndSlice(wide, 2, 2, 3)
	assert.Equal(t, 0, pad)
	assert.Equal(t, []int{5, 6}, s)

	// more ranks than rows: the tail ranks hold only padding
	sf, pad := PadAndSlice([]float64{9}, 1, 2, 3)
	assert.Equal(t, 2, pad)
	assert.Equal(t, []float64{0}, sf)
}

// Slicing, applying a row-wise transform on every rank and gathering equals
// applying the transform to the whole stream.
func TestSliceTransformGatherCommutes(t *testing.T) {
	flat := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	const width = 2

	for _, size := range []int{1, 2, 3, 4} {
		groups := NewLocalGroups(size)
		results := make([][]float64, size)

		var eg errgroup.Group
		for rank := 0; rank < size; rank++ {
			rank := rank
			eg.Go(func() error {
				shard, pad := PadAndSlice(flat, width, rank, size)
				for i := range shard {
					shard[i] *= shard[i]
				}
				out, err := GatherAndUnpad(context.Background(), groups[rank], shard, width, pad)
				results[rank] = out
				return err
			})
		}
		require.NoError(t, eg.Wait())

		want := make([]float64, len(flat))
		for i, v := range flat {
			want[i] = v * v
		}
		for rank := 0; rank < size; rank++ {
			assert.Equal(t, want, results[rank], "size=%d rank=%d", size, rank)
		}
	}
}

func TestGatherAndUnpadSingleGroup(t *testing.T) {
	out, err := GatherAndUnpad(context.Background(), SingleGroup{}, []float64{1, 2, 3, 0}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, out)

	_, err = GatherAndUnpad(context.Background(), SingleGroup{}, []float64{1}, 1, 2)
	assert.Error(t, err)
}

// The rolled label of the final stream position is the first token; it is
// garbage and excluded later by the response-span slice.
func TestRollNextToken(t *testing.T) {
	assert.Equal(t, []int{2, 3, 4, 1}, RollNextToken([]int{1, 2, 3, 4}))
	assert.Equal(t, []float64{}, RollNextToken([]float64{}))
}

func TestAllReduce(t *testing.T) {
	groups := NewLocalGroups(3)
	maxes := make([]float64, 3)
	sums := make([][]float64, 3)

	var eg errgroup.Group
	for rank := 0; rank < 3; rank++ {
		rank := rank
		eg.Go(func() error {
			m, err := AllReduceMax(context.Background(), groups[rank], float64(rank*2))
			if err != nil {
				return err
			}
			maxes[rank] = m
			s, err := AllReduceSum(context.Background(), groups[rank], []float64{1, float64(rank)})
			sums[rank] = s
			return err
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, []float64{4, 4, 4}, maxes)
	for _, s := range sums {
		assert.Equal(t, []float64{3, 3}, s)
	}
}

func TestLocalGroupRoundsAreIndependent(t *testing.T) {
	groups := NewLocalGroups(2)

	var eg errgroup.Group
	got := make([][][]float64, 2)
	for rank := 0; rank < 2; rank++ {
		rank := rank
		eg.Go(func() error {
			for round := 0; round < 3; round++ {
				parts, err := groups[rank].AllGather(context.Background(), []float64{float64(10*round + rank)})
				if err != nil {
					return err
				}
				got[rank] = append(got[rank], []float64{parts[0][0], parts[1][0]})
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	want := [][]float64{{0, 1}, {10, 11}, {20, 21}}
	assert.Equal(t, want, got[0])
	assert.Equal(t, want, got[1])
}

func TestLocalGroupCancellation(t *testing.T) {
	groups := NewLocalGroups(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := groups[0].AllGather(ctx, []float64{1})
	assert.Error(t, err)
}

func TestHubRejectsDoubleJoin(t *testing.T) {
	h := NewLocalGroups(2)[0].hub
	_, err := h.join(0, nil)
	require.NoError(t, err)
	_, err = h.join(0, nil)
	assert.Error(t, err)
}
