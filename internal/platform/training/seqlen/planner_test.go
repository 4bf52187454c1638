package seqlen

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/internal/platform/training/batch"
	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/errors"
)

func TestPlanRetriesOnOverflow(t *testing.T) {
	// ceil(20/10) = 2 groups cannot hold {6,5,4,3,2}; the planner moves to 3
	seqLens := []int{5, 3, 4, 2, 6}
	groups, err := (&Planner{}).Plan(context.Background(), seqLens, 10)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{4}, {0, 3}, {1, 2}}, groups)
}

func TestPlanProperties(t *testing.T) {
	cases := []struct {
		name    string
		seqLens []int
		budget  int
	}{
		{"single", []int{7}, 7},
		{"uniform", []int{4, 4, 4, 4, 4, 4}, 8},
		{"skewed", []int{1, 9, 2, 8, 3, 7, 4, 6, 5}, 12},
		{"one per group", []int{10, 10, 10}, 10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			groups, err := (&Planner{}).Plan(context.Background(), tc.seqLens, tc.budget)
			require.NoError(t, err)

			flat := Flatten(groups)
			sorted := append([]int(nil), flat...)
			sort.Ints(sorted)
			for i, idx := range sorted {
				assert.Equal(t, i, idx)
			}

			for _, g := range groups {
				require.NotEmpty(t, g)
				assert.True(t, sort.IntsAreSorted(g))
				load := 0
				for _, idx := range g {
					load += tc.seqLens[idx]
				}
				assert.LessOrEqual(t, load, tc.budget)
			}
		})
	}
}

func TestPlanRejectsLongSequence(t *testing.T) {
	_, err := (&Planner{}).Plan(context.Background(), []int{3, 11}, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTrainTokenBudget.Code))

	_, err = (&Planner{}).Plan(context.Background(), []int{3}, 0)
	assert.Error(t, err)
}

func TestPlanAgreesAcrossDataParallelRanks(t *testing.T) {
	groups := ulysses.NewLocalGroups(2)
	inputs := [][]int{{1, 1}, {6, 6}}
	plans := make([][][]int, 2)

	var eg errgroup.Group
	for rank := 0; rank < 2; rank++ {
		rank := rank
		eg.Go(func() error {
			plan, err := (&Planner{Group: groups[rank]}).Plan(context.Background(), inputs[rank], 10)
			plans[rank] = plan
			return err
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, [][]int{{0}, {1}}, plans[0])
	assert.Equal(t, [][]int{{0}, {1}}, plans[1])
}

func TestRestoreRoundTrip(t *testing.T) {
	seqLens := []int{5, 3, 4, 2, 6}
	original := mat.NewDense(5, 2, []float64{
		0, 0.5,
		1, 1.5,
		2, 2.5,
		3, 3.5,
		4, 4.5,
	})

	groups, err := (&Planner{}).Plan(context.Background(), seqLens, 10)
	require.NoError(t, err)
	indices := Flatten(groups)

	concatenated := mat.NewDense(len(indices), 2, nil)
	for i, idx := range indices {
		concatenated.SetRow(i, original.RawRowView(idx))
	}

	restored, err := Restore(concatenated, indices)
	require.NoError(t, err)
	assert.True(t, mat.Equal(original, restored))
}

func TestRestoreRejectsBadPermutation(t *testing.T) {
	_, err := Restore(mat.NewDense(2, 1, nil), []int{0, 1, 2})
	assert.True(t, errors.Is(err, errors.ErrTrainPermutationMismatch.Code))

	_, err = ReverseIndex([]int{0, 0})
	assert.True(t, errors.Is(err, errors.ErrTrainPermutationMismatch.Code))

	_, err = ReverseIndex([]int{0, 2})
	assert.Error(t, err)
}

func TestPermute(t *testing.T) {
	got, err := Permute([]string{"c", "a", "b"}, []int{2, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestFixedSplit(t *testing.T) {
	b := batch.MustNew(map[string]*mat.Dense{
		batch.KeyAdvantages: mat.NewDense(4, 1, []float64{0, 1, 2, 3}),
	})

	chunks, err := FixedSplit(b, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	adv, _ := chunks[1].Get(batch.KeyAdvantages)
	assert.Equal(t, []float64{2, 3}, mat.Col(nil, 0, adv))

	_, err = FixedSplit(b, 3)
	assert.True(t, errors.Is(err, errors.ErrBatchIndivisible.Code))
}

//Personal.AI order the ending
