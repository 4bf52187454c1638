// internal/platform/training/seqlen/planner.go

// Package seqlen partitions a batch into micro-batches, either by a token
// budget with balanced per-group token counts or by a fixed example count,
// and restores the original example order afterwards.
package seqlen

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/internal/platform/training/batch"
	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/errors"
)

// Planner builds token-budget micro-batches. When Group is set, every rank of
// the data-parallel group ends up with the same number of groups.
type Planner struct {
	Group ulysses.Group
}

// Plan groups example indices so that the summed length of each group stays
// within maxTokenLen. Indices inside a group are ascending; groups are
// returned in assignment order.
func (p *Planner) Plan(ctx context.Context, seqLens []int, maxTokenLen int) ([][]int, error) {
	if maxTokenLen <= 0 {
		return nil, errors.ValidationErrorf("token budget must be positive, got %d", maxTokenLen)
	}
	if len(seqLens) == 0 {
		return nil, errors.ValidationError("cannot plan an empty batch")
	}

	total := 0
	for _, l := range seqLens {
		if l > maxTokenLen {
			return nil, errors.NewFromCodef(errors.ErrTrainTokenBudget, l, maxTokenLen)
		}
		total += l
	}

	k := (total + maxTokenLen - 1) / maxTokenLen
	if k == 0 {
		k = 1
	}
	groups, fits := assign(seqLens, k, maxTokenLen)
	for !fits {
		k++
		groups, fits = assign(seqLens, k, maxTokenLen)
	}

	if p.Group != nil && p.Group.Size() > 1 {
		var err error
		if groups, err = p.agree(ctx, seqLens, k, maxTokenLen, groups); err != nil {
			return nil, err
		}
	}

	return dropEmpty(groups), nil
}

// agree raises k to the group maximum. Every rank then holds the same k; a
// rank whose assignment overflows at that k proposes k+1, and the exchange
// repeats until no rank objects.
func (p *Planner) agree(ctx context.Context, seqLens []int, k, maxTokenLen int, groups [][]int) ([][]int, error) {
	agreed, err := ulysses.AllReduceMax(ctx, p.Group, float64(k))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTrainCollective.Code, "micro-batch count all-reduce failed")
	}
	fits := true
	if int(agreed) != k {
		k = int(agreed)
		groups, fits = assign(seqLens, k, maxTokenLen)
	}

	for {
		proposal := k
		if !fits {
			proposal = k + 1
		}
		agreed, err := ulysses.AllReduceMax(ctx, p.Group, float64(proposal))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrTrainCollective.Code, "micro-batch count all-reduce failed")
		}
		if int(agreed) == k {
			return groups, nil
		}
		k = int(agreed)
		groups, fits = assign(seqLens, k, maxTokenLen)
	}
}

// assign places sequences longest first, each into the currently lightest
// group (lowest index on ties)
func assign(seqLens []int, k, maxTokenLen int) ([][]int, bool) {
	order := make([]int, len(seqLens))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return seqLens[order[a]] > seqLens[order[b]]
	})

	groups := make([][]int, k)
	loads := make([]int, k)
	fits := true
	for _, idx := range order {
		lightest := 0
		for g := 1; g < k; g++ {
			if loads[g] < loads[lightest] {
				lightest = g
			}
		}
		groups[lightest] = append(groups[lightest], idx)
		loads[lightest] += seqLens[idx]
		if loads[lightest] > maxTokenLen {
			fits = false
		}
	}

	for _, g := range groups {
		sort.Ints(g)
	}
	return groups, fits
}

func dropEmpty(groups [][]int) [][]int {
	out := groups[:0]
	for _, g := range groups {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out
}

// ============================================================================
// Order restoration
// ============================================================================

// Flatten concatenates the groups in order
func Flatten(groups [][]int) []int {
	var flat []int
	for _, g := range groups {
		flat = append(flat, g...)
	}
	return flat
}

// ReverseIndex inverts a permutation: reverse[indices[i]] = i. indices must
// be a bijection over [0, len(indices)).
func ReverseIndex(indices []int) ([]int, error) {
	reverse := make([]int, len(indices))
	seen := make([]bool, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(indices) || seen[idx] {
			return nil, errors.NewFromCodef(errors.ErrTrainPermutationMismatch, len(indices), len(indices)).
				WithDetails("index", idx)
		}
		seen[idx] = true
		reverse[idx] = i
	}
	return reverse, nil
}

// Permute returns items in original order, where items[i] belongs to
// example indices[i]
func Permute[T any](items []T, indices []int) ([]T, error) {
	if len(items) != len(indices) {
		return nil, errors.NewFromCodef(errors.ErrTrainPermutationMismatch, len(indices), len(items))
	}
	reverse, err := ReverseIndex(indices)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(items))
	for p, src := range reverse {
		out[p] = items[src]
	}
	return out, nil
}

// Restore reorders the rows of concatenated so that result[p] equals
// concatenated[reverse[p]]
func Restore(concatenated *mat.Dense, indices []int) (*mat.Dense, error) {
	rows, cols := concatenated.Dims()
	if rows != len(indices) {
		return nil, errors.NewFromCodef(errors.ErrTrainPermutationMismatch, len(indices), rows)
	}
	reverse, err := ReverseIndex(indices)
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(rows, cols, nil)
	for p, src := range reverse {
		out.SetRow(p, concatenated.RawRowView(src))
	}
	return out, nil
}

// ============================================================================
// Fixed-size split
// ============================================================================

// FixedSplit cuts b into contiguous chunks of exactly microBatchSize examples
func FixedSplit(b *batch.Batch, microBatchSize int) ([]*batch.Batch, error) {
	if microBatchSize <= 0 {
		return nil, errors.ValidationErrorf("micro-batch size must be positive, got %d", microBatchSize)
	}
	if b.Size()%microBatchSize != 0 {
		return nil, errors.NewFromCodef(errors.ErrBatchIndivisible, b.Size(), microBatchSize)
	}
	return b.Split(microBatchSize)
}

// Describe renders groups for debug logs
func Describe(groups [][]int, seqLens []int) string {
	s := ""
	for i, g := range groups {
		load := 0
		for _, idx := range g {
			load += seqLens[idx]
		}
		s += fmt.Sprintf("[%d: n=%d tokens=%d]", i, len(g), load)
	}
	return s
}

//Personal.AI order the ending
