package logprob_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/internal/platform/training/batch"
	"github.com/openeeap/rlactor/internal/platform/training/logprob"
	"github.com/openeeap/rlactor/internal/platform/training/nn"
	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/errors"
)

const (
	vocab  = 6
	maxPos = 5
	seed   = 7
)

// microBatch: S=5, R=2. Example 0 has a left-padded prompt, example 2 a
// right-padded response.
func microBatch(t *testing.T) *batch.Batch {
	t.Helper()
	return batch.MustNew(map[string]*mat.Dense{
		batch.KeyInputIDs: mat.NewDense(3, 5, []float64{
			0, 0, 4, 1, 2,
			3, 5, 2, 4, 1,
			2, 3, 4, 5, 0,
		}),
		batch.KeyAttentionMask: mat.NewDense(3, 5, []float64{
			0, 0, 1, 1, 1,
			1, 1, 1, 1, 1,
			1, 1, 1, 1, 0,
		}),
		batch.KeyPositionIDs: mat.NewDense(3, 5, []float64{
			0, 0, 0, 1, 2,
			0, 1, 2, 3, 4,
			0, 1, 2, 3, 3,
		}),
		batch.KeyResponses: mat.NewDense(3, 2, []float64{1, 2, 4, 1, 5, 0}),
	})
}

func assertEqualUnderMask(t *testing.T, want, got, mask *mat.Dense) {
	t.Helper()
	r, c := mask.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if mask.At(i, j) != 0 {
				assert.InDelta(t, want.At(i, j), got.At(i, j), 1e-9, "(%d,%d)", i, j)
			}
		}
	}
}

func TestPackedMatchesDense(t *testing.T) {
	ctx := context.Background()
	mb := microBatch(t)
	mask, err := mb.ResponseMask()
	require.NoError(t, err)

	dense, err := (&logprob.Computer{Model: nn.NewBigram(vocab, maxPos, seed, nil)}).
		Forward(ctx, mb, 0.8, logprob.Options{ReturnLogits: true})
	require.NoError(t, err)
	packed, err := (&logprob.Computer{Model: nn.NewBigram(vocab, maxPos, seed, nil), UsePacking: true}).
		Forward(ctx, mb, 0.8, logprob.Options{ReturnLogits: true})
	require.NoError(t, err)

	assertEqualUnderMask(t, dense.LogProbs, packed.LogProbs, mask)
	assertEqualUnderMask(t, dense.Entropy, packed.Entropy, mask)

	require.Len(t, packed.Logits, 3)
	r, v := packed.Logits[1].Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, vocab, v)
	assert.True(t, mat.EqualApprox(dense.Logits[1], packed.Logits[1], 1e-12))

	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			assert.LessOrEqual(t, packed.LogProbs.At(i, j), 0.0)
			assert.GreaterOrEqual(t, packed.Entropy.At(i, j), 0.0)
			assert.LessOrEqual(t, packed.Entropy.At(i, j), math.Log(vocab)+1e-12)
		}
	}
}

// runSharded runs the forward and backward on width ranks and returns rank 0's
// result and synced gradients
func runSharded(t *testing.T, width int, dLP, dEnt *mat.Dense) (*logprob.Result, []*nn.Parameter) {
	t.Helper()
	ctx := context.Background()
	groups := ulysses.NewLocalGroups(width)
	results := make([]*logprob.Result, width)
	models := make([]*nn.Bigram, width)

	var eg errgroup.Group
	for rank := 0; rank < width; rank++ {
		rank := rank
		models[rank] = nn.NewBigram(vocab, maxPos, seed, groups[rank])
		eg.Go(func() error {
			c := &logprob.Computer{Model: models[rank], Group: groups[rank], UsePacking: true}
			res, err := c.Forward(ctx, microBatch(t), 1.3, logprob.Options{ReturnLogits: true})
			if err != nil {
				return err
			}
			results[rank] = res
			if err := res.Backward(ctx, dLP, dEnt); err != nil {
				return err
			}
			return models[rank].SyncGrads(ctx)
		})
	}
	require.NoError(t, eg.Wait())

	for rank := 1; rank < width; rank++ {
		assert.True(t, mat.Equal(results[0].LogProbs, results[rank].LogProbs))
	}
	return results[0], models[0].Parameters()
}

func TestSequenceParallelMatchesSingleRank(t *testing.T) {
	dLP := mat.NewDense(3, 2, []float64{1, -0.5, 0.25, 2, -1, 0})
	dEnt := mat.NewDense(3, 2, []float64{0.1, 0.2, -0.3, 0.4, 0.5, 0})

	base, baseParams := runSharded(t, 1, dLP, dEnt)
	for _, width := range []int{2, 3, 4, 5} {
		res, params := runSharded(t, width, dLP, dEnt)
		assert.True(t, mat.EqualApprox(base.LogProbs, res.LogProbs, 1e-12), "width %d", width)
		assert.True(t, mat.EqualApprox(base.Entropy, res.Entropy, 1e-12), "width %d", width)
		for i := range res.Logits {
			assert.True(t, mat.EqualApprox(base.Logits[i], res.Logits[i], 1e-12), "width %d", width)
		}
		for i := range params {
			assert.True(t, mat.EqualApprox(baseParams[i].Grad, params[i].Grad, 1e-12),
				"width %d parameter %s", width, params[i].Name)
		}
	}
}

// weighted scalar loss: sum(a*logp) + sum(b*entropy)
func weightedLoss(res *logprob.Result, a, b *mat.Dense) float64 {
	var l mat.Dense
	l.MulElem(res.LogProbs, a)
	var e mat.Dense
	e.MulElem(res.Entropy, b)
	return mat.Sum(&l) + mat.Sum(&e)
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	ctx := context.Background()
	a := mat.NewDense(3, 2, []float64{1, -2, 0.5, 1, 0.3, 0})
	b := mat.NewDense(3, 2, []float64{0.7, 0.1, -0.4, 0.2, 1, 0})

	for _, packed := range []bool{false, true} {
		model := nn.NewBigram(vocab, maxPos, seed, nil)
		c := &logprob.Computer{Model: model, UsePacking: packed}

		res, err := c.Forward(ctx, microBatch(t), 0.9, logprob.Options{})
		require.NoError(t, err)
		require.NoError(t, res.Backward(ctx, a, b))

		for _, p := range model.Parameters() {
			rows, cols := p.Value.Dims()
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					const h = 1e-6
					orig := p.Value.At(i, j)

					p.Value.Set(i, j, orig+h)
					plus, err := c.Forward(ctx, microBatch(t), 0.9, logprob.Options{})
					require.NoError(t, err)
					p.Value.Set(i, j, orig-h)
					minus, err := c.Forward(ctx, microBatch(t), 0.9, logprob.Options{})
					require.NoError(t, err)
					p.Value.Set(i, j, orig)

					numeric := (weightedLoss(plus, a, b) - weightedLoss(minus, a, b)) / (2 * h)
					assert.InDelta(t, numeric, p.Grad.At(i, j), 1e-6,
						"packed=%v %s[%d,%d]", packed, p.Name, i, j)
				}
			}
		}
	}
}

func TestForwardErrors(t *testing.T) {
	ctx := context.Background()
	c := &logprob.Computer{Model: nn.NewBigram(vocab, maxPos, seed, nil), UsePacking: true}

	_, err := c.Forward(ctx, microBatch(t), 0, logprob.Options{})
	assert.Error(t, err)

	bad, err := microBatch(t).With(batch.KeyResponses, mat.NewDense(3, 2, []float64{1, 2, 4, 1, 5, 9}))
	require.NoError(t, err)
	_, err = (&logprob.Computer{Model: nn.NewBigram(vocab, maxPos, seed, nil)}).Forward(ctx, bad, 1, logprob.Options{})
	assert.True(t, errors.Is(err, errors.ErrTrainShapeMismatch.Code))

	empty, err := microBatch(t).With(batch.KeyAttentionMask, mat.NewDense(3, 5, nil))
	require.NoError(t, err)
	_, err = c.Forward(ctx, empty, 1, logprob.Options{})
	assert.True(t, errors.Is(err, errors.ErrBatchEmptySequence.Code))

	groups := ulysses.NewLocalGroups(2)
	dense := &logprob.Computer{Model: nn.NewBigram(vocab, maxPos, seed, nil), Group: groups[0]}
	_, err = dense.Forward(ctx, microBatch(t), 1, logprob.Options{})
	assert.True(t, errors.Is(err, errors.ErrTrainInvalidConfig.Code))
}

//Personal.AI order the ending
