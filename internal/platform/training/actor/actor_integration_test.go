package actor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/internal/platform/training/actor"
	"github.com/openeeap/rlactor/internal/platform/training/batch"
	"github.com/openeeap/rlactor/internal/platform/training/coreloss"
	"github.com/openeeap/rlactor/internal/platform/training/nn"
	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/config"
	"github.com/openeeap/rlactor/pkg/types"
)

const (
	vocab  = 6
	maxPos = 5
	seed   = 11
	lr     = 0.5
)

// trainingInputs: S=5, R=2 with valid lengths 3, 5, 4, 5
func trainingInputs() map[string]*mat.Dense {
	return map[string]*mat.Dense{
		batch.KeyInputIDs: mat.NewDense(4, 5, []float64{
			0, 0, 4, 1, 2,
			3, 5, 2, 4, 1,
			2, 3, 4, 5, 0,
			1, 1, 3, 2, 5,
		}),
		batch.KeyAttentionMask: mat.NewDense(4, 5, []float64{
			0, 0, 1, 1, 1,
			1, 1, 1, 1, 1,
			1, 1, 1, 1, 0,
			1, 1, 1, 1, 1,
		}),
		batch.KeyPositionIDs: mat.NewDense(4, 5, []float64{
			0, 0, 0, 1, 2,
			0, 1, 2, 3, 4,
			0, 1, 2, 3, 3,
			0, 1, 2, 3, 4,
		}),
		batch.KeyResponses: mat.NewDense(4, 2, []float64{1, 2, 4, 1, 5, 0, 2, 5}),
	}
}

func trainingBatch(t *testing.T, withParallelInputs bool) *batch.Batch {
	t.Helper()
	tensors := trainingInputs()
	tensors[batch.KeyOldLogProbs] = mat.NewDense(4, 2, []float64{-1.7, -1.9, -1.6, -2.0, -1.8, 0, -1.75, -1.85})
	tensors[batch.KeyAdvantages] = mat.NewDense(4, 2, []float64{1, -0.5, 0.8, 0.3, -1.2, 0, 0.4, -0.9})
	tensors[batch.KeyRefLogProb] = mat.NewDense(4, 2, []float64{-1.8, -1.7, -1.9, -1.6, -1.7, 0, -1.9, -1.8})

	tensors[batch.KeyGroundTruthMask+batch.ParallelSuffix] = mat.NewDense(4, 2, []float64{1, 1, 1, 1, 1, 0, 0, 1})
	tensors[batch.KeyOldLogProbs+batch.ParallelSuffix] = mat.NewDense(4, 2, []float64{-1.2, -2.2, -0.9, -1.4, -1.1, -3, -2.5, -0.7})
	if withParallelInputs {
		for key, v := range trainingInputs() {
			tensors[key+batch.ParallelSuffix] = v
		}
	}
	b, err := batch.New(tensors)
	require.NoError(t, err)
	return b
}

func trainingConfig(spSize int) config.ActorConfig {
	return config.ActorConfig{
		UseRemovePadding:            true,
		UlyssesSequenceParallelSize: spSize,
		PPOMiniBatchSize:            2,
		PPOMicroBatchSizePerGPU:     1,
		PPOMaxTokenLenPerGPU:        64,
		ClipRatio:                   0.2,
		EntropyCoeff:                0.01,
		UseKLLoss:                   true,
		KLLossType:                  "low_var_kl",
		KLLossCoef:                  0.1,
		LossAggMode:                 "token-mean",
		GradClip:                    1.0,
		UseSFTLoss:                  true,
		SFTType:                     "multi_task",
		SFTLossCoef:                 0.5,
		Temperature:                 0.9,
	}
}

type rankResult struct {
	params  []*mat.Dense
	metrics map[string][]float64
}

func buildRank(cfg config.ActorConfig, group ulysses.Group) (*actor.Actor, *nn.Bigram, error) {
	model := nn.NewBigram(vocab, maxPos, seed, group)
	opt := nn.NewSGD(model.Parameters(), lr)
	a, err := actor.New(cfg, model, opt, opt, actor.WithSequenceParallelGroup(group))
	return a, model, err
}

func newRank(t *testing.T, cfg config.ActorConfig, group ulysses.Group) (*actor.Actor, *nn.Bigram) {
	t.Helper()
	a, model, err := buildRank(cfg, group)
	require.NoError(t, err)
	return a, model
}

func snapshot(model *nn.Bigram) []*mat.Dense {
	var out []*mat.Dense
	for _, p := range model.Parameters() {
		out = append(out, mat.DenseCopyOf(p.Value))
	}
	return out
}

func runUpdate(t *testing.T, cfg config.ActorConfig, group ulysses.Group, b *batch.Batch, mode types.ObjectiveMode) rankResult {
	a, model := newRank(t, cfg, group)
	m, err := a.UpdatePolicy(context.Background(), b, mode)
	require.NoError(t, err)
	return rankResult{params: snapshot(model), metrics: m.Snapshot()}
}

func assertSameResult(t *testing.T, want, got rankResult) {
	t.Helper()
	require.Len(t, got.params, len(want.params))
	for i := range want.params {
		assert.True(t, mat.EqualApprox(want.params[i], got.params[i], 1e-9), "parameter %d", i)
	}
	require.Equal(t, len(want.metrics), len(got.metrics))
	for name, series := range want.metrics {
		assert.InDeltaSlice(t, series, got.metrics[name], 1e-9, name)
	}
}

func TestUpdatePolicyChangesParameters(t *testing.T) {
	b := trainingBatch(t, true)
	initial := snapshot(nn.NewBigram(vocab, maxPos, seed, ulysses.SingleGroup{}))

	res := runUpdate(t, trainingConfig(1), ulysses.SingleGroup{}, b, types.ObjectiveNormal)

	changed := false
	for i := range initial {
		if !mat.EqualApprox(initial[i], res.params[i], 1e-12) {
			changed = true
		}
	}
	assert.True(t, changed)

	for _, name := range []string{
		actor.MetricPGLoss, actor.MetricPGClipFrac, actor.MetricPPOKL, actor.MetricEntropyLoss,
		actor.MetricPolicyLoss, actor.MetricKLLoss, actor.MetricKLCoef, actor.MetricSFTLoss,
		actor.MetricSFTCoef, actor.MetricGradNorm, actor.MetricGradNormNonFinite,
	} {
		assert.Len(t, res.metrics[name], 2, name)
	}
	assert.Equal(t, []float64{0.1, 0.1}, res.metrics[actor.MetricKLCoef])
	assert.Equal(t, []float64{0.5, 0.5}, res.metrics[actor.MetricSFTCoef])
	assert.NotContains(t, res.metrics, actor.MetricSFTGradNorm)
}

func TestSequenceParallelMatchesSingleRank(t *testing.T) {
	b := trainingBatch(t, true)
	want := runUpdate(t, trainingConfig(1), ulysses.SingleGroup{}, b, types.ObjectiveNormal)

	for _, width := range []int{2, 3} {
		groups := ulysses.NewLocalGroups(width)
		results := make([]rankResult, width)
		var eg errgroup.Group
		for r := 0; r < width; r++ {
			r := r
			eg.Go(func() error {
				a, model, err := buildRank(trainingConfig(width), groups[r])
				if err != nil {
					return err
				}
				m, err := a.UpdatePolicy(context.Background(), b, types.ObjectiveNormal)
				if err != nil {
					return err
				}
				results[r] = rankResult{params: snapshot(model), metrics: m.Snapshot()}
				return nil
			})
		}
		require.NoError(t, eg.Wait(), "width %d", width)
		for r := 0; r < width; r++ {
			assertSameResult(t, want, results[r])
		}
	}
}

func TestDynamicBatchingSingleMicroBatchMatchesFixed(t *testing.T) {
	b := trainingBatch(t, true)

	fixed := trainingConfig(1)
	fixed.PPOMicroBatchSizePerGPU = 2
	want := runUpdate(t, fixed, ulysses.SingleGroup{}, b, types.ObjectiveNormal)

	dynamic := trainingConfig(1)
	dynamic.UseDynamicBsz = true
	got := runUpdate(t, dynamic, ulysses.SingleGroup{}, b, types.ObjectiveNormal)

	assertSameResult(t, want, got)
}

func TestAuxiliaryOnlyUpdate(t *testing.T) {
	cfg := trainingConfig(1)
	cfg.SFTType = "bilevel"
	b := trainingBatch(t, true)
	initial := snapshot(nn.NewBigram(vocab, maxPos, seed, ulysses.SingleGroup{}))

	res := runUpdate(t, cfg, ulysses.SingleGroup{}, b, types.ObjectiveAuxiliaryOnly)

	assert.Len(t, res.metrics[actor.MetricSFTLoss], 2)
	assert.Len(t, res.metrics[actor.MetricSFTGradNorm], 2)
	assert.Equal(t, []float64{0, 0}, res.metrics[actor.MetricGradNormNonFinite])
	assert.NotContains(t, res.metrics, actor.MetricPGLoss)
	assert.NotContains(t, res.metrics, actor.MetricGradNorm)
	for _, l := range res.metrics[actor.MetricSFTLoss] {
		assert.Greater(t, l, 0.0)
	}
	assert.False(t, mat.EqualApprox(initial[0], res.params[0], 1e-12))
}

func TestAuxiliaryOnlyWithPrecomputedLogProbs(t *testing.T) {
	cfg := trainingConfig(1)
	cfg.SFTType = "bilevel"
	b := trainingBatch(t, false)
	initial := snapshot(nn.NewBigram(vocab, maxPos, seed, ulysses.SingleGroup{}))

	res := runUpdate(t, cfg, ulysses.SingleGroup{}, b, types.ObjectiveAuxiliaryOnly)

	old, _ := b.Get(batch.KeyOldLogProbs + batch.ParallelSuffix)
	gt, _ := b.Get(batch.KeyGroundTruthMask + batch.ParallelSuffix)
	perRow := make([]float64, 4)
	for i := range perRow {
		loss, _, err := coreloss.AuxiliaryLoss(
			mat.NewDense(1, 2, mat.Row(nil, i, old)),
			mat.NewDense(1, 2, mat.Row(nil, i, gt)))
		require.NoError(t, err)
		perRow[i] = loss
	}
	want := []float64{(perRow[0] + perRow[1]) / 2, (perRow[2] + perRow[3]) / 2}
	assert.InDeltaSlice(t, want, res.metrics[actor.MetricSFTLoss], 1e-12)

	// a precomputed term carries no gradient
	assert.Equal(t, []float64{0, 0}, res.metrics[actor.MetricSFTGradNorm])
	for i := range initial {
		assert.True(t, mat.Equal(initial[i], res.params[i]))
	}
}

// ============================================================================
// Inference
// ============================================================================

func computeBatch(t *testing.T) *batch.Batch {
	t.Helper()
	b, err := batch.MustNew(trainingInputs()).Rows([]int{0, 1, 2})
	require.NoError(t, err)
	return b
}

func TestComputeLogProbRestoresOrderUnderDynamicBatching(t *testing.T) {
	a, model := newRank(t, trainingConfig(1), ulysses.SingleGroup{})
	b := computeBatch(t)
	ctx := context.Background()

	fixed := a.ComputeOptions()
	want, err := a.ComputeLogProb(ctx, b, fixed)
	require.NoError(t, err)
	assert.False(t, model.Training())

	// lengths 3, 5, 4 under a budget of 6 need three micro-batches,
	// planned as [1], [2], [0]
	dynamic := fixed
	dynamic.UseDynamicBsz = true
	dynamic.MaxTokenLen = 6
	got, err := a.ComputeLogProb(ctx, b, dynamic)
	require.NoError(t, err)

	mask, err := b.ResponseMask()
	require.NoError(t, err)
	assertEqualUnderMask(t, want.LogProbs, got.LogProbs, mask)
	assertEqualUnderMask(t, want.Entropy, got.Entropy, mask)

	wantLogits, err := a.ComputeAllLogits(ctx, b, fixed)
	require.NoError(t, err)
	gotLogits, err := a.ComputeAllLogits(ctx, b, dynamic)
	require.NoError(t, err)
	require.Len(t, gotLogits, 3)
	for i := range wantLogits {
		r, c := gotLogits[i].Dims()
		assert.Equal(t, 2, r)
		assert.Equal(t, vocab, c)
		assert.True(t, mat.EqualApprox(wantLogits[i], gotLogits[i], 1e-12), "example %d", i)
	}
}

func TestComputeAuxLogProbUsesParallelView(t *testing.T) {
	a, _ := newRank(t, trainingConfig(1), ulysses.SingleGroup{})
	ctx := context.Background()
	b := trainingBatch(t, true)

	want, err := a.ComputeLogProb(ctx, b, a.ComputeOptions())
	require.NoError(t, err)
	got, err := a.ComputeAuxLogProb(ctx, b, a.ComputeOptions())
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(want.LogProbs, got.LogProbs, 1e-12))

	_, err = a.ComputeAuxLogProb(ctx, trainingBatch(t, false), a.ComputeOptions())
	assert.Error(t, err)
}

func TestComputeRejectsOversizedSequence(t *testing.T) {
	a, _ := newRank(t, trainingConfig(1), ulysses.SingleGroup{})
	opts := a.ComputeOptions()
	opts.UseDynamicBsz = true
	opts.MaxTokenLen = 4

	_, err := a.ComputeLogProb(context.Background(), computeBatch(t), opts)
	assert.Error(t, err)
}

func assertEqualUnderMask(t *testing.T, want, got, mask *mat.Dense) {
	t.Helper()
	r, c := mask.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if mask.At(i, j) != 0 {
				assert.InDelta(t, want.At(i, j), got.At(i, j), 1e-12, "(%d,%d)", i, j)
			}
		}
	}
}

//Personal.AI order the ending
