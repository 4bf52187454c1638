// internal/platform/training/logprob/computer.go

// Package logprob turns model logits into per-token log-probabilities and
// entropies over the response span of a micro-batch, and maps gradients on
// those quantities back to logit gradients for the model.
package logprob

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/internal/platform/training/batch"
	"github.com/openeeap/rlactor/internal/platform/training/packing"
	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/errors"
)

// Computer runs the model over a micro-batch
type Computer struct {
	Model Forwarder

	// Group is the sequence-parallel group; nil means a single rank
	Group ulysses.Group

	// UsePacking removes padding before the forward
	UsePacking bool
}

// Options tunes one forward
type Options struct {
	// ReturnLogits keeps the temperature-scaled response-span logits
	ReturnLogits bool
}

// Result holds [N, R] log-probabilities and entropies of the response tokens
type Result struct {
	LogProbs *mat.Dense
	Entropy  *mat.Dense

	// Logits holds one [R, V] matrix per example when requested
	Logits []*mat.Dense

	backward func(ctx context.Context, dLogProbs, dEntropy *mat.Dense) error
}

// Backward propagates gradients of a scalar loss with respect to LogProbs and
// Entropy into the model. Either gradient may be nil.
func (r *Result) Backward(ctx context.Context, dLogProbs, dEntropy *mat.Dense) error {
	if r.backward == nil {
		return errors.InternalError("result has no backward pass")
	}
	n, c := r.LogProbs.Dims()
	for _, d := range []*mat.Dense{dLogProbs, dEntropy} {
		if d == nil {
			continue
		}
		if dn, dc := d.Dims(); dn != n || dc != c {
			return errors.NewFromCodef(errors.ErrTrainShapeMismatch,
				fmt.Sprintf("gradient is %dx%d, result is %dx%d", dn, dc, n, c))
		}
	}
	return r.backward(ctx, dLogProbs, dEntropy)
}

func (c *Computer) group() ulysses.Group {
	if c.Group == nil {
		return ulysses.SingleGroup{}
	}
	return c.Group
}

// Forward computes response log-probabilities and entropies of mb at the
// given sampling temperature
func (c *Computer) Forward(ctx context.Context, mb *batch.Batch, temperature float64, opts Options) (*Result, error) {
	if temperature <= 0 || math.IsNaN(temperature) {
		return nil, errors.ValidationErrorf("temperature must be positive, got %v", temperature)
	}
	if err := mb.Validate(batch.KeyInputIDs, batch.KeyAttentionMask, batch.KeyPositionIDs, batch.KeyResponses); err != nil {
		return nil, err
	}
	if s, r := mb.SeqLen(), mb.ResponseLen(); r == 0 || r >= s {
		return nil, errors.NewFromCodef(errors.ErrBatchResponseTooLong, r, s-1)
	}

	if c.UsePacking {
		return c.forwardPacked(ctx, mb, temperature, opts)
	}
	if c.group().Size() > 1 {
		return nil, errors.NewFromCodef(errors.ErrTrainInvalidConfig,
			"sequence parallelism requires padding removal")
	}
	return c.forwardDense(ctx, mb, temperature, opts)
}

// ============================================================================
// Packed path
// ============================================================================

func (c *Computer) forwardPacked(ctx context.Context, mb *batch.Batch, temperature float64, opts Options) (*Result, error) {
	g := c.group()
	ids, _ := mb.Get(batch.KeyInputIDs)
	mask, _ := mb.Get(batch.KeyAttentionMask)
	pos, _ := mb.Get(batch.KeyPositionIDs)
	n, s, r := mb.Size(), mb.SeqLen(), mb.ResponseLen()

	layout, err := packing.Unpad(mask)
	if err != nil {
		return nil, err
	}
	packedIDs, err := packing.PackDense(layout, ids)
	if err != nil {
		return nil, err
	}
	packedPos, err := packing.PackDense(layout, pos)
	if err != nil {
		return nil, err
	}
	labels := ulysses.RollNextToken(packedIDs)

	idShard, pad := ulysses.PadAndSlice(packedIDs, 1, g.Rank(), g.Size())
	posShard, _ := ulysses.PadAndSlice(packedPos, 1, g.Rank(), g.Size())
	labelShard, _ := ulysses.PadAndSlice(labels, 1, g.Rank(), g.Size())

	out, err := c.Model.Forward(ctx, &ForwardInput{
		InputIDs:    toInts(idShard),
		PositionIDs: toInts(posShard),
		Rows:        1,
		Cols:        len(idShard),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTrainModelForward.Code, "model forward failed")
	}

	z, err := scaleLogits(out.Logits, len(idShard), temperature)
	if err != nil {
		return nil, err
	}
	shardLabels := toInts(labelShard)

	// one gather of interleaved (log-prob, entropy) rows
	scored := make([]float64, 2*len(shardLabels))
	for i, label := range shardLabels {
		lp, ent, err := scoreRow(z.RawRowView(i), label)
		if err != nil {
			return nil, err
		}
		scored[2*i], scored[2*i+1] = lp, ent
	}
	full, err := ulysses.GatherAndUnpad(ctx, g, scored, 2, pad)
	if err != nil {
		return nil, err
	}
	padded, err := packing.Unpack(layout, full, 2)
	if err != nil {
		return nil, err
	}

	res := &Result{
		LogProbs: mat.NewDense(n, r, nil),
		Entropy:  mat.NewDense(n, r, nil),
	}
	start := s - r - 1
	for i := 0; i < n; i++ {
		for j := 0; j < r; j++ {
			at := 2 * (i*s + start + j)
			res.LogProbs.Set(i, j, padded[at])
			res.Entropy.Set(i, j, padded[at+1])
		}
	}

	if opts.ReturnLogits {
		if res.Logits, err = gatherLogits(ctx, g, z, pad, layout, r); err != nil {
			return nil, err
		}
	}

	res.backward = func(ctx context.Context, dLogProbs, dEntropy *mat.Dense) error {
		dPadded := make([]float64, 2*n*s)
		for i := 0; i < n; i++ {
			for j := 0; j < r; j++ {
				at := 2 * (i*s + start + j)
				if dLogProbs != nil {
					dPadded[at] = dLogProbs.At(i, j)
				}
				if dEntropy != nil {
					dPadded[at+1] = dEntropy.At(i, j)
				}
			}
		}
		dPacked, err := packing.Pack(layout, dPadded, 2)
		if err != nil {
			return err
		}
		// the gather copies every shard, so this rank's shard receives exactly
		// its own rows of the upstream gradient
		dShard, _ := ulysses.PadAndSlice(dPacked, 2, g.Rank(), g.Size())

		dLogits := mat.NewDense(len(shardLabels), z.RawMatrix().Cols, nil)
		for i, label := range shardLabels {
			backRow(dLogits.RawRowView(i), z.RawRowView(i), label, dShard[2*i], dShard[2*i+1], temperature)
		}
		return out.Backward(ctx, dLogits)
	}
	return res, nil
}

// gatherLogits collects the [L, V] scaled logits and cuts each example's
// response span; positions that were padding get a zero row
func gatherLogits(ctx context.Context, g ulysses.Group, z *mat.Dense, pad int, layout *packing.Layout, r int) ([]*mat.Dense, error) {
	vocab := z.RawMatrix().Cols
	raw := make([]float64, 0, len(z.RawMatrix().Data))
	rows, _ := z.Dims()
	for i := 0; i < rows; i++ {
		raw = append(raw, z.RawRowView(i)...)
	}
	full, err := ulysses.GatherAndUnpad(ctx, g, raw, vocab, pad)
	if err != nil {
		return nil, err
	}
	padded, err := packing.Unpack(layout, full, vocab)
	if err != nil {
		return nil, err
	}

	s := layout.SeqLen
	start := s - r - 1
	logits := make([]*mat.Dense, layout.Batch)
	for i := range logits {
		m := mat.NewDense(r, vocab, nil)
		for j := 0; j < r; j++ {
			at := (i*s + start + j) * vocab
			m.SetRow(j, padded[at:at+vocab])
		}
		logits[i] = m
	}
	return logits, nil
}

// ============================================================================
// Dense path
// ============================================================================

func (c *Computer) forwardDense(ctx context.Context, mb *batch.Batch, temperature float64, opts Options) (*Result, error) {
	ids, _ := mb.Get(batch.KeyInputIDs)
	mask, _ := mb.Get(batch.KeyAttentionMask)
	pos, _ := mb.Get(batch.KeyPositionIDs)
	responses, _ := mb.Get(batch.KeyResponses)
	n, s, r := mb.Size(), mb.SeqLen(), mb.ResponseLen()

	out, err := c.Model.Forward(ctx, &ForwardInput{
		InputIDs:      toInts(flatten(ids)),
		PositionIDs:   toInts(flatten(pos)),
		Rows:          n,
		Cols:          s,
		AttentionMask: flatten(mask),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTrainModelForward.Code, "model forward failed")
	}
	if rows, _ := out.Logits.Dims(); rows != n*s {
		return nil, errors.NewFromCodef(errors.ErrTrainShapeMismatch,
			fmt.Sprintf("model returned %d logit rows for %d positions", rows, n*s))
	}

	start := s - r - 1
	vocab := out.Logits.RawMatrix().Cols
	span := mat.NewDense(n*r, vocab, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < r; j++ {
			span.SetRow(i*r+j, out.Logits.RawRowView(i*s+start+j))
		}
	}
	z, err := scaleLogits(span, n*r, temperature)
	if err != nil {
		return nil, err
	}

	res := &Result{
		LogProbs: mat.NewDense(n, r, nil),
		Entropy:  mat.NewDense(n, r, nil),
	}
	labels := toInts(flatten(responses))
	for k, label := range labels {
		lp, ent, err := scoreRow(z.RawRowView(k), label)
		if err != nil {
			return nil, err
		}
		res.LogProbs.Set(k/r, k%r, lp)
		res.Entropy.Set(k/r, k%r, ent)
	}

	if opts.ReturnLogits {
		res.Logits = make([]*mat.Dense, n)
		for i := range res.Logits {
			res.Logits[i] = mat.DenseCopyOf(z.Slice(i*r, (i+1)*r, 0, vocab))
		}
	}

	res.backward = func(ctx context.Context, dLogProbs, dEntropy *mat.Dense) error {
		dLogits := mat.NewDense(n*s, vocab, nil)
		for k, label := range labels {
			var gLP, gEnt float64
			if dLogProbs != nil {
				gLP = dLogProbs.At(k/r, k%r)
			}
			if dEntropy != nil {
				gEnt = dEntropy.At(k/r, k%r)
			}
			row := (k/r)*s + start + k%r
			backRow(dLogits.RawRowView(row), z.RawRowView(k), label, gLP, gEnt, temperature)
		}
		return out.Backward(ctx, dLogits)
	}
	return res, nil
}

// ============================================================================
// Softmax math
// ============================================================================

// scaleLogits returns logits / temperature as a new matrix
func scaleLogits(logits *mat.Dense, wantRows int, temperature float64) (*mat.Dense, error) {
	if logits == nil {
		return nil, errors.NewFromCodef(errors.ErrTrainShapeMismatch, "model returned no logits")
	}
	if rows, _ := logits.Dims(); rows != wantRows {
		return nil, errors.NewFromCodef(errors.ErrTrainShapeMismatch,
			fmt.Sprintf("model returned %d logit rows for %d labels", rows, wantRows))
	}
	z := mat.DenseCopyOf(logits)
	z.Scale(1/temperature, z)
	return z, nil
}

// scoreRow returns log softmax(z)[label] and the entropy of softmax(z).
// The entropy is computed as logsumexp(z) - sum(p*z), which stays finite for
// large logits.
func scoreRow(z []float64, label int) (float64, float64, error) {
	if label < 0 || label >= len(z) {
		return 0, 0, errors.NewFromCodef(errors.ErrTrainShapeMismatch,
			fmt.Sprintf("label %d outside vocabulary of %d", label, len(z)))
	}
	lse := floats.LogSumExp(z)
	expect := 0.0
	for _, v := range z {
		expect += math.Exp(v-lse) * v
	}
	return z[label] - lse, lse - expect, nil
}

// backRow writes dLoss/dLogits for one position:
// dz = gLP*(onehot - p) - gEnt*p*(log p + H), divided by the temperature
func backRow(dst, z []float64, label int, gLP, gEnt, temperature float64) {
	if gLP == 0 && gEnt == 0 {
		return
	}
	lse := floats.LogSumExp(z)
	ent := lse
	p := make([]float64, len(z))
	for j, v := range z {
		p[j] = math.Exp(v - lse)
		ent -= p[j] * v
	}
	for j := range dst {
		logP := z[j] - lse
		d := -gLP * p[j]
		if gEnt != 0 {
			d -= gEnt * p[j] * (logP + ent)
		}
		dst[j] = d / temperature
	}
	dst[label] += gLP / temperature
}

func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

func toInts(xs []float64) []int {
	out := make([]int, len(xs))
	for i, x := range xs {
		out[i] = int(x)
	}
	return out
}

//Personal.AI order the ending
