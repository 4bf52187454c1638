// internal/platform/training/actor/compute.go
package actor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/internal/observability/trace"
	"github.com/openeeap/rlactor/internal/platform/training/batch"
	"github.com/openeeap/rlactor/internal/platform/training/logprob"
	"github.com/openeeap/rlactor/internal/platform/training/seqlen"
	"github.com/openeeap/rlactor/pkg/errors"
)

// ComputeOptions tunes inference micro-batching
type ComputeOptions struct {
	Temperature    float64
	MicroBatchSize int
	UseDynamicBsz  bool

	// MaxTokenLen is the token budget of a dynamic micro-batch, already
	// scaled by the sequence-parallel width
	MaxTokenLen int
}

// ComputeOptions returns inference options derived from the configuration
func (a *Actor) ComputeOptions() ComputeOptions {
	return ComputeOptions{
		Temperature:    a.cfg.Temperature,
		MicroBatchSize: a.cfg.PPOMicroBatchSizePerGPU,
		UseDynamicBsz:  a.cfg.UseDynamicBsz,
		MaxTokenLen:    a.cfg.MaxTokenLen(),
	}
}

// LogProbResult holds [N, R] response log-probabilities and entropies in
// the order of the input batch
type LogProbResult struct {
	LogProbs *mat.Dense
	Entropy  *mat.Dense
}

// ComputeLogProb evaluates the current policy on b without touching
// gradients
func (a *Actor) ComputeLogProb(ctx context.Context, b *batch.Batch, opts ComputeOptions) (*LogProbResult, error) {
	ctx, span := a.tracer.Start(ctx, "Actor.ComputeLogProb", oteltrace.WithAttributes(attribute.Int("rows", b.Size())))
	defer span.End()

	results, indices, err := a.infer(ctx, b, opts, logprob.Options{})
	if err != nil {
		trace.RecordSpanError(span, err)
		return nil, err
	}

	lps := make([]*mat.Dense, len(results))
	ents := make([]*mat.Dense, len(results))
	for i, r := range results {
		lps[i], ents[i] = r.LogProbs, r.Entropy
	}
	out := &LogProbResult{LogProbs: vstack(lps), Entropy: vstack(ents)}
	if indices == nil {
		return out, nil
	}

	if out.LogProbs, err = seqlen.Restore(out.LogProbs, indices); err != nil {
		return nil, err
	}
	if out.Entropy, err = seqlen.Restore(out.Entropy, indices); err != nil {
		return nil, err
	}
	return out, nil
}

// ComputeAuxLogProb evaluates the policy on the parallel (_pr) view of b
func (a *Actor) ComputeAuxLogProb(ctx context.Context, b *batch.Batch, opts ComputeOptions) (*LogProbResult, error) {
	view, err := b.View(batch.ParallelSuffix)
	if err != nil {
		return nil, err
	}
	return a.ComputeLogProb(ctx, view, opts)
}

// ComputeAllLogits returns the temperature-scaled [R, V] response logits of
// every example, in the order of the input batch
func (a *Actor) ComputeAllLogits(ctx context.Context, b *batch.Batch, opts ComputeOptions) ([]*mat.Dense, error) {
	ctx, span := a.tracer.Start(ctx, "Actor.ComputeAllLogits", oteltrace.WithAttributes(attribute.Int("rows", b.Size())))
	defer span.End()

	results, indices, err := a.infer(ctx, b, opts, logprob.Options{ReturnLogits: true})
	if err != nil {
		trace.RecordSpanError(span, err)
		return nil, err
	}

	var logits []*mat.Dense
	for _, r := range results {
		logits = append(logits, r.Logits...)
	}
	if indices == nil {
		return logits, nil
	}
	return seqlen.Permute(logits, indices)
}

// infer runs the forward over micro-batches in eval mode. indices is the
// planner's flattened order, nil when micro-batches are contiguous.
func (a *Actor) infer(ctx context.Context, b *batch.Batch, opts ComputeOptions, fwd logprob.Options) ([]*logprob.Result, []int, error) {
	if err := b.Validate(inputKeys...); err != nil {
		return nil, nil, err
	}
	data := b.Select(inputKeys...)
	a.model.Eval()

	var (
		micros  []*batch.Batch
		indices []int
		err     error
	)
	if opts.UseDynamicBsz {
		lens, err := data.ValidLengths()
		if err != nil {
			return nil, nil, err
		}
		groups, err := a.planner.Plan(ctx, lens, opts.MaxTokenLen)
		if err != nil {
			return nil, nil, err
		}
		for _, g := range groups {
			mb, err := data.Rows(g)
			if err != nil {
				return nil, nil, err
			}
			micros = append(micros, mb)
		}
		indices = seqlen.Flatten(groups)
	} else {
		if opts.MicroBatchSize <= 0 {
			return nil, nil, errors.ValidationErrorf("micro-batch size must be positive, got %d", opts.MicroBatchSize)
		}
		if micros, err = data.Split(opts.MicroBatchSize); err != nil {
			return nil, nil, err
		}
	}

	results := make([]*logprob.Result, 0, len(micros))
	for _, mb := range micros {
		res, err := a.computer.Forward(ctx, mb, opts.Temperature, fwd)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, res)
	}
	return results, indices, nil
}

// vstack concatenates matrices with equal column counts by rows
func vstack(ms []*mat.Dense) *mat.Dense {
	rows, cols := 0, 0
	for _, m := range ms {
		r, c := m.Dims()
		rows += r
		cols = c
	}
	out := mat.NewDense(rows, cols, nil)
	at := 0
	for _, m := range ms {
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			out.SetRow(at, m.RawRowView(i))
			at++
		}
	}
	return out
}

//Personal.AI order the ending
