// internal/platform/training/actor/actor.go

// Package actor runs the policy update of one data-parallel worker. A batch
// is cut into mini-batches; within each mini-batch gradients of the
// composite objective are accumulated over micro-batches, and one guarded
// optimizer step is applied at the end.
package actor

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/internal/observability/logging"
	"github.com/openeeap/rlactor/internal/observability/trace"
	"github.com/openeeap/rlactor/internal/platform/training/batch"
	"github.com/openeeap/rlactor/internal/platform/training/coreloss"
	"github.com/openeeap/rlactor/internal/platform/training/logprob"
	"github.com/openeeap/rlactor/internal/platform/training/seqlen"
	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/config"
	"github.com/openeeap/rlactor/pkg/errors"
	"github.com/openeeap/rlactor/pkg/types"
	"github.com/openeeap/rlactor/pkg/validator"
)

// SkipReasonNonFinite labels updates dropped because of a non-finite norm
const SkipReasonNonFinite = "grad_norm_nonfinite"

var (
	inputKeys = []string{
		batch.KeyResponses, batch.KeyInputIDs, batch.KeyAttentionMask, batch.KeyPositionIDs,
	}
	parallelKeys = []string{
		batch.KeyInputIDs + batch.ParallelSuffix,
		batch.KeyAttentionMask + batch.ParallelSuffix,
		batch.KeyPositionIDs + batch.ParallelSuffix,
		batch.KeyResponses + batch.ParallelSuffix,
		batch.KeyOldLogProbs + batch.ParallelSuffix,
	}
)

// Actor owns the training step of one rank
type Actor struct {
	cfg config.ActorConfig

	model     Model
	optimizer Optimizer
	clipper   GradClipper
	syncer    GradSyncer

	spGroup ulysses.Group
	dpGroup ulysses.Group

	computer *logprob.Computer
	planner  *seqlen.Planner

	logger   logging.Logger
	tracer   trace.Tracer
	recorder Recorder
}

// Option configures an Actor
type Option func(*Actor)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(a *Actor) { a.logger = l }
}

// WithTracer sets the tracer
func WithTracer(t trace.Tracer) Option {
	return func(a *Actor) { a.tracer = t }
}

// WithRecorder sets the telemetry sink, e.g. a metrics.MetricsCollector
func WithRecorder(r Recorder) Option {
	return func(a *Actor) { a.recorder = r }
}

// WithSequenceParallelGroup sets the group the packed stream is sharded over
func WithSequenceParallelGroup(g ulysses.Group) Option {
	return func(a *Actor) { a.spGroup = g }
}

// WithDataParallelGroup sets the group that agrees on micro-batch counts
func WithDataParallelGroup(g ulysses.Group) Option {
	return func(a *Actor) { a.dpGroup = g }
}

// WithGradSyncer overrides the gradient reduction. By default the model is
// used when it implements GradSyncer.
func WithGradSyncer(s GradSyncer) Option {
	return func(a *Actor) { a.syncer = s }
}

// New creates an actor. The configuration is validated up front so that a
// bad mode fails here rather than inside the first update.
func New(cfg config.ActorConfig, model Model, optimizer Optimizer, clipper GradClipper, opts ...Option) (*Actor, error) {
	if model == nil || optimizer == nil || clipper == nil {
		return nil, errors.ValidationError("model, optimizer and gradient clipper are required")
	}
	if err := validator.ValidateStruct(&cfg); err != nil {
		return nil, errors.NewFromCodef(errors.ErrTrainInvalidConfig, err.Error()).WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewFromCodef(errors.ErrTrainInvalidConfig, err.Error()).WithCause(err)
	}

	a := &Actor{
		cfg:       cfg,
		model:     model,
		optimizer: optimizer,
		clipper:   clipper,
		spGroup:   ulysses.SingleGroup{},
		logger:    logging.NewNoopLogger(),
		tracer:    trace.NewNoopTracer(),
		recorder:  noopRecorder{},
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.spGroup.Size() != cfg.UlyssesSequenceParallelSize {
		return nil, errors.NewFromCodef(errors.ErrTrainInvalidConfig,
			"sequence-parallel group size does not match ulysses_sequence_parallel_size").
			WithDetails("group_size", a.spGroup.Size()).
			WithDetails("configured", cfg.UlyssesSequenceParallelSize)
	}
	if a.syncer == nil {
		if s, ok := model.(GradSyncer); ok {
			a.syncer = s
		}
	}

	a.computer = &logprob.Computer{Model: model, Group: a.spGroup, UsePacking: cfg.UseRemovePadding}
	a.planner = &seqlen.Planner{Group: a.dpGroup}
	return a, nil
}

// Config returns the actor configuration
func (a *Actor) Config() config.ActorConfig {
	return a.cfg
}

// ============================================================================
// Policy update
// ============================================================================

// UpdatePolicy trains on b and returns one value per mini-batch for every
// diagnostic. Errors are fatal for the call; a non-finite gradient norm is
// not an error and only skips that mini-batch's step.
func (a *Actor) UpdatePolicy(ctx context.Context, b *batch.Batch, mode types.ObjectiveMode) (*Metrics, error) {
	ctx, span := a.tracer.Start(ctx, "Actor.UpdatePolicy",
		oteltrace.WithAttributes(attribute.String("mode", mode.String()), attribute.Int("rows", b.Size())))
	defer span.End()

	if err := a.checkMode(mode); err != nil {
		trace.RecordSpanError(span, err)
		return nil, err
	}
	keys, err := a.selectKeys(b, mode)
	if err != nil {
		trace.RecordSpanError(span, err)
		return nil, err
	}

	start := time.Now()
	a.model.Train()

	minis, err := b.Select(keys...).Split(a.cfg.PPOMiniBatchSize)
	if err != nil {
		return nil, err
	}

	m := NewMetrics()
	for idx, mini := range minis {
		if err := a.updateMiniBatch(ctx, idx, mini, mode, m); err != nil {
			trace.RecordSpanError(span, err)
			a.logger.WithContext(ctx).Error("Policy update failed",
				logging.Int("mini_batch", idx), logging.Error(err))
			return nil, err
		}
	}
	a.optimizer.ZeroGrad()

	elapsed := time.Since(start)
	a.recorder.RecordStep(mode.String(), elapsed, m.Snapshot())
	a.logger.WithContext(ctx).Info("Policy update finished",
		logging.String("mode", mode.String()),
		logging.Int("mini_batches", len(minis)),
		logging.Duration("duration", elapsed))
	return m, nil
}

func (a *Actor) checkMode(mode types.ObjectiveMode) error {
	switch mode {
	case types.ObjectiveNormal:
		return nil
	case types.ObjectiveAuxiliaryOnly:
		if !a.cfg.UseSFTLoss || types.SFTType(a.cfg.SFTType) != types.SFTTypeBilevel {
			return errors.NewFromCodef(errors.ErrTrainInvalidConfig,
				"auxiliary-only updates require use_sft_loss with sft_type bilevel")
		}
		return nil
	default:
		return errors.NewFromCodef(errors.ErrTrainUnsupportedMode, "objective mode", mode.String())
	}
}

func (a *Actor) multiTask() bool {
	return a.cfg.UseSFTLoss && types.SFTType(a.cfg.SFTType) == types.SFTTypeMultiTask
}

// selectKeys validates the tensors the mode needs and lists the ones to keep
func (a *Actor) selectKeys(b *batch.Batch, mode types.ObjectiveMode) ([]string, error) {
	required := append([]string(nil), inputKeys...)
	var optional []string

	if mode == types.ObjectiveNormal {
		required = append(required, batch.KeyOldLogProbs, batch.KeyAdvantages)
		if a.cfg.UseKLLoss {
			required = append(required, batch.KeyRefLogProb)
		}
		optional = append(optional, batch.KeyResponseMask)
	}
	if mode == types.ObjectiveAuxiliaryOnly || a.multiTask() {
		required = append(required, batch.KeyGroundTruthMask+batch.ParallelSuffix)
		optional = append(optional, parallelKeys...)
	}

	if err := b.Validate(required...); err != nil {
		return nil, err
	}
	return append(required, optional...), nil
}

func (a *Actor) updateMiniBatch(ctx context.Context, idx int, mini *batch.Batch, mode types.ObjectiveMode, m *Metrics) error {
	ctx, span := a.tracer.Start(ctx, "Actor.MiniBatch",
		oteltrace.WithAttributes(attribute.Int("mini_batch", idx), attribute.Int("rows", mini.Size())))
	defer span.End()

	micros, scales, err := a.splitMicro(ctx, mini)
	if err != nil {
		return err
	}

	a.optimizer.ZeroGrad()
	acc := weighted{}
	for i, mb := range micros {
		if err := a.microStep(ctx, mb, mode, scales[i], acc); err != nil {
			return err
		}
	}

	if a.syncer != nil {
		if err := a.syncer.SyncGrads(ctx); err != nil {
			return errors.Wrap(err, errors.ErrTrainCollective.Code, "gradient synchronization failed")
		}
	}

	norm, err := a.clipper.ClipGradNorm(a.cfg.GradClip)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternalError, "gradient clipping failed")
	}
	nonFinite := math.IsNaN(norm) || math.IsInf(norm, 0)
	if nonFinite {
		a.logger.WithContext(ctx).Warn("Gradient norm is not finite, skipping update",
			logging.Int("mini_batch", idx), logging.Float64("grad_norm", norm))
		a.recorder.RecordSkippedStep(SkipReasonNonFinite)
		a.optimizer.ZeroGrad()
	} else {
		if err := a.optimizer.Step(ctx); err != nil {
			return errors.Wrap(err, errors.CodeInternalError, "optimizer step failed")
		}
		a.optimizer.ZeroGrad()
	}

	if mode == types.ObjectiveAuxiliaryOnly {
		acc.set(MetricSFTGradNorm, norm)
	} else {
		acc.set(MetricGradNorm, norm)
	}
	if nonFinite {
		acc.set(MetricGradNormNonFinite, 1)
	} else {
		acc.set(MetricGradNormNonFinite, 0)
	}
	acc.flush(m)

	tokens := 0
	if lens, err := mini.ValidLengths(); err == nil {
		for _, l := range lens {
			tokens += l
		}
	}
	a.recorder.RecordMiniBatch(mode.String(), len(micros), tokens)
	a.logger.WithContext(ctx).Debug("Mini-batch updated",
		logging.Int("mini_batch", idx),
		logging.Int("micro_batches", len(micros)),
		logging.Int("tokens", tokens),
		logging.Float64("grad_norm", norm))
	return nil
}

// splitMicro cuts a mini-batch and returns each micro-batch's loss scale.
// The scales sum to one.
func (a *Actor) splitMicro(ctx context.Context, mini *batch.Batch) ([]*batch.Batch, []float64, error) {
	if !a.cfg.UseDynamicBsz {
		micros, err := seqlen.FixedSplit(mini, a.cfg.PPOMicroBatchSizePerGPU)
		if err != nil {
			return nil, nil, err
		}
		scales := make([]float64, len(micros))
		for i := range scales {
			scales[i] = 1 / float64(len(micros))
		}
		return micros, scales, nil
	}

	lens, err := mini.ValidLengths()
	if err != nil {
		return nil, nil, err
	}
	groups, err := a.planner.Plan(ctx, lens, a.cfg.MaxTokenLen())
	if err != nil {
		return nil, nil, err
	}
	a.logger.WithContext(ctx).Debug("Planned micro-batches",
		logging.String("groups", seqlen.Describe(groups, lens)))

	micros := make([]*batch.Batch, len(groups))
	scales := make([]float64, len(groups))
	for i, g := range groups {
		if micros[i], err = mini.Rows(g); err != nil {
			return nil, nil, err
		}
		scales[i] = float64(len(g)) / float64(mini.Size())
	}
	return micros, scales, nil
}

func (a *Actor) microStep(ctx context.Context, mb *batch.Batch, mode types.ObjectiveMode, scale float64, acc weighted) error {
	if mode == types.ObjectiveAuxiliaryOnly {
		return a.auxiliaryStep(ctx, mb, scale, acc)
	}
	return a.policyStep(ctx, mb, scale, acc)
}

func (a *Actor) aggOptions() coreloss.AggOptions {
	return coreloss.AggOptions{Mode: a.cfg.AggMode(), MaxTokens: a.cfg.MaxTokens}
}

// policyStep accumulates the gradient of
// scale * (pg - entropy_coeff*entropy + kl_coef*kl + sft_coef*sft)
func (a *Actor) policyStep(ctx context.Context, mb *batch.Batch, scale float64, acc weighted) error {
	res, err := a.computer.Forward(ctx, mb, a.cfg.Temperature, logprob.Options{})
	if err != nil {
		return err
	}
	mask, err := mb.ResponseMask()
	if err != nil {
		return err
	}
	oldLogProb, err := mb.Require(batch.KeyOldLogProbs)
	if err != nil {
		return err
	}
	advantages, err := mb.Require(batch.KeyAdvantages)
	if err != nil {
		return err
	}

	agg := a.aggOptions()
	low, high := a.cfg.ClipBounds()
	pl, err := coreloss.PolicyLoss(oldLogProb, res.LogProbs, advantages, mask, coreloss.ClipRange{Low: low, High: high}, agg)
	if err != nil {
		return err
	}
	entropyLoss, dEntropy, err := coreloss.AggLoss(res.Entropy, mask, agg)
	if err != nil {
		return err
	}

	policyLoss := pl.Loss - a.cfg.EntropyCoeff*entropyLoss
	dLogProb := pl.DLogProb
	dEntropy.Scale(-a.cfg.EntropyCoeff, dEntropy)

	if a.cfg.UseKLLoss {
		ref, err := mb.Require(batch.KeyRefLogProb)
		if err != nil {
			return err
		}
		klLoss, dKL, err := coreloss.KLLoss(res.LogProbs, ref, mask, a.cfg.KLType(), agg)
		if err != nil {
			return err
		}
		policyLoss += a.cfg.KLLossCoef * klLoss
		dKL.Scale(a.cfg.KLLossCoef, dKL)
		dLogProb.Add(dLogProb, dKL)
		acc.add(MetricKLLoss, scale, klLoss)
		acc.set(MetricKLCoef, a.cfg.KLLossCoef)
	}

	var aux *auxTerm
	if a.multiTask() {
		if aux, err = a.auxiliary(ctx, mb); err != nil {
			return err
		}
		policyLoss += a.cfg.SFTLossCoef * aux.loss
		acc.add(MetricSFTLoss, scale, aux.loss)
		acc.set(MetricSFTCoef, a.cfg.SFTLossCoef)
	}

	dLogProb.Scale(scale, dLogProb)
	dEntropy.Scale(scale, dEntropy)
	if err := res.Backward(ctx, dLogProb, dEntropy); err != nil {
		return err
	}
	if aux != nil {
		if err := aux.backward(ctx, scale*a.cfg.SFTLossCoef); err != nil {
			return err
		}
	}

	acc.add(MetricPGLoss, scale, pl.Loss)
	acc.add(MetricPGClipFrac, scale, pl.ClipFrac)
	acc.add(MetricPPOKL, scale, pl.ApproxKL)
	acc.add(MetricEntropyLoss, scale, entropyLoss)
	acc.add(MetricPolicyLoss, scale, policyLoss)
	return nil
}

func (a *Actor) auxiliaryStep(ctx context.Context, mb *batch.Batch, scale float64, acc weighted) error {
	aux, err := a.auxiliary(ctx, mb)
	if err != nil {
		return err
	}
	if err := aux.backward(ctx, scale*a.cfg.SFTLossCoef); err != nil {
		return err
	}
	acc.add(MetricSFTLoss, scale, aux.loss)
	acc.set(MetricSFTCoef, a.cfg.SFTLossCoef)
	return nil
}

// auxTerm is the auxiliary loss of one micro-batch; backward accumulates
// weight * dLoss
type auxTerm struct {
	loss     float64
	backward func(ctx context.Context, weight float64) error
}

// auxiliary scores the ground-truth continuation of the parallel view. When
// the view carries its own inputs the current policy is evaluated;
// otherwise the precomputed old_log_probs_pr are used and the term is a
// constant.
func (a *Actor) auxiliary(ctx context.Context, mb *batch.Batch) (*auxTerm, error) {
	view, err := mb.View(batch.ParallelSuffix)
	if err != nil {
		return nil, err
	}
	gtMask, err := view.Require(batch.KeyGroundTruthMask)
	if err != nil {
		return nil, err
	}

	if hasAll(view, inputKeys...) {
		res, err := a.computer.Forward(ctx, view.Select(inputKeys...), a.cfg.Temperature, logprob.Options{})
		if err != nil {
			return nil, err
		}
		loss, dLogProb, err := coreloss.AuxiliaryLoss(res.LogProbs, gtMask)
		if err != nil {
			return nil, err
		}
		return &auxTerm{
			loss: loss,
			backward: func(ctx context.Context, weight float64) error {
				scaled := mat.DenseCopyOf(dLogProb)
				scaled.Scale(weight, scaled)
				return res.Backward(ctx, scaled, nil)
			},
		}, nil
	}

	old, err := view.Require(batch.KeyOldLogProbs)
	if err != nil {
		return nil, err
	}
	loss, _, err := coreloss.AuxiliaryLoss(old, gtMask)
	if err != nil {
		return nil, err
	}
	return &auxTerm{
		loss:     loss,
		backward: func(context.Context, float64) error { return nil },
	}, nil
}

func hasAll(b *batch.Batch, keys ...string) bool {
	for _, k := range keys {
		if !b.Has(k) {
			return false
		}
	}
	return true
}

//Personal.AI order the ending
