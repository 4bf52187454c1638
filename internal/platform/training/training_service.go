// internal/platform/training/training_service.go

// Package training drives synthetic PPO steps over a set of ranks. Every
// rank owns a bigram policy, a frozen reference copy and an actor; ranks of
// one sequence-parallel group share their data while data-parallel replicas
// see different rollouts and average their gradients.
package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/internal/infrastructure/message"
	"github.com/openeeap/rlactor/internal/observability/logging"
	"github.com/openeeap/rlactor/internal/observability/trace"
	"github.com/openeeap/rlactor/internal/platform/training/actor"
	"github.com/openeeap/rlactor/internal/platform/training/batch"
	"github.com/openeeap/rlactor/internal/platform/training/nn"
	"github.com/openeeap/rlactor/internal/platform/training/rlhf"
	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/config"
	"github.com/openeeap/rlactor/pkg/errors"
	"github.com/openeeap/rlactor/pkg/types"
	"github.com/openeeap/rlactor/pkg/validator"
)

// RunRequest 训练请求
type RunRequest struct {
	RunID        string
	Mode         types.ObjectiveMode
	Steps        int     `validate:"gte=1"`
	Rows         int     `validate:"gte=1"`
	PromptLen    int     `validate:"gte=1"`
	ResponseLen  int     `validate:"gte=1"`
	Vocab        int     `validate:"gte=2"`
	Seed         int64
	LearningRate float64 `validate:"gt=0"`

	// Advantage selects how rollout scores become token advantages
	Advantage rlhf.Config
}

// DefaultRunRequest returns a small workload that finishes in milliseconds
func DefaultRunRequest() RunRequest {
	return RunRequest{
		Mode:         types.ObjectiveNormal,
		Steps:        3,
		Rows:         8,
		PromptLen:    6,
		ResponseLen:  4,
		Vocab:        16,
		Seed:         1,
		LearningRate: 0.1,
		Advantage:    rlhf.DefaultConfig(),
	}
}

// TrainingService 训练服务
type TrainingService struct {
	cfg       config.ActorConfig
	groups    GroupProvider
	publisher message.Publisher

	logger   logging.Logger
	tracer   trace.Tracer
	recorder actor.Recorder

	ready atomic.Bool
}

// ServiceOption configures a TrainingService
type ServiceOption func(*TrainingService)

// WithLogger sets the logger
func WithLogger(l logging.Logger) ServiceOption {
	return func(s *TrainingService) { s.logger = l }
}

// WithTracer sets the tracer handed to every actor
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *TrainingService) { s.tracer = t }
}

// WithRecorder sets the telemetry sink handed to every actor
func WithRecorder(r actor.Recorder) ServiceOption {
	return func(s *TrainingService) { s.recorder = r }
}

// WithPublisher sets where step reports go
func WithPublisher(p message.Publisher) ServiceOption {
	return func(s *TrainingService) { s.publisher = p }
}

// NewTrainingService 创建训练服务
func NewTrainingService(cfg config.ActorConfig, groups GroupProvider, opts ...ServiceOption) (*TrainingService, error) {
	if groups == nil {
		return nil, errors.ValidationError("group provider is required")
	}
	if sp := groups.Topology().SP; sp != cfg.UlyssesSequenceParallelSize {
		return nil, errors.NewFromCodef(errors.ErrTrainInvalidConfig,
			"topology sequence-parallel width does not match ulysses_sequence_parallel_size").
			WithDetails("topology", sp).
			WithDetails("configured", cfg.UlyssesSequenceParallelSize)
	}

	s := &TrainingService{
		cfg:       cfg,
		groups:    groups,
		publisher: message.NoopPublisher{},
		logger:    logging.NewNoopLogger(),
		tracer:    trace.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ready reports whether every local rank has built its actor
func (s *TrainingService) Ready() bool {
	return s.ready.Load()
}

// Run trains every rank hosted by this process for req.Steps updates. The
// first failing rank cancels the others.
func (s *TrainingService) Run(ctx context.Context, req RunRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, req.RunID)

	ranks := s.groups.Ranks()
	workers := make([]*rankWorker, len(ranks))
	for i, rank := range ranks {
		w, err := s.newWorker(rank, req)
		if err != nil {
			return err
		}
		workers[i] = w
	}
	s.ready.Store(true)
	defer s.ready.Store(false)

	s.logger.WithContext(ctx).Info("Training run started",
		logging.Int("ranks", len(ranks)),
		logging.Int("world_size", s.groups.Topology().World),
		logging.Int("steps", req.Steps),
		logging.String("mode", req.Mode.String()))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			return s.runWorker(logging.WithRank(gctx, w.rank), w, req)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.WithContext(ctx).Info("Training run finished")
	return nil
}

func validateRequest(req RunRequest) error {
	if err := validator.ValidateStruct(&req); err != nil {
		return errors.ValidationError(err.Error()).WithCause(err)
	}
	if !req.Mode.Valid() {
		return errors.NewFromCodef(errors.ErrTrainUnsupportedMode, "objective mode", req.Mode.String())
	}
	return nil
}

// ============================================================================
// Rank workers
// ============================================================================

type rankWorker struct {
	rank    int
	replica int

	policy    *actor.Actor
	reference *actor.Actor
	gen       *generator
	reward    rlhf.RewardModel
	advantage rlhf.Config
}

func (s *TrainingService) newWorker(rank int, req RunRequest) (*rankWorker, error) {
	sp, dp, err := s.groups.Groups(rank)
	if err != nil {
		return nil, err
	}
	replica, _ := s.groups.Topology().Coords(rank)
	maxPos := req.PromptLen + req.ResponseLen
	logger := s.logger.With(logging.Int("rank", rank))

	model := nn.NewBigram(req.Vocab, maxPos, req.Seed, sp)
	opt := nn.NewSGD(model.Parameters(), req.LearningRate)
	opts := []actor.Option{
		actor.WithSequenceParallelGroup(sp),
		actor.WithDataParallelGroup(dp),
		actor.WithLogger(logger),
		actor.WithTracer(s.tracer),
	}
	policyOpts := append([]actor.Option{actor.WithGradSyncer(&replicaSyncer{model: model, group: dp})}, opts...)
	if s.recorder != nil {
		policyOpts = append(policyOpts, actor.WithRecorder(s.recorder))
	}
	policy, err := actor.New(s.cfg, model, opt, opt, policyOpts...)
	if err != nil {
		return nil, err
	}

	w := &rankWorker{
		rank:      rank,
		replica:   replica,
		policy:    policy,
		reward:    rlhf.CountingReward{Vocab: req.Vocab},
		advantage: req.Advantage,
		gen: &generator{
			seed: req.Seed, rows: req.Rows, prompt: req.PromptLen, response: req.ResponseLen, vocab: req.Vocab,
			parallel: s.cfg.UseSFTLoss,
		},
	}
	if s.cfg.UseKLLoss {
		ref := nn.NewBigram(req.Vocab, maxPos, req.Seed, sp)
		frozen := nn.NewSGD(ref.Parameters(), req.LearningRate)
		if w.reference, err = actor.New(s.cfg, ref, frozen, frozen, opts...); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (s *TrainingService) runWorker(ctx context.Context, w *rankWorker, req RunRequest) error {
	for step := 0; step < req.Steps; step++ {
		if err := s.runStep(ctx, w, req, step); err != nil {
			s.logger.WithContext(ctx).Error("Training step failed", logging.Int("step", step), logging.Error(err))
			return err
		}
	}
	return nil
}

func (s *TrainingService) runStep(ctx context.Context, w *rankWorker, req RunRequest, step int) error {
	ctx, span := s.tracer.Start(ctx, "TrainingService.Step",
		oteltrace.WithAttributes(attribute.Int("rank", w.rank), attribute.Int("step", step)))
	defer span.End()

	b, err := s.rollout(ctx, w, step)
	if err != nil {
		trace.RecordSpanError(span, err)
		return err
	}

	start := time.Now()
	m, err := w.policy.UpdatePolicy(ctx, b, req.Mode)
	if err != nil {
		trace.RecordSpanError(span, err)
		return err
	}

	report := &message.StepReport{
		RunID:     req.RunID,
		Rank:      w.rank,
		Step:      step,
		Mode:      req.Mode.String(),
		Timestamp: time.Now().UTC(),
		Duration:  time.Since(start),
		Metrics:   m.Snapshot(),
	}
	if err := s.publisher.Publish(ctx, report); err != nil {
		// a lost report does not invalidate the update
		s.logger.WithContext(ctx).Warn("Failed to publish step report", logging.Error(err))
	}
	return nil
}

// rollout builds the training batch of one step: prompts and responses from
// the generator, log-probabilities from the current and reference policies
func (s *TrainingService) rollout(ctx context.Context, w *rankWorker, step int) (*batch.Batch, error) {
	tensors := w.gen.inputs(w.replica, step)
	inputs, err := batch.New(tensors)
	if err != nil {
		return nil, err
	}
	opts := w.policy.ComputeOptions()

	old, err := w.policy.ComputeLogProb(ctx, inputs, opts)
	if err != nil {
		return nil, err
	}
	tensors[batch.KeyOldLogProbs] = old.LogProbs
	mask, err := inputs.ResponseMask()
	if err != nil {
		return nil, err
	}
	scores, err := w.reward.Score(tensors[batch.KeyResponses], mask)
	if err != nil {
		return nil, err
	}
	if tensors[batch.KeyAdvantages], err = rlhf.Advantages(w.advantage, scores, mask); err != nil {
		return nil, err
	}

	if w.reference != nil {
		ref, err := w.reference.ComputeLogProb(ctx, inputs, opts)
		if err != nil {
			return nil, err
		}
		tensors[batch.KeyRefLogProb] = ref.LogProbs
	}

	if w.gen.parallel {
		aux, err := w.policy.ComputeAuxLogProb(ctx, inputs, opts)
		if err != nil {
			return nil, err
		}
		tensors[batch.KeyOldLogProbs+batch.ParallelSuffix] = aux.LogProbs
	}
	return batch.New(tensors)
}

// ============================================================================
// Gradient reduction
// ============================================================================

// replicaSyncer sums gradients over the sequence-parallel shards, then
// averages them over data-parallel replicas so that replicas stay identical
type replicaSyncer struct {
	model *nn.Bigram
	group ulysses.Group
}

func (r *replicaSyncer) SyncGrads(ctx context.Context) error {
	if err := r.model.SyncGrads(ctx); err != nil {
		return err
	}
	if r.group == nil || r.group.Size() == 1 {
		return nil
	}

	params := r.model.Parameters()
	var flat []float64
	for _, p := range params {
		flat = append(flat, p.Grad.RawMatrix().Data...)
	}
	sum, err := ulysses.AllReduceSum(ctx, r.group, flat)
	if err != nil {
		return errors.Wrap(err, errors.ErrTrainCollective.Code, "data-parallel gradient all-reduce failed")
	}

	scale := 1 / float64(r.group.Size())
	at := 0
	for _, p := range params {
		data := p.Grad.RawMatrix().Data
		for i := range data {
			data[i] = sum[at+i] * scale
		}
		at += len(data)
	}
	return nil
}

// ============================================================================
// Topology
// ============================================================================

// Topology lays World ranks out as World/SP replicas of SP shards. Rank r is
// shard r%SP of replica r/SP.
type Topology struct {
	World int
	SP    int
}

// NewTopology validates the layout
func NewTopology(world, sp int) (Topology, error) {
	if world < 1 || sp < 1 {
		return Topology{}, errors.ValidationErrorf("world size and sequence-parallel width must be positive")
	}
	if world%sp != 0 {
		return Topology{}, errors.NewFromCodef(errors.ErrTrainInvalidConfig,
			fmt.Sprintf("world size %d is not a multiple of sequence-parallel width %d", world, sp))
	}
	return Topology{World: world, SP: sp}, nil
}

// DP returns the number of data-parallel replicas
func (t Topology) DP() int {
	return t.World / t.SP
}

// Coords returns the replica and shard index of rank
func (t Topology) Coords(rank int) (replica, shard int) {
	return rank / t.SP, rank % t.SP
}

// ============================================================================
// Synthetic rollouts
// ============================================================================

// generator produces left-padded prompts followed by right-padded responses.
// The same (replica, step) always yields the same rollout.
type generator struct {
	seed     int64
	rows     int
	prompt   int
	response int
	vocab    int
	parallel bool
}

func (g *generator) inputs(replica, step int) map[string]*mat.Dense {
	rng := rand.New(rand.NewSource(g.seed + int64(step)*1_000_003 + int64(replica)*7_919))
	seqLen := g.prompt + g.response

	ids := mat.NewDense(g.rows, seqLen, nil)
	mask := mat.NewDense(g.rows, seqLen, nil)
	pos := mat.NewDense(g.rows, seqLen, nil)
	for i := 0; i < g.rows; i++ {
		promptLen := 1 + rng.Intn(g.prompt)
		responseLen := 1 + rng.Intn(g.response)
		first := g.prompt - promptLen
		last := g.prompt + responseLen

		p := 0
		for j := 0; j < seqLen; j++ {
			if j >= first && j < last {
				ids.Set(i, j, float64(rng.Intn(g.vocab)))
				mask.Set(i, j, 1)
				pos.Set(i, j, float64(p))
				p++
				continue
			}
			// trailing padding repeats the last position
			if j >= last {
				pos.Set(i, j, float64(p-1))
			}
		}
	}

	tensors := map[string]*mat.Dense{
		batch.KeyInputIDs:      ids,
		batch.KeyAttentionMask: mask,
		batch.KeyPositionIDs:   pos,
		batch.KeyResponses:     mat.DenseCopyOf(ids.Slice(0, g.rows, g.prompt, seqLen)),
	}
	if g.parallel {
		for _, key := range []string{batch.KeyInputIDs, batch.KeyAttentionMask, batch.KeyPositionIDs, batch.KeyResponses} {
			tensors[key+batch.ParallelSuffix] = mat.DenseCopyOf(tensors[key])
		}
		tensors[batch.KeyGroundTruthMask+batch.ParallelSuffix] = mat.DenseCopyOf(mask.Slice(0, g.rows, g.prompt, seqLen))
	}
	return tensors
}

//Personal.AI order the ending
