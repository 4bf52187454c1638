package training

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/internal/infrastructure/message"
	"github.com/openeeap/rlactor/internal/platform/training/actor"
	"github.com/openeeap/rlactor/internal/platform/training/batch"
	"github.com/openeeap/rlactor/internal/platform/training/collective"
	"github.com/openeeap/rlactor/internal/platform/training/rlhf"
	"github.com/openeeap/rlactor/pkg/config"
	"github.com/openeeap/rlactor/pkg/errors"
	"github.com/openeeap/rlactor/pkg/types"
)

func actorConfig(sp int) config.ActorConfig {
	return config.ActorConfig{
		UseRemovePadding:            true,
		UlyssesSequenceParallelSize: sp,
		PPOMiniBatchSize:            4,
		PPOMicroBatchSizePerGPU:     2,
		PPOMaxTokenLenPerGPU:        64,
		ClipRatio:                   0.2,
		EntropyCoeff:                0.01,
		UseKLLoss:                   true,
		KLLossType:                  "low_var_kl",
		KLLossCoef:                  0.05,
		LossAggMode:                 "token-mean",
		GradClip:                    1.0,
		Temperature:                 1.0,
	}
}

func runLocal(t *testing.T, cfg config.ActorConfig, world int, req RunRequest) *message.Tracker {
	t.Helper()
	topo, err := NewTopology(world, cfg.UlyssesSequenceParallelSize)
	require.NoError(t, err)

	tracker := message.NewTracker(nil)
	svc, err := NewTrainingService(cfg, NewLocalGroups(topo), WithPublisher(tracker))
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background(), req))
	assert.False(t, svc.Ready())
	return tracker
}

func assertSameMetrics(t *testing.T, want, got map[string][]float64) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for name, series := range want {
		assert.InDeltaSlice(t, series, got[name], 1e-9, name)
	}
}

func TestTopology(t *testing.T) {
	topo, err := NewTopology(6, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, topo.DP())

	replica, shard := topo.Coords(5)
	assert.Equal(t, 2, replica)
	assert.Equal(t, 1, shard)

	_, err = NewTopology(3, 2)
	assert.True(t, errors.Is(err, errors.ErrTrainInvalidConfig.Code))

	_, err = NewTopology(0, 1)
	assert.Error(t, err)
}

func TestLocalGroupsLayout(t *testing.T) {
	topo, err := NewTopology(4, 2)
	require.NoError(t, err)
	groups := NewLocalGroups(topo)
	assert.Equal(t, []int{0, 1, 2, 3}, groups.Ranks())

	sp, dp, err := groups.Groups(3)
	require.NoError(t, err)
	assert.Equal(t, 1, sp.Rank())
	assert.Equal(t, 2, sp.Size())
	assert.Equal(t, 1, dp.Rank())
	assert.Equal(t, 2, dp.Size())

	_, _, err = groups.Groups(4)
	assert.Error(t, err)
}

func TestRunSingleRank(t *testing.T) {
	req := DefaultRunRequest()
	req.RunID = "run-1"
	tracker := runLocal(t, actorConfig(1), 1, req)

	assert.Equal(t, req.Steps, tracker.Published())
	latest := tracker.Latest()
	require.Len(t, latest, 1)
	assert.Equal(t, "run-1", latest[0].RunID)
	assert.Equal(t, req.Steps-1, latest[0].Step)
	assert.Equal(t, "normal", latest[0].Mode)

	// 8 rows in mini-batches of 4
	for _, name := range []string{actor.MetricPGLoss, actor.MetricKLLoss, actor.MetricGradNorm} {
		assert.Len(t, latest[0].Metrics[name], 2, name)
	}
}

func TestRunSequenceParallelMatchesSingleRank(t *testing.T) {
	req := DefaultRunRequest()
	want := runLocal(t, actorConfig(1), 1, req).Latest()[0]

	tracker := runLocal(t, actorConfig(2), 2, req)
	assert.Equal(t, 2*req.Steps, tracker.Published())
	for _, got := range tracker.Latest() {
		assertSameMetrics(t, want.Metrics, got.Metrics)
	}
}

func TestRunWithGAEAdvantages(t *testing.T) {
	req := DefaultRunRequest()
	req.Steps = 1
	req.Advantage = rlhf.Config{Estimator: rlhf.EstimatorGAE, Gamma: 1, Lambda: 0.95}
	tracker := runLocal(t, actorConfig(1), 1, req)

	latest := tracker.Latest()
	require.Len(t, latest, 1)
	assert.Len(t, latest[0].Metrics[actor.MetricPGLoss], 2)
}

func TestRunDataParallelAveragesGradients(t *testing.T) {
	req := DefaultRunRequest()
	tracker := runLocal(t, actorConfig(1), 2, req)

	latest := tracker.Latest()
	require.Len(t, latest, 2)
	// replicas clip the same averaged gradient
	assert.InDeltaSlice(t, latest[0].Metrics[actor.MetricGradNorm], latest[1].Metrics[actor.MetricGradNorm], 1e-12)
	assert.NotEqual(t, latest[0].Metrics[actor.MetricPGLoss], latest[1].Metrics[actor.MetricPGLoss])
}

func TestRunAuxiliaryOnly(t *testing.T) {
	cfg := actorConfig(1)
	cfg.UseSFTLoss = true
	cfg.SFTType = "bilevel"
	cfg.SFTLossCoef = 1.0

	req := DefaultRunRequest()
	req.Mode = types.ObjectiveAuxiliaryOnly
	tracker := runLocal(t, cfg, 2, req)

	for _, r := range tracker.Latest() {
		assert.Equal(t, "sft_only", r.Mode)
		assert.Len(t, r.Metrics[actor.MetricSFTLoss], 2)
		assert.Len(t, r.Metrics[actor.MetricSFTGradNorm], 2)
		assert.NotContains(t, r.Metrics, actor.MetricPGLoss)
	}
}

func TestRunOverRendezvous(t *testing.T) {
	req := DefaultRunRequest()
	want := runLocal(t, actorConfig(2), 2, req).Latest()[0]

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	collective.Register(srv, collective.NewRendezvous())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := collective.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	topo, err := NewTopology(2, 2)
	require.NoError(t, err)
	tracker := message.NewTracker(nil)

	var services []*TrainingService
	for rank := 0; rank < 2; rank++ {
		groups, err := NewRemoteGroups(conn, "test", topo, rank)
		require.NoError(t, err)
		svc, err := NewTrainingService(actorConfig(2), groups, WithPublisher(tracker))
		require.NoError(t, err)
		services = append(services, svc)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, svc := range services {
		svc := svc
		g.Go(func() error { return svc.Run(ctx, req) })
	}
	require.NoError(t, g.Wait())

	latest := tracker.Latest()
	require.Len(t, latest, 2)
	for _, got := range latest {
		assertSameMetrics(t, want.Metrics, got.Metrics)
	}
}

func TestRunValidation(t *testing.T) {
	topo, err := NewTopology(2, 2)
	require.NoError(t, err)

	_, err = NewTrainingService(actorConfig(1), NewLocalGroups(topo))
	assert.True(t, errors.Is(err, errors.ErrTrainInvalidConfig.Code))

	_, err = NewTrainingService(actorConfig(1), nil)
	assert.Error(t, err)

	one, err := NewTopology(1, 1)
	require.NoError(t, err)
	svc, err := NewTrainingService(actorConfig(1), NewLocalGroups(one))
	require.NoError(t, err)

	req := DefaultRunRequest()
	req.Steps = 0
	assert.Error(t, svc.Run(context.Background(), req))

	req = DefaultRunRequest()
	req.Mode = types.ObjectiveMode(9)
	assert.True(t, errors.Is(svc.Run(context.Background(), req), errors.ErrTrainUnsupportedMode.Code))

	_, err = NewRemoteGroups(nil, "g", one, 0)
	assert.Error(t, err)
}

func TestGeneratorRollout(t *testing.T) {
	g := &generator{seed: 3, rows: 5, prompt: 4, response: 3, vocab: 7, parallel: true}
	a := g.inputs(1, 2)
	b := g.inputs(1, 2)
	assert.True(t, mat.Equal(a[batch.KeyInputIDs], b[batch.KeyInputIDs]))

	ids, mask, pos := a[batch.KeyInputIDs], a[batch.KeyAttentionMask], a[batch.KeyPositionIDs]
	for i := 0; i < g.rows; i++ {
		// the last prompt token and the first response token are always valid
		assert.Equal(t, 1.0, mask.At(i, g.prompt-1))
		assert.Equal(t, 1.0, mask.At(i, g.prompt))

		prev := -1.0
		for j := 0; j < g.prompt+g.response; j++ {
			if mask.At(i, j) == 1 {
				assert.Equal(t, prev+1, pos.At(i, j))
				prev = pos.At(i, j)
			}
		}
		for j := 0; j < g.response; j++ {
			assert.Equal(t, ids.At(i, g.prompt+j), a[batch.KeyResponses].At(i, j))
			assert.Equal(t, mask.At(i, g.prompt+j), a[batch.KeyGroundTruthMask+batch.ParallelSuffix].At(i, j))
		}
	}
	assert.True(t, mat.Equal(ids, a[batch.KeyInputIDs+batch.ParallelSuffix]))
}

//Personal.AI order the ending
