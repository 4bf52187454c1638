// internal/api/cli/commands/step_cmd.go
package commands

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/openeeap/rlactor/internal/api/http"
	"github.com/openeeap/rlactor/internal/infrastructure/message"
	"github.com/openeeap/rlactor/internal/infrastructure/message/kafka"
	"github.com/openeeap/rlactor/internal/observability/logging"
	"github.com/openeeap/rlactor/internal/observability/trace"
	"github.com/openeeap/rlactor/internal/platform/training"
	"github.com/openeeap/rlactor/internal/platform/training/actor"
	"github.com/openeeap/rlactor/internal/platform/training/collective"
	"github.com/openeeap/rlactor/internal/platform/training/rlhf"
	"github.com/openeeap/rlactor/pkg/errors"
	"github.com/openeeap/rlactor/pkg/types"
)

// NewStepCmd 创建 step 命令
func NewStepCmd(env *Env) *cobra.Command {
	var (
		ranks     int
		mode      string
		advantage string
		req       = training.DefaultRunRequest()
	)

	cmd := &cobra.Command{
		Use:   "step",
		Short: "Run synthetic PPO policy updates",
		Long: `Run policy updates of a small bigram policy on generated rollouts.

With the local collective backend every rank of the world runs in this
process. With the grpc backend this process runs collective.rank only and
meets its peers on the rendezvous server at collective.address.`,
		Example: `  # Two sequence-parallel shards of one replica
  RLACTOR_ACTOR_ULYSSES_SEQUENCE_PARALLEL_SIZE=2 rlactor step --ranks 2

  # Auxiliary-only updates, reported as JSON lines
  rlactor step --mode sft_only -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := types.FromStringObjectiveMode(mode)
			if err != nil {
				return errors.NewFromCodef(errors.ErrTrainUnsupportedMode, "objective mode", mode)
			}
			req.Mode = m
			if req.Advantage.Estimator, err = rlhf.FromStringEstimator(advantage); err != nil {
				return errors.ValidationError(err.Error())
			}
			if ranks <= 0 {
				ranks = env.Config.Actor.UlyssesSequenceParallelSize
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSteps(ctx, env, cmd.OutOrStdout(), ranks, req)
		},
	}

	cmd.Flags().IntVar(&ranks, "ranks", 0, "World size (default: ulysses_sequence_parallel_size)")
	cmd.Flags().StringVar(&mode, "mode", "normal", "Objective mode (normal, sft_only)")
	cmd.Flags().StringVar(&advantage, "advantage", string(req.Advantage.Estimator), "Advantage estimator (outcome, gae)")
	cmd.Flags().Float64Var(&req.Advantage.Gamma, "gamma", req.Advantage.Gamma, "GAE discount")
	cmd.Flags().Float64Var(&req.Advantage.Lambda, "lambda", req.Advantage.Lambda, "GAE lambda")
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "Run identifier (default: random UUID)")
	cmd.Flags().IntVar(&req.Steps, "steps", req.Steps, "Number of policy updates")
	cmd.Flags().IntVar(&req.Rows, "rows", req.Rows, "Rollouts per replica and step")
	cmd.Flags().IntVar(&req.PromptLen, "prompt-len", req.PromptLen, "Maximum prompt length")
	cmd.Flags().IntVar(&req.ResponseLen, "response-len", req.ResponseLen, "Maximum response length")
	cmd.Flags().IntVar(&req.Vocab, "vocab", req.Vocab, "Vocabulary size")
	cmd.Flags().Int64Var(&req.Seed, "seed", req.Seed, "Seed of the model and the rollouts")
	cmd.Flags().Float64Var(&req.LearningRate, "lr", req.LearningRate, "SGD learning rate")

	return cmd
}

func runSteps(ctx context.Context, env *Env, out io.Writer, ranks int, req training.RunRequest) error {
	cfg := env.Config
	logger := env.Logger

	topo, err := training.NewTopology(ranks, cfg.Actor.UlyssesSequenceParallelSize)
	if err != nil {
		return err
	}
	collector := env.newCollector(cfg.Server.Enabled)

	tracer, err := trace.NewTracer(ctx, trace.TracerConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: env.Version,
		Provider:       tracingProvider(cfg.Observability.Tracing.Enabled, cfg.Observability.Tracing.Provider),
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		Insecure:       cfg.Observability.Tracing.Insecure,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
	})
	if err != nil {
		return errors.NewFromCode(errors.ErrSysConfigurationError).WithCause(err)
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to flush traces", logging.Error(err))
		}
	}()

	var next message.Publisher
	if cfg.Publisher.Kafka.Enabled {
		pub, err := kafka.NewPublisher(cfg.Publisher.Kafka, kafka.WithLogger(logger), kafka.WithRecorder(collector))
		if err != nil {
			return err
		}
		next = pub
	}
	tracker := message.NewTracker(next)
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("Failed to close publisher", logging.Error(err))
		}
	}()

	var groups training.GroupProvider
	switch cfg.Collective.Backend {
	case "grpc":
		conn, err := collective.Dial(cfg.Collective.Address)
		if err != nil {
			return err
		}
		defer conn.Close()
		groups, err = training.NewRemoteGroups(conn, cfg.Collective.Group, topo, cfg.Collective.Rank,
			collective.WithClientRecorder(collector))
		if err != nil {
			return err
		}
	default:
		groups = training.NewLocalGroups(topo)
	}

	svc, err := training.NewTrainingService(cfg.Actor, groups,
		training.WithLogger(logger),
		training.WithTracer(tracer),
		training.WithRecorder(collector),
		training.WithPublisher(newReportPrinter(out, env.Output, tracker)),
	)
	if err != nil {
		return err
	}

	if cfg.Server.Enabled {
		router := httpapi.NewRouter(cfg.Server, cfg.Observability.Metrics, logger, collector, tracker, svc.Ready)
		server := httpapi.NewServer(cfg.Server, router, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("Diagnostics server failed", logging.Error(err))
			}
		}()
		defer func() {
			if err := server.Shutdown(context.Background()); err != nil {
				logger.Warn("Failed to stop diagnostics server", logging.Error(err))
			}
		}()
	}

	return svc.Run(ctx, req)
}

func tracingProvider(enabled bool, provider string) types.TracingProvider {
	if !enabled {
		return types.TracingProviderNone
	}
	return types.TracingProvider(provider)
}

// ============================================================================
// Report output
// ============================================================================

var reportColumns = []string{actor.MetricPolicyLoss, actor.MetricPGClipFrac, actor.MetricKLLoss, actor.MetricSFTLoss, actor.MetricGradNorm}

// reportPrinter writes every report to out before passing it on
type reportPrinter struct {
	out    io.Writer
	format string
	next   message.Publisher

	mu     sync.Mutex
	header bool
}

func newReportPrinter(out io.Writer, format string, next message.Publisher) *reportPrinter {
	return &reportPrinter{out: out, format: format, next: next}
}

func (p *reportPrinter) Publish(ctx context.Context, report *message.StepReport) error {
	if err := p.print(report); err != nil {
		return err
	}
	return p.next.Publish(ctx, report)
}

func (p *reportPrinter) Close() error {
	return p.next.Close()
}

func (p *reportPrinter) print(report *message.StepReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == "json" {
		line, err := kafka.Encode(report)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.out, "%s\n", line)
		return err
	}

	if !p.header {
		fmt.Fprintf(p.out, "%-6s %-5s %-10s %-12s", "STEP", "RANK", "MODE", "DURATION")
		for _, name := range reportColumns {
			fmt.Fprintf(p.out, " %-14s", shortName(name))
		}
		fmt.Fprintln(p.out)
		p.header = true
	}
	fmt.Fprintf(p.out, "%-6d %-5d %-10s %-12s", report.Step, report.Rank, report.Mode,
		report.Duration.Round(time.Microsecond))
	for _, name := range reportColumns {
		fmt.Fprintf(p.out, " %-14s", formatLast(report.Metrics[name]))
	}
	_, err := fmt.Fprintln(p.out)
	return err
}

// formatLast renders the value of the last mini-batch
func formatLast(series []float64) string {
	if len(series) == 0 {
		return "-"
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%.6f", v)
}

func shortName(name string) string {
	return name[strings.LastIndexByte(name, '/')+1:]
}

//Personal.AI order the ending
