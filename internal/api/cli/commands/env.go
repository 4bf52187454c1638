// internal/api/cli/commands/env.go
package commands

import (
	"github.com/openeeap/rlactor/internal/observability/logging"
	"github.com/openeeap/rlactor/internal/observability/metrics"
	"github.com/openeeap/rlactor/pkg/config"
)

// Env 命令运行环境. The root command fills it in before any subcommand runs.
type Env struct {
	Config  *config.Config
	Logger  logging.Logger
	Output  string
	Version string
}

// newCollector builds the Prometheus collector of one command invocation
func (e *Env) newCollector(processMetrics bool) *metrics.MetricsCollector {
	return metrics.NewMetricsCollector(metrics.CollectorConfig{
		Namespace:            e.Config.Observability.Metrics.Namespace,
		Subsystem:            e.Config.Observability.Metrics.Subsystem,
		EnableGoMetrics:      processMetrics,
		EnableProcessMetrics: processMetrics,
	})
}

//Personal.AI order the ending
