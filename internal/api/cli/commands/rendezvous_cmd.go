// internal/api/cli/commands/rendezvous_cmd.go
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	grpcapi "github.com/openeeap/rlactor/internal/api/grpc"
	"github.com/openeeap/rlactor/internal/observability/logging"
)

// NewRendezvousCmd 创建 rendezvous 命令
func NewRendezvousCmd(env *Env) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "rendezvous",
		Short: "Serve the collective rendezvous for remote ranks",
		Long: `Serve the gRPC collective that ranks started with the grpc backend
meet on. Rounds are keyed by group and round number, so several runs can
share one server as long as they use different collective.group values.`,
		Example: `  rlactor rendezvous --address 0.0.0.0:9500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := env.Config.Collective
			if address != "" {
				cfg.Address = address
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server, err := grpcapi.NewServer(cfg, env.Logger, env.newCollector(true))
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Stop(stopCtx); err != nil {
				env.Logger.Warn("Rendezvous server did not drain", logging.Error(err))
			}
			return <-errCh
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Listen address (default: collective.address)")
	return cmd
}

//Personal.AI order the ending
