// internal/api/cli/cobra.go
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openeeap/rlactor/internal/api/cli/commands"
	"github.com/openeeap/rlactor/internal/observability/logging"
	"github.com/openeeap/rlactor/pkg/config"
)

// VersionInfo 版本信息
type VersionInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

// NewRootCmd 创建根命令
func NewRootCmd(info VersionInfo) *cobra.Command {
	var (
		// 全局配置文件路径
		cfgFile string
		// 详细模式
		verbose bool
	)
	env := &commands.Env{Version: info.Version}

	rootCmd := &cobra.Command{
		Use:   "rlactor",
		Short: "rlactor - data-parallel PPO policy actor",
		Long: `rlactor runs the policy-update step of PPO-style RL fine-tuning.

It provides:
 - Synthetic policy updates over local or remote ranks
 - A gRPC rendezvous for sequence- and data-parallel collectives
 - Inspection of the effective configuration`,
		Version:       info.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 初始化配置
			loader := config.NewLoader(config.LoaderOptions{ConfigFile: cfgFile})
			if verbose {
				loader.Set("observability.logging.level", "debug")
			}
			cfg, err := loader.Load()
			if err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}
			env.Config = cfg

			// 初始化日志
			logger, err := newLogger(cfg.Observability.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			loader.SetLogger(logger)
			env.Logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if env.Logger != nil {
				_ = env.Logger.Sync()
			}
		},
	}

	// 全局持久化标志
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./rlactor.yaml, ./config/rlactor.yaml, /etc/rlactor/rlactor.yaml)")
	rootCmd.PersistentFlags().StringVarP(&env.Output, "output", "o", "table", "output format (table|json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(commands.NewStepCmd(env))
	rootCmd.AddCommand(commands.NewRendezvousCmd(env))
	rootCmd.AddCommand(commands.NewConfigCmd(env))
	rootCmd.AddCommand(newVersionCmd(info))
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

// Execute 执行 CLI 命令
func Execute(ctx context.Context, info VersionInfo) error {
	return NewRootCmd(info).ExecuteContext(ctx)
}

func newLogger(cfg config.LoggingConfig) (logging.Logger, error) {
	return logging.NewZapLogger(logging.LogConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
}

// newVersionCmd 创建 version 命令
func newVersionCmd(info VersionInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rlactor version: %s\n", info.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build time: %s\n", info.BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "Git commit: %s\n", info.GitCommit)
		},
	}
}

// newCompletionCmd 创建 completion 命令
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `To load completions:

Bash:
 $ source <(rlactor completion bash)

Zsh:
 $ rlactor completion zsh > "${fpath[1]}/_rlactor"

Fish:
 $ rlactor completion fish | source

PowerShell:
 PS> rlactor completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			default:
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}

// Exit prints err and terminates with a non-zero status
func Exit(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

//Personal.AI order the ending
