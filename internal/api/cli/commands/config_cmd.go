// internal/api/cli/commands/config_cmd.go
package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openeeap/rlactor/pkg/config"
)

// NewConfigCmd 创建 config 命令
func NewConfigCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after defaults, file and environment",
		Example: `  rlactor config show
  rlactor config show -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if env.Output == "json" {
				out, err := json.MarshalIndent(env.Config, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			}

			out, err := config.ToYAML(env.Config)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	})
	return cmd
}

//Personal.AI order the ending
