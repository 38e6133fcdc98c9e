package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration the way serve does and check it against the
struct rules and the CUE schema. Every violation is reported.`,
		Example: `  mahi validate -c mahi.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			enabled := 0
			for _, b := range cfg.Backends {
				if b.IsEnabled() {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: %d backends (%d enabled), store=%s, fallback=%v\n",
				len(cfg.Backends), enabled, cfg.Store.Driver, cfg.Fallback.Enabled)
			return nil
		},
	}
	return cmd
}
