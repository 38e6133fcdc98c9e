package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/app"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
)

func newServeCommand(version string) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the router, dispatcher and plan state machine behind the HTTP API.

Configuration is read from --config, $MAHI_CONFIG or ~/.config/mahi/config.yaml,
and every key can be overridden with a MAHI_ environment variable, e.g.
MAHI_SERVER_ADDRESS=:9000.`,
		Example: `  # Serve with defaults (local generator only)
  mahi serve

  # Serve with a config file on another port
  mahi serve -c mahi.yaml --address :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			// The service logger applies the configured level itself.
			zerolog.SetGlobalLevel(zerolog.TraceLevel)

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, version)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					log.Warn().Err(err).Msg("Shutdown was not clean")
				}
			}()

			return a.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")
	return cmd
}
