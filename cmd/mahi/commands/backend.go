package commands

import (
	"net"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/app"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports/rpc"
)

func newBackendCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve the local generator as a gRPC backend",
		Long: `Expose the on-device generator over the mahi gRPC services so another
router can register it as an rpc backend.`,
		Example: `  mahi backend --listen :9090`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gen, err := app.NewGenerator(cfg.Fallback, cfg.Stream)
			if err != nil {
				return err
			}
			defer gen.Close()

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			srv := rpc.NewServer(gen, log.Logger)

			go func() {
				<-cmd.Context().Done()
				srv.GracefulStop()
			}()

			log.Info().Str("address", lis.Addr().String()).Msg("gRPC backend listening")
			return srv.Serve(lis)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9090", "listen address")
	return cmd
}
