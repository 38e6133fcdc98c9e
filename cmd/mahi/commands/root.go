package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/client"
)

const defaultServerURL = "http://localhost:8080"

var (
	// Global flags
	configPath string
	serverURL  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mahi",
		Short: "mahi - on-device assistant router",
		Long: `mahi routes assistant operations across remote backends with a local
fallback, and runs approved multi-step plans.

Features:
  - Priority-ordered backends over HTTP, gRPC and OpenAI-compatible APIs
  - Per-backend health tracking with cooldown and probe recovery
  - Streaming chat with cancellation and stall detection
  - Plans with approval gating, Rego step policies and action plugins`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverDefault := os.Getenv("MAHI_SERVER_URL")
	if serverDefault == "" {
		serverDefault = defaultServerURL
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", serverDefault, "server URL for client commands")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newBackendCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newExecuteCommand())
	rootCmd.AddCommand(newIndexCommand())
	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newEmbedCommand())
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newBackendsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newClient() (*client.Client, error) {
	return client.New(serverURL)
}

// printJSON writes v indented.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
