package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newBackendsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List backends and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			backends, err := c.Backends(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), backends)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-16s %-8s %-9s %-10s %s\n", "ID", "KIND", "PRIORITY", "HEALTH", "CAPABILITIES")
			for _, b := range backends {
				caps := make([]string, len(b.Capabilities))
				for i, c := range b.Capabilities {
					caps[i] = string(c)
				}
				priority := fmt.Sprint(b.Priority)
				if b.Fallback {
					priority = "fallback"
				}
				fmt.Fprintf(w, "%-16s %-8s %-9s %-10s %s\n", b.ID, b.Kind, priority, b.Health.State, strings.Join(caps, ","))
			}
			return nil
		},
	}
}
