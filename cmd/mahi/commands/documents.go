package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

func newIndexCommand() *cobra.Command {
	var (
		id       string
		metadata map[string]string
	)

	cmd := &cobra.Command{
		Use:   "index <file|->",
		Short: "Index a document",
		Example: `  mahi index notes.md
  echo "meeting moved to friday" | mahi index - --id note-7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
				if id == "" {
					id = filepath.Base(args[0])
				}
			}
			if err != nil {
				return err
			}
			if id == "" {
				return fmt.Errorf("--id is required when reading from stdin")
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			reply, err := c.Index(cmd.Context(), engine.IndexRequest{DocumentID: id, Text: string(data), Metadata: metadata})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), reply)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s via %s%s\n", reply.Result.DocumentID, reply.Result.Status, reply.Backend, synthesizedNote(reply.Synthesized))
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "document id (defaults to the file name)")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "metadata key=value pairs")
	return cmd
}

func newQueryCommand() *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:     "query <question>",
		Short:   "Ask a question against indexed documents",
		Example: `  mahi query "when is the launch" --top-k 3`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			reply, err := c.Query(cmd.Context(), engine.QueryRequest{Query: strings.Join(args, " "), TopK: topK})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), reply)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s\n", reply.Result.Answer)
			for _, m := range reply.Result.Matches {
				fmt.Fprintf(w, "  %.3f  %-20s %s\n", m.Score, m.DocumentID, m.Excerpt)
			}
			fmt.Fprintf(w, "via %s%s\n", reply.Backend, synthesizedNote(reply.Synthesized))
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of matches (1-20, default 5)")
	return cmd
}

func newEmbedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "embed <text>...",
		Short:   "Compute embeddings",
		Example: `  mahi embed "first text" "second text" --json`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			reply, err := c.Embed(cmd.Context(), engine.EmbedRequest{Texts: args})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), reply)
			}
			for i, v := range reply.Result.Vectors {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: %d dimensions\n", i, len(v))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "via %s%s\n", reply.Backend, synthesizedNote(reply.Synthesized))
			return nil
		},
	}
	return cmd
}

func synthesizedNote(synthesized bool) string {
	if synthesized {
		return " (on-device fallback)"
	}
	return ""
}
