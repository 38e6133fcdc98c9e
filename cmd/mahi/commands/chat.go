package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

func newChatCommand() *cobra.Command {
	var system string

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Stream a chat reply",
		Long: `Send one message and print the reply as it streams. Interrupting the
command cancels the stream on the server.`,
		Example: `  mahi chat "summarize my day"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var req engine.ChatRequest
			if system != "" {
				req.Messages = append(req.Messages, engine.Message{Role: "system", Content: system})
			}
			req.Messages = append(req.Messages, engine.Message{Role: "user", Content: strings.Join(args, " ")})

			w := cmd.OutOrStdout()
			info, last, err := c.ChatStream(cmd.Context(), req, func(tok engine.StreamToken) {
				if jsonOutput {
					_ = printJSON(w, tok)
					return
				}
				fmt.Fprint(w, tok.Content)
			})
			if !jsonOutput {
				fmt.Fprintln(w)
			}
			if err != nil {
				return err
			}
			if last.Error != "" {
				return engine.NewError(last.Error, last.Message, nil).WithBackend(info.Backend)
			}
			if !jsonOutput && info.Synthesized {
				fmt.Fprintln(cmd.ErrOrStderr(), "(answered on-device)")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	return cmd
}
