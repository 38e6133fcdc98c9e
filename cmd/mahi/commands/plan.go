package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var sources []string

	cmd := &cobra.Command{
		Use:   "plan <goal>",
		Short: "Draft a plan for a goal",
		Long: `Ask the server to draft a plan. Steps that need confirmation stay pending
until they are approved with 'mahi execute'.`,
		Example: `  # Draft a plan using the inbox and calendar
  mahi plan "prepare for tomorrow" --source email --source calendar`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			req := engine.PlanRequest{Goal: strings.Join(args, " "), Sources: map[string]bool{}}
			for _, s := range sources {
				req.Sources[s] = true
			}

			plan, err := c.Plan(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&sources, "source", nil, "enable a source (email, calendar, messages, browser)")
	return cmd
}

func newExecuteCommand() *cobra.Command {
	var (
		approve []string
		reject  []string
	)

	cmd := &cobra.Command{
		Use:   "execute <plan-id>",
		Short: "Approve and run a plan",
		Example: `  # Approve step-2 and run
  mahi execute 3f2a... --approve step-2

  # Reject a step; the plan stays awaiting approval
  mahi execute 3f2a... --reject step-3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			approvals := make(map[string]bool, len(approve)+len(reject))
			for _, id := range approve {
				approvals[id] = true
			}
			for _, id := range reject {
				approvals[id] = false
			}

			report, err := c.Execute(cmd.Context(), args[0], approvals)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printPlan(cmd.OutOrStdout(), report.Plan)
			for _, exec := range report.Executions {
				line := fmt.Sprintf("  %-10s %-16s %s", exec.StepID, exec.Action, exec.Status)
				if exec.Error != nil {
					line += " (" + exec.Error.Message + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&approve, "approve", nil, "approve a step id")
	cmd.Flags().StringSliceVar(&reject, "reject", nil, "reject a step id")
	return cmd
}

func printPlan(w io.Writer, plan *engine.Plan) {
	fmt.Fprintf(w, "Plan %s [%s] via %s\n", plan.ID, plan.Status, plan.Backend)
	fmt.Fprintf(w, "Goal: %s\n", plan.Goal)
	for _, s := range plan.Steps {
		mark := " "
		if s.RequiresConfirmation {
			mark = "!"
		}
		line := fmt.Sprintf(" %s %-10s %-16s %-10s %s", mark, s.ID, s.Action, s.Status, s.Description)
		if s.Reason != "" {
			line += " (" + s.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
}
