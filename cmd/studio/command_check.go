package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pocketomega/pocket-studio/internal/poller"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

var checkCmd = &cobra.Command{
	Use:   "check <capability> <external-id>",
	Short: "Check once more on a pending async job",
	Long:  "Fetch the current status of a job that a run reported as pending after its polling deadline.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkJob(cmd, args[0], args[1])
	},
}

func registerCheckCommand(root *cobra.Command) {
	root.AddCommand(checkCmd)

	checkCmd.Flags().BoolVar(&jsonOut, "json", false, "Print the outcome as JSON")
}

func checkJob(cmd *cobra.Command, capability, externalID string) error {
	out := cmd.OutOrStdout()

	eng, err := loadEngine(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer eng.Close()

	outcome, err := eng.poller.Recheck(cmd.Context(), eng.registry, capability, externalID)
	if err != nil {
		return err
	}
	if jsonOut {
		res := workflow.NodeResult{Capability: capability}
		outcome.Apply(&res)
		return printJSON(out, res)
	}
	return printOutcome(out, outcome)
}

func printOutcome(out io.Writer, o poller.Outcome) error {
	switch {
	case o.Success():
		fmt.Fprintf(out, "✓ job %s completed → %s\n", o.Job.ExternalID, describeOutput(o.Output))
	case o.Pending:
		fmt.Fprintf(out, "⏳ job %s still %s\n", o.Job.ExternalID, o.Job.Status)
	default:
		fmt.Fprintf(out, "✗ job %s [%s] %s\n", o.Job.ExternalID, o.Kind, o.Message)
		return fmt.Errorf("job %s failed", o.Job.ExternalID)
	}
	return nil
}
