package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketomega/pocket-studio/internal/chain"
	"github.com/pocketomega/pocket-studio/internal/dispatch"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

var chainCmd = &cobra.Command{
	Use:   "chain <chain-file>",
	Short: "Run a step chain against its target",
	Long: "Run every step of a chain file in order. Terminal outputs of each step are added to the chain " +
		"context for later steps; the first failed step stops the chain and marks the target failed.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChain(cmd, args[0])
	},
}

func registerChainCommand(root *cobra.Command) {
	root.AddCommand(chainCmd)

	chainCmd.Flags().BoolVar(&jsonOut, "json", false, "Print the chain summary as JSON")
	chainCmd.Flags().BoolVarP(&quietRun, "quiet", "q", false, "Do not print progress events")
}

func runChain(cmd *cobra.Command, path string) error {
	out := cmd.OutOrStdout()

	c, err := workflow.LoadChainFile(path)
	if err != nil {
		return err
	}

	eng, err := loadEngine(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := interruptible(cmd.Context())
	defer stop()

	var observer dispatch.Observer
	if !quietRun && !jsonOut {
		observer = eventPrinter(out)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "□ Running chain %s for target %s (%d steps)...\n", path, c.Target.ID, len(c.Steps))
	sum, err := eng.chains.RunChain(ctx, c.Target, c.Steps, observer)
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(out, sum); err != nil {
			return err
		}
	} else {
		printChainSummary(out, sum)
	}

	if sum.Status == workflow.TargetFailed {
		return fmt.Errorf("chain failed at step %d: %s", sum.FailedStep, sum.Error)
	}
	return nil
}

func printChainSummary(w io.Writer, sum *chain.Summary) {
	fmt.Fprintf(w, "\nTarget %s: %s (run %s, %v)\n", sum.TargetID, sum.Status, sum.RunID, sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	for _, s := range sum.Steps {
		line := fmt.Sprintf("  [%d] %s", s.Order, s.Status)
		if s.Ref != "" {
			line += " ref=" + s.Ref
		}
		if s.Error != "" {
			line += ": " + s.Error
		}
		fmt.Fprintln(w, line)
	}
	if len(sum.Outputs) > 0 {
		fmt.Fprintln(w, "Outputs:")
		for _, e := range sum.Outputs {
			fmt.Fprintf(w, "  step %d %s → %s\n", e.StepOrder, e.NodeID, describeOutput(e.Output))
		}
	}
	if m := sum.Media; m.Image != "" || m.Video != "" || m.Audio != "" {
		fmt.Fprintf(w, "Media: image=%s video=%s audio=%s\n", m.Image, m.Video, m.Audio)
	}
	for _, warn := range sum.Warnings {
		fmt.Fprintf(w, "⚠️  %s\n", warn)
	}
	for _, p := range sum.Pending {
		fmt.Fprintf(w, "⏳ step %d %s still running: studio check %s %s\n", p.Step, p.NodeID, p.Capability, p.ExternalID)
	}
}
