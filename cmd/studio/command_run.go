package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pocketomega/pocket-studio/internal/dispatch"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run <graph-file>",
	Short: "Run one workflow graph",
	Long:  "Run a graph file (JSON or YAML) once and print every node result. Exits non-zero when a node fails.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGraph(cmd, args[0])
	},
}

func registerRunCommand(root *cobra.Command) {
	root.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&jsonOut, "json", false, "Print the run report as JSON")
	runCmd.Flags().BoolVarP(&quietRun, "quiet", "q", false, "Do not print progress events")
}

func runGraph(cmd *cobra.Command, path string) error {
	out := cmd.OutOrStdout()

	g, err := workflow.LoadGraphFile(path)
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

	req := dispatch.Request{Graph: g}
	if !quietRun && !jsonOut {
		req.Observer = eventPrinter(out)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "□ Running %s (%d nodes)...\n", path, len(g.Nodes))
	run, err := eng.dispatcher.Execute(ctx, req)
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(out, run.Report()); err != nil {
			return err
		}
	} else {
		printRunSummary(out, run)
	}

	if run.Failed != nil {
		return fmt.Errorf("node %s failed: %s", run.Failed.NodeID, run.Failed.Error)
	}
	if run.Stopped {
		return fmt.Errorf("run stopped before every node ran")
	}
	return nil
}

func printRunSummary(w io.Writer, run *dispatch.Run) {
	fmt.Fprintln(w, "\nResults:")
	for _, id := range run.Plan.Order {
		res, ok := run.Results[id]
		if !ok {
			fmt.Fprintf(w, "  - %s (not started)\n", id)
			continue
		}
		fmt.Fprintf(w, "  %s\n", resultLine(res))
	}
	for _, p := range run.Pending {
		fmt.Fprintf(w, "\n⏳ Check later: studio check %s %s\n", p.Capability, p.ExternalID)
	}
	if run.OK() {
		fmt.Fprintf(w, "✓ Graph finished (%d terminal nodes)\n", len(run.Plan.Terminal))
	}
}
