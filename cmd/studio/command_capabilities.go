package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pocketomega/pocket-studio/internal/binding"
)

var longFormat bool

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities",
	Aliases: []string{"caps"},
	Short:   "List the capabilities nodes can use",
	Long:    "List every registered capability tag with its output kind. Use -l to show the node fields the catalog declares.",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := loadEngine(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer eng.Close()
		printCapabilities(cmd.OutOrStdout(), eng.catalog, eng.registry.Capabilities(), longFormat)
		return nil
	},
}

func registerCapabilitiesCommand(root *cobra.Command) {
	root.AddCommand(capabilitiesCmd)

	capabilitiesCmd.Flags().BoolVarP(&longFormat, "long", "l", false, "Show declared fields")
}

func printCapabilities(w io.Writer, cat *binding.Catalog, registered []string, long bool) {
	if len(registered) == 0 {
		fmt.Fprintln(w, "No capabilities registered. Set LLM_API_KEY, PROVIDERS_FILE or MCP_BACKENDS_FILE.")
		return
	}
	fmt.Fprintln(w, "Capabilities:")
	for _, name := range registered {
		spec, known := cat.Spec(name)
		mode := "sync"
		if spec.Async {
			mode = "async"
		}
		line := fmt.Sprintf("  %s (%s, %s)", name, spec.Output, mode)
		if !known {
			line += " [not in catalog]"
		}
		fmt.Fprintln(w, line)
		if !long {
			continue
		}
		for _, f := range spec.Fields {
			var flags []string
			if f.Required {
				flags = append(flags, "required")
			}
			if f.Forward {
				flags = append(flags, "forward")
			}
			flags = append(flags, "rule="+string(cat.RuleFor(name, f)))
			fmt.Fprintf(w, "      %-14s %-9s %s\n", f.Name, f.Type, strings.Join(flags, " "))
		}
	}
}
