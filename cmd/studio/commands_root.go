package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pocketomega/pocket-studio/internal/config"
)

var (
	envFile  string
	jsonOut  bool
	quietRun bool
)

var rootCmd = &cobra.Command{
	Use:   "studio",
	Short: "Workflow engine: node graphs over generation backends",
	Long: "studio runs workflow graphs whose nodes call text, image, speech and video backends, " +
		"and chains graph runs against a target, carrying outputs from step to step.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if envFile != "" {
			config.LoadEnv(envFile)
			return
		}
		config.LoadEnv()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default: searched next to the binary, then cwd)")

	registerRunCommand(rootCmd)
	registerChainCommand(rootCmd)
	registerServeCommand(rootCmd)
	registerMCPCommand(rootCmd)
	registerValidateCommand(rootCmd)
	registerCheckCommand(rootCmd)
	registerCapabilitiesCommand(rootCmd)
}

func printBanner(w io.Writer) {
	fmt.Fprintln(w, `  ██████╗  ██████╗  ██████╗██╗  ██╗███████╗████████╗`)
	fmt.Fprintln(w, `  ██╔══██╗██╔═══██╗██╔════╝██║ ██╔╝██╔════╝╚══██╔══╝`)
	fmt.Fprintln(w, `  ██████╔╝██║   ██║██║     █████╔╝ █████╗     ██║   `)
	fmt.Fprintln(w, `  ██╔═══╝ ██║   ██║██║     ██╔═██╗ ██╔══╝     ██║   `)
	fmt.Fprintln(w, `  ██║     ╚██████╔╝╚██████╗██║  ██╗███████╗   ██║   `)
	fmt.Fprintln(w, `  ╚═╝      ╚═════╝  ╚═════╝╚═╝  ╚═╝╚══════╝   ╚═╝   `)
	fmt.Fprintln(w, `         ╔═══ S T U D I O    v0.1 ════╗`)
	fmt.Fprintln(w, `         ║  Graphs · Chains · Jobs   ║`)
	fmt.Fprintln(w, `         ╚════════════════════════════╝`)
}

// loadEngine reads the configuration and wires the engine. Status lines
// go to w so the MCP command can keep stdout for the protocol.
func loadEngine(ctx context.Context, w io.Writer) (*engine, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return newEngine(ctx, cfg, w)
}

// interruptible returns a context cancelled on SIGINT/SIGTERM. A running
// graph stops before its next node; calls already in flight finish.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
