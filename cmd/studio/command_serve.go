package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pocketomega/pocket-studio/internal/config"
	"github.com/pocketomega/pocket-studio/internal/web"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long:  "Serve graph and chain runs, target lookups, pending job checks, health and Prometheus metrics over HTTP.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd)
	},
}

func registerServeCommand(root *cobra.Command) {
	root.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default: WEB_PORT or 8080)")
}

func serve(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	printBanner(out)
	fmt.Fprintf(out, "⚙️  Config: %s\n", config.EnvFilePath())

	eng, err := loadEngine(cmd.Context(), out)
	if err != nil {
		return err
	}
	defer eng.Close()

	runs := web.NewRunHandler(web.RunHandlerOptions{
		Graphs:   eng.dispatcher,
		Chains:   eng.chains,
		Store:    eng.store,
		Blobs:    eng.blobs,
		Registry: eng.registry,
		Poller:   eng.poller,
	})
	health := web.NewHealthHandler(web.HealthInfo{
		Capabilities: eng.registry.Capabilities,
		StoreKind:    eng.storeKind,
		BlobKind:     eng.blobKind,
		StorePing:    eng.storePing,
	})

	port := eng.cfg.WebPort
	if servePort != 0 {
		port = servePort
	}
	opts := web.ServerOptions{Runs: runs, Health: health, Metrics: eng.metrics, Port: port}
	if !eng.cfg.UseS3() {
		opts.BlobDir = eng.cfg.BlobDir
	}

	server, err := web.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create web server: %w", err)
	}
	return server.Start()
}
