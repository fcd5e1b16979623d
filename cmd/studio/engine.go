package main

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/backend/jobapi"
	"github.com/pocketomega/pocket-studio/internal/backend/openai"
	"github.com/pocketomega/pocket-studio/internal/binding"
	"github.com/pocketomega/pocket-studio/internal/blob"
	"github.com/pocketomega/pocket-studio/internal/chain"
	"github.com/pocketomega/pocket-studio/internal/config"
	"github.com/pocketomega/pocket-studio/internal/dispatch"
	"github.com/pocketomega/pocket-studio/internal/mcp"
	"github.com/pocketomega/pocket-studio/internal/metrics"
	"github.com/pocketomega/pocket-studio/internal/poller"
	"github.com/pocketomega/pocket-studio/internal/store"
)

// engine is the wired runtime every command shares.
type engine struct {
	cfg        *config.Config
	metrics    *metrics.Registry
	registry   *backend.Registry
	catalog    *binding.Catalog
	poller     *poller.Poller
	dispatcher *dispatch.Dispatcher
	chains     *chain.Orchestrator

	store     store.Persistence
	storeKind string
	storePing func(context.Context) error

	blobs    blob.Store
	blobKind string

	closers []func()
}

func newEngine(ctx context.Context, cfg *config.Config, w io.Writer) (*engine, error) {
	e := &engine{cfg: cfg, metrics: metrics.NewRegistry(), registry: backend.NewRegistry()}
	e.closers = append(e.closers, e.registry.CloseAll)

	if err := e.initBlobs(ctx, w); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.initBackends(ctx, w); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.initStore(ctx, w); err != nil {
		e.Close()
		return nil, err
	}

	// ── Binding ──
	e.catalog = binding.DefaultCatalog()
	if cfg.CatalogFile != "" {
		cat, err := binding.LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.catalog = cat
		fmt.Fprintf(w, "📋 Catalog: %s (%d node types)\n", cfg.CatalogFile, len(cat.Capabilities))
	}
	binder := binding.NewBinder(e.catalog, cfg.Separator)

	// ── Execution ──
	e.poller = poller.New(cfg.Poll, e.metrics)
	e.dispatcher = dispatch.New(e.registry, binder, e.poller,
		dispatch.WithConcurrency(cfg.Concurrency),
		dispatch.WithMetrics(e.metrics),
	)
	e.chains = chain.New(e.dispatcher, e.store, e.metrics)

	fmt.Fprintf(w, "⏱️  Polling: warm-up %v, every %v, deadline %v\n", cfg.Poll.WarmUp, cfg.Poll.Interval, cfg.Poll.Deadline)
	if cfg.Concurrency > 1 {
		fmt.Fprintf(w, "🔀 Concurrency: %d nodes per wave\n", cfg.Concurrency)
	}
	return e, nil
}

func (e *engine) initBlobs(ctx context.Context, w io.Writer) error {
	if e.cfg.UseS3() {
		s3, err := blob.NewS3Store(ctx, e.cfg.S3)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
		e.blobs, e.blobKind = s3, "s3"
		fmt.Fprintf(w, "🗂️  Blobs: s3://%s/%s\n", e.cfg.S3.Bucket, e.cfg.S3.Prefix)
		return nil
	}
	local, err := blob.NewLocalStore(e.cfg.BlobDir, e.cfg.BlobBaseURL)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	e.blobs, e.blobKind = local, "local"
	fmt.Fprintf(w, "🗂️  Blobs: %s (served at %s)\n", local.Dir(), e.cfg.BlobBaseURL)
	return nil
}

// initBackends registers the OpenAI-compatible adapters, the async job
// providers and the MCP tool backends. Missing OpenAI credentials only
// disable those capabilities; a broken providers file is fatal.
func (e *engine) initBackends(ctx context.Context, w io.Writer) error {
	if oc, err := openai.NewConfigFromEnv(); err != nil {
		fmt.Fprintf(w, "⚠️  OpenAI backends disabled: %v\n", err)
	} else {
		client, err := openai.NewClient(oc, e.blobs)
		if err != nil {
			return fmt.Errorf("openai client: %w", err)
		}
		for _, a := range client.Adapters() {
			e.registry.Register(a)
		}
		llm := client.GetConfig()
		fmt.Fprintf(w, "🤖 LLM: %s @ %s (image %s, speech %s)\n", llm.Model, llm.BaseURL, llm.ImageModel, llm.SpeechModel)
	}

	if e.cfg.ProvidersFile != "" {
		providers, err := jobapi.LoadProviders(e.cfg.ProvidersFile)
		if err != nil {
			return err
		}
		for _, p := range providers {
			e.registry.Register(jobapi.New(p))
		}
		fmt.Fprintf(w, "🛰️  Job providers: %d from %s\n", len(providers), e.cfg.ProvidersFile)
	}

	if e.cfg.MCPBackends != "" {
		n, errs := mcp.ConnectBackends(ctx, e.cfg.MCPBackends, e.registry)
		for _, err := range errs {
			log.Printf("⚠️  MCP backend: %v", err)
		}
		fmt.Fprintf(w, "🔌 MCP backends: %d connected\n", n)
	}

	fmt.Fprintf(w, "🛠️  Capabilities: %v\n", e.registry.Capabilities())
	return nil
}

func (e *engine) initStore(ctx context.Context, w io.Writer) error {
	if e.cfg.DatabaseURL != "" {
		pg, err := store.NewPGStore(ctx, e.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		e.store, e.storeKind, e.storePing = pg, "postgres", pg.Ping
		e.closers = append(e.closers, func() { pg.Close() })
		fmt.Fprintln(w, "🐘 Store: postgres")
		return nil
	}
	mem := store.NewMemoryStore(e.cfg.GraphDir)
	e.store, e.storeKind = mem, "memory"
	fmt.Fprintf(w, "💾 Store: memory (graph refs from %s)\n", e.cfg.GraphDir)
	return nil
}

// Close releases backend connections and the database pool, newest first.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
