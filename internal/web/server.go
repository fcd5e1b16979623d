// Package web is the HTTP surface of the engine: graph and chain runs,
// target lookups, pending job checks, health and metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pocketomega/pocket-studio/internal/metrics"
)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Runs    *RunHandler
	Health  *HealthHandler
	Metrics *metrics.Registry // nil = no /metrics
	BlobDir string            // non-empty = serve local blobs under /blobs/
	Port    int
}

// Server holds the HTTP server and its routes.
type Server struct {
	mux  *http.ServeMux
	port int
}

// NewServer creates a server and registers its routes.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Runs == nil {
		return nil, fmt.Errorf("web server needs a run handler")
	}
	s := &Server{mux: http.NewServeMux(), port: opts.Port}
	if s.port == 0 {
		s.port = 8080
	}
	s.registerRoutes(opts)
	return s, nil
}

func (s *Server) registerRoutes(opts ServerOptions) {
	s.mux.HandleFunc("POST /api/graphs/run", opts.Runs.HandleRunGraph)
	s.mux.HandleFunc("PUT /api/graphs/{ref}", opts.Runs.HandlePutGraph)
	s.mux.HandleFunc("POST /api/chains/run", opts.Runs.HandleRunChain)
	s.mux.HandleFunc("GET /api/targets/{id}", opts.Runs.HandleGetTarget)
	s.mux.HandleFunc("GET /api/jobs/{capability}/{id}", opts.Runs.HandleCheckJob)
	if opts.Health != nil {
		s.mux.Handle("GET /api/health", opts.Health)
	}
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	}
	if opts.BlobDir != "" {
		s.mux.Handle("GET /blobs/", http.StripPrefix("/blobs/", http.FileServer(http.Dir(opts.BlobDir))))
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins listening on the configured port with graceful shutdown.
// On SIGINT/SIGTERM it waits up to 10s for in-flight requests; chain runs
// still going after that are stopped before their next node.
func (s *Server) Start() error {
	baseCtx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	addr := fmt.Sprintf(":%d", s.port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return baseCtx },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("⚡ Received signal %v, shutting down gracefully...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️  Graceful shutdown error: %v", err)
			cancelAll()
		}
	}()

	log.Printf("🌐 Pocket-Studio server running at http://localhost%s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		log.Println("✅ Server stopped gracefully")
		return nil
	}
	return err
}
