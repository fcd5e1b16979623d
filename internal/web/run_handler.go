package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/blob"
	"github.com/pocketomega/pocket-studio/internal/chain"
	"github.com/pocketomega/pocket-studio/internal/dispatch"
	"github.com/pocketomega/pocket-studio/internal/poller"
	"github.com/pocketomega/pocket-studio/internal/store"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

const (
	maxRequestBody = 4 << 20 // 4MB max workflow document
	graphTimeout   = 15 * time.Minute
	chainTimeout   = 60 * time.Minute
)

// GraphRunner executes one graph. *dispatch.Dispatcher implements it.
type GraphRunner interface {
	Execute(ctx context.Context, req dispatch.Request) (*dispatch.Run, error)
}

// ChainRunner executes a chain. *chain.Orchestrator implements it.
type ChainRunner interface {
	RunChain(ctx context.Context, target workflow.Target, steps []workflow.Step, observer dispatch.Observer) (*chain.Summary, error)
}

// RunHandlerOptions groups the collaborators of RunHandler. Only Graphs and
// Chains are required.
type RunHandlerOptions struct {
	Graphs   GraphRunner
	Chains   ChainRunner
	Store    store.Persistence // optional: graph refs and target lookups
	Blobs    blob.Store        // optional: turns media refs into URLs
	Registry *backend.Registry // optional with Poller: pending job checks
	Poller   *poller.Poller
}

// RunHandler serves the workflow endpoints.
type RunHandler struct {
	graphs   GraphRunner
	chains   ChainRunner
	store    store.Persistence
	blobs    blob.Store
	registry *backend.Registry
	poller   *poller.Poller
}

// NewRunHandler creates a run handler.
func NewRunHandler(opts RunHandlerOptions) *RunHandler {
	return &RunHandler{
		graphs:   opts.Graphs,
		chains:   opts.Chains,
		store:    opts.Store,
		blobs:    opts.Blobs,
		registry: opts.Registry,
		poller:   opts.Poller,
	}
}

// ── Graphs ──

type graphRunRequest struct {
	Ref   string          `json:"ref,omitempty"`
	Graph json.RawMessage `json:"graph,omitempty"`
}

// HandleRunGraph serves POST /api/graphs/run. The body names a stored graph
// by ref or carries one inline. Node failures are part of a 200 response;
// only unusable input is a 4xx.
func (h *RunHandler) HandleRunGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req graphRunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	g, status, err := h.resolveGraph(r.Context(), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), graphTimeout)
	defer cancel()
	run, err := h.graphs.Execute(ctx, dispatch.Request{Graph: g})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, run.Report())
}

func (h *RunHandler) resolveGraph(ctx context.Context, req graphRunRequest) (*workflow.Graph, int, error) {
	if len(req.Graph) > 0 && string(req.Graph) != "null" {
		g, err := workflow.DecodeGraph(req.Graph)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		return g, 0, nil
	}
	if req.Ref == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("either graph or ref is required")
	}
	if h.store == nil {
		return nil, http.StatusBadRequest, fmt.Errorf("graph refs need a store")
	}
	g, err := h.store.LoadGraph(ctx, req.Ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, http.StatusNotFound, err
	}
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	return g, 0, nil
}

// HandlePutGraph serves PUT /api/graphs/{ref}, storing a graph for later
// reference by chain steps.
func (h *RunHandler) HandlePutGraph(w http.ResponseWriter, r *http.Request) {
	gw, ok := h.store.(store.GraphWriter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "the configured store cannot save graphs")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := workflow.DecodeGraph(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref := r.PathValue("ref")
	if err := gw.PutGraph(r.Context(), ref, g); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[Web] Stored graph %s (%d nodes)", ref, len(g.Nodes))
	writeJSON(w, http.StatusOK, map[string]any{"ref": ref, "nodes": len(g.Nodes)})
}

// ── Chains ──

// HandleRunChain serves POST /api/chains/run. The body is a chain document.
// With ?stream=1 or Accept: text/event-stream, progress events are streamed
// as SSE and the summary arrives in the final "done" event; otherwise the
// summary is the JSON response. A client disconnect stops the chain before
// its next node.
func (h *RunHandler) HandleRunChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := workflow.DecodeChain(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), chainTimeout)
	defer cancel()

	if !wantsStream(r) {
		sum, err := h.chains.RunChain(ctx, c.Target, c.Steps, nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sum)
		return
	}

	sse := newSSEWriter(w, r)
	if sse == nil {
		return
	}
	observer := func(ev dispatch.Event) {
		sse.Send(sseEventProgress, ev)
	}
	sum, err := h.chains.RunChain(ctx, c.Target, c.Steps, observer)
	if err != nil {
		sse.Send(sseEventError, sseErrorEvent{Error: err.Error()})
		return
	}
	sse.Send(sseEventDone, sum)
}

func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "1" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// ── Targets ──

type targetResponse struct {
	*store.TargetRecord
	// MediaURLs holds fetchable URLs for Media; refs that cannot be resolved
	// are left empty.
	MediaURLs workflow.Media `json:"mediaUrls"`
}

// HandleGetTarget serves GET /api/targets/{id}.
func (h *RunHandler) HandleGetTarget(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "no store configured")
		return
	}
	id := r.PathValue("id")
	rec, err := h.store.GetTarget(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, targetResponse{
		TargetRecord: rec,
		MediaURLs: workflow.Media{
			Image: h.resolve(r.Context(), rec.Media.Image),
			Video: h.resolve(r.Context(), rec.Media.Video),
			Audio: h.resolve(r.Context(), rec.Media.Audio),
		},
	})
}

func (h *RunHandler) resolve(ctx context.Context, ref string) string {
	if ref == "" {
		return ""
	}
	if h.blobs == nil {
		if blob.IsURL(ref) {
			return ref
		}
		return ""
	}
	url, err := h.blobs.Resolve(ctx, ref)
	if err != nil {
		log.Printf("[Web] Cannot resolve %s: %v", ref, err)
		return ""
	}
	return url
}

// ── Pending jobs ──

type jobCheckResponse struct {
	Status  string           `json:"status"` // completed, pending or failed
	Job     workflow.Job     `json:"job"`
	Output  *workflow.Output `json:"output,omitempty"`
	Kind    string           `json:"errorKind,omitempty"`
	Message string           `json:"message,omitempty"`
	Detail  map[string]any   `json:"errorDetail,omitempty"`
}

// HandleCheckJob serves GET /api/jobs/{capability}/{id}: one status check of
// a job a run reported pending.
func (h *RunHandler) HandleCheckJob(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil || h.poller == nil {
		writeError(w, http.StatusNotImplemented, "job checks are not configured")
		return
	}
	out, err := h.poller.Recheck(r.Context(), h.registry, r.PathValue("capability"), r.PathValue("id"))
	if errors.Is(err, backend.ErrUnknownCapability) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobCheckResponse{
		Status:  outcomeStatus(out),
		Job:     out.Job,
		Output:  out.Output,
		Kind:    string(out.Kind),
		Message: out.Message,
		Detail:  out.Detail,
	})
}

func outcomeStatus(o poller.Outcome) string {
	switch {
	case o.Success():
		return "completed"
	case o.Pending:
		return "pending"
	default:
		return "failed"
	}
}

// ── helpers ──

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Web] JSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
