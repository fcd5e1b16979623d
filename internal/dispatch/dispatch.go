// Package dispatch executes one workflow graph: it orders the nodes, binds
// each node's inputs, invokes the node's backend adapter (polling async jobs
// to a terminal state) and collects one NodeResult per node reached.
//
// Dispatch is fail-fast: the first fatal node result stops any node not yet
// started. Results of nodes that already finished are kept and returned.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/binding"
	"github.com/pocketomega/pocket-studio/internal/metrics"
	"github.com/pocketomega/pocket-studio/internal/poller"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// Resolver maps a capability tag to its adapter. *backend.Registry implements it.
type Resolver interface {
	Resolve(capability string) (backend.Adapter, error)
}

// JobPoller drives an async job to its outcome. *poller.Poller implements it.
type JobPoller interface {
	Poll(ctx context.Context, h *backend.JobHandle) poller.Outcome
}

// Dispatcher runs graphs. It holds no per-run state and is safe for
// concurrent use.
type Dispatcher struct {
	resolver    Resolver
	binder      *binding.Binder
	poller      JobPoller
	metrics     *metrics.Registry
	concurrency int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency lets up to n independent nodes of one wave run at once.
// n <= 1 keeps the sequential topological order.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.concurrency = n }
}

// WithMetrics records node and graph outcomes.
func WithMetrics(m *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher. A nil binder uses the default catalog and a nil
// poller uses the default timings.
func New(resolver Resolver, binder *binding.Binder, p JobPoller, opts ...Option) *Dispatcher {
	if binder == nil {
		binder = binding.NewBinder(nil, "")
	}
	if p == nil {
		p = poller.New(poller.DefaultConfig(), nil)
	}
	d := &Dispatcher{resolver: resolver, binder: binder, poller: p, concurrency: 1}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Request is one graph run plus what its nodes may be bound from.
type Request struct {
	Graph *workflow.Graph
	// Step is the chain position, reported on events. Zero outside chains.
	Step    int
	Context *workflow.ChainContext
	Target  workflow.Target
	Binding workflow.BindingSpec
	// Observer, when set, receives node events in the order they happen.
	Observer Observer
}

// Run is the outcome of one graph run.
type Run struct {
	Plan    *workflow.Plan
	Results map[workflow.NodeID]workflow.NodeResult
	// Failed is the first fatal node result, in topological order.
	Failed *workflow.NodeResult
	// Pending lists nodes whose async job outlived the polling deadline.
	Pending []workflow.NodeResult
	// Stopped is set when cancellation prevented some nodes from starting.
	Stopped bool
}

// OK reports whether every node ran and none failed.
func (r *Run) OK() bool { return r.Failed == nil && !r.Stopped }

// TerminalOutputs returns the outputs of successful terminal nodes.
func (r *Run) TerminalOutputs() map[workflow.NodeID]*workflow.Output {
	out := make(map[workflow.NodeID]*workflow.Output)
	for _, id := range r.Plan.Terminal {
		if res, ok := r.Results[id]; ok && res.Success && res.Output != nil {
			out[id] = res.Output
		}
	}
	return out
}

// RunReport is the JSON view of a Run.
type RunReport struct {
	OK       bool                                    `json:"ok"`
	Order    []workflow.NodeID                       `json:"order"`
	Terminal []workflow.NodeID                       `json:"terminal"`
	Results  map[workflow.NodeID]workflow.NodeResult `json:"results"`
	Failed   *workflow.NodeResult                    `json:"failed,omitempty"`
	Pending  []workflow.NodeResult                   `json:"pending,omitempty"`
	Stopped  bool                                    `json:"stopped,omitempty"`
}

// Report flattens the run for callers outside the engine.
func (r *Run) Report() RunReport {
	return RunReport{
		OK:       r.OK(),
		Order:    r.Plan.Order,
		Terminal: r.Plan.Terminal,
		Results:  r.Results,
		Failed:   r.Failed,
		Pending:  r.Pending,
		Stopped:  r.Stopped,
	}
}

// RunGraph executes g with no chain context.
func (d *Dispatcher) RunGraph(ctx context.Context, g *workflow.Graph) (*Run, error) {
	return d.Execute(ctx, Request{Graph: g})
}

// Execute runs one graph. The only error returned is an invalid graph
// (ErrInvalidGraph, ErrCycle), reported before any adapter is called.
// Node failures are expressed in the Run.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Run, error) {
	plan, err := workflow.NewPlan(req.Graph)
	if err != nil {
		d.metrics.RecordGraph("invalid")
		return nil, err
	}

	s := &session{
		d:       d,
		req:     req,
		plan:    plan,
		nodes:   make(map[workflow.NodeID]workflow.Node, len(req.Graph.Nodes)),
		index:   make(map[workflow.NodeID]int, len(plan.Order)),
		results: make(map[workflow.NodeID]workflow.NodeResult, len(plan.Order)),
		outputs: make(map[workflow.NodeID]*workflow.Output, len(plan.Order)),
	}
	for _, n := range req.Graph.Nodes {
		s.nodes[n.ID] = n
	}
	for i, id := range plan.Order {
		s.index[id] = i
	}

	start := time.Now()
	if d.concurrency > 1 {
		s.runWaves(ctx)
	} else {
		s.runSequential(ctx)
	}

	run := s.finish()
	outcome := "completed"
	switch {
	case run.Failed != nil:
		outcome = "failed"
	case run.Stopped:
		outcome = "stopped"
	}
	d.metrics.RecordGraph(outcome)
	log.Printf("[Dispatch] graph %q %s: %d/%d nodes ran, %d pending (%s)",
		req.Graph.Name, outcome, len(run.Results), len(plan.Order), len(run.Pending), time.Since(start).Round(time.Millisecond))
	return run, nil
}

// ── Per-run state ──

type session struct {
	d     *Dispatcher
	req   Request
	plan  *workflow.Plan
	nodes map[workflow.NodeID]workflow.Node
	index map[workflow.NodeID]int

	mu      sync.Mutex
	results map[workflow.NodeID]workflow.NodeResult
	outputs map[workflow.NodeID]*workflow.Output
	stopped bool
}

func (s *session) runSequential(ctx context.Context) {
	for _, id := range s.plan.Order {
		if ctx.Err() != nil {
			s.stop(id, ctx.Err())
			return
		}
		res := s.runNode(ctx, s.nodes[id], s.snapshotOutputs())
		s.record(res)
		if res.Failed() {
			return
		}
	}
}

// runWaves runs each level of the plan with bounded concurrency. Every node
// of a wave has all its upstream nodes in earlier waves.
func (s *session) runWaves(ctx context.Context) {
	for _, wave := range s.plan.Levels {
		if ctx.Err() != nil {
			s.stop(wave[0], ctx.Err())
			return
		}
		outputs := s.snapshotOutputs()

		var failed sync.Once
		halt := make(chan struct{})
		g := new(errgroup.Group)
		g.SetLimit(s.d.concurrency)
		for _, id := range wave {
			node := s.nodes[id]
			g.Go(func() error {
				select {
				case <-halt:
					return nil
				default:
				}
				if ctx.Err() != nil {
					s.mu.Lock()
					s.stopped = true
					s.mu.Unlock()
					return nil
				}
				res := s.runNode(ctx, node, outputs)
				s.record(res)
				if res.Failed() {
					failed.Do(func() { close(halt) })
				}
				return nil
			})
		}
		_ = g.Wait()

		select {
		case <-halt:
			return
		default:
		}
		if s.isStopped() {
			return
		}
	}
}

func (s *session) stop(next workflow.NodeID, cause error) {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	log.Printf("[Dispatch] stopping before node %s: %v", next, cause)
}

func (s *session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *session) snapshotOutputs() map[workflow.NodeID]*workflow.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[workflow.NodeID]*workflow.Output, len(s.outputs))
	for k, v := range s.outputs {
		cp[k] = v
	}
	return cp
}

func (s *session) record(res workflow.NodeResult) {
	s.mu.Lock()
	s.results[res.NodeID] = res
	if res.Success && res.Output != nil {
		s.outputs[res.NodeID] = res.Output
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventNodeFinished, NodeID: res.NodeID, Capability: res.Capability, Status: resultStatus(res), Message: res.Error, Result: &res})
}

func (s *session) emit(ev Event) {
	if s.req.Observer == nil {
		return
	}
	ev.Step = s.req.Step
	ev.Time = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req.Observer(ev)
}

func (s *session) finish() *Run {
	run := &Run{Plan: s.plan, Results: s.results, Stopped: s.stopped}
	for _, id := range s.plan.Order {
		res, ok := s.results[id]
		if !ok {
			continue
		}
		if res.Failed() && run.Failed == nil {
			r := res
			run.Failed = &r
		}
		if res.Pending {
			run.Pending = append(run.Pending, res)
		}
	}
	return run
}

// ── One node ──

// runNode binds, invokes and, for async adapters, polls one node. Calls go
// out on a context detached from cancellation so an in-flight generation is
// never aborted; adapters and the poller bound them with their own timeouts.
func (s *session) runNode(ctx context.Context, node workflow.Node, outputs map[workflow.NodeID]*workflow.Output) workflow.NodeResult {
	res := workflow.NodeResult{NodeID: node.ID, Capability: node.Capability, StartedAt: time.Now()}
	s.emit(Event{Kind: EventNodeStarted, NodeID: node.ID, Capability: node.Capability})

	bound, report := s.d.binder.Bind(node, binding.Inputs{
		Upstream: s.upstream(node.ID, outputs),
		Graph:    outputs,
		Context:  s.req.Context,
		Target:   s.req.Target,
		Spec:     s.req.Binding.For(node.ID),
	})
	snapshot := map[string]any{"config": bound.Config}
	if len(report) > 0 {
		snapshot["bindings"] = map[string]string(report)
	}
	res.RequestSnapshot = snapshot

	if missing := s.d.binder.Missing(bound); len(missing) > 0 {
		detail := map[string]any{"fields": missing}
		if blocked := s.unfinishedUpstream(node.ID); len(blocked) > 0 {
			detail["upstream"] = blocked
		}
		return s.fail(res, workflow.ErrKindMissingInput, fmt.Sprintf("missing required input: %s", strings.Join(missing, ", ")), detail)
	}

	adapter, err := s.d.resolver.Resolve(node.Capability)
	if err != nil {
		return s.fail(res, workflow.ErrKindInvocation, err.Error(), nil)
	}

	callCtx := context.WithoutCancel(ctx)
	r, err := adapter.Invoke(callCtx, bound)
	if len(r.Request) > 0 {
		snapshot["provider"] = r.Request
	}
	if err != nil {
		var ie *backend.InvocationError
		if errors.As(err, &ie) {
			return s.fail(res, workflow.ErrKindInvocation, err.Error(), ie.DetailMap())
		}
		return s.fail(res, workflow.ErrKindInvocation, err.Error(), nil)
	}

	if r.Async() {
		res.ExternalID = r.Job.ExternalID
		res.DashboardURL = r.Job.DashboardURL
		outcome := s.d.poller.Poll(callCtx, r.Job)
		outcome.Apply(&res)
		return s.done(res)
	}
	if r.Output == nil {
		return s.fail(res, workflow.ErrKindInconsistentResult, "adapter returned neither output nor job", nil)
	}
	res.Success = true
	res.Output = r.Output
	return s.done(res)
}

// upstream returns the successful direct predecessors of id in topological order.
func (s *session) upstream(id workflow.NodeID, outputs map[workflow.NodeID]*workflow.Output) []binding.Upstream {
	sources := append([]workflow.NodeID(nil), s.plan.Upstream[id]...)
	sort.SliceStable(sources, func(i, j int) bool { return s.index[sources[i]] < s.index[sources[j]] })
	ups := make([]binding.Upstream, 0, len(sources))
	for _, src := range sources {
		if out, ok := outputs[src]; ok {
			ups = append(ups, binding.Upstream{NodeID: src, Output: out})
		}
	}
	return ups
}

// unfinishedUpstream lists predecessors that ended without an output.
func (s *session) unfinishedUpstream(id workflow.NodeID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, src := range s.plan.Upstream[id] {
		if r, ok := s.results[src]; ok && !r.Success {
			ids = append(ids, fmt.Sprintf("%s (%s)", src, r.ErrorKind))
		}
	}
	return ids
}

func (s *session) fail(res workflow.NodeResult, kind workflow.ErrorKind, msg string, detail map[string]any) workflow.NodeResult {
	res.Success = false
	res.ErrorKind = kind
	res.Error = msg
	res.ErrorDetail = detail
	return s.done(res)
}

func (s *session) done(res workflow.NodeResult) workflow.NodeResult {
	res.FinishedAt = time.Now()
	elapsed := res.FinishedAt.Sub(res.StartedAt)
	status := resultStatus(res)
	s.d.metrics.RecordNode(res.Capability, status, elapsed)
	switch status {
	case "failed":
		log.Printf("[Dispatch] node %s (%s) failed [%s] after %dms: %s", res.NodeID, res.Capability, res.ErrorKind, elapsed.Milliseconds(), res.Error)
	case "pending":
		log.Printf("[Dispatch] node %s (%s) still pending, job %s: %s", res.NodeID, res.Capability, res.ExternalID, res.DashboardURL)
	default:
		log.Printf("[Dispatch] node %s (%s) ok in %dms", res.NodeID, res.Capability, elapsed.Milliseconds())
	}
	return res
}

func resultStatus(res workflow.NodeResult) string {
	switch {
	case res.Success:
		return "success"
	case res.Pending:
		return "pending"
	}
	return "failed"
}
