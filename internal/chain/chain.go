// Package chain runs an ordered list of graphs ("steps") against one target,
// carrying every step's terminal outputs forward in a shared ChainContext.
//
// Steps run strictly in order. The first failing step stops the chain: its
// successful terminal outputs are still merged into the context, its error
// is persisted and the target is marked failed with the step identified.
package chain

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pocketomega/pocket-studio/internal/dispatch"
	"github.com/pocketomega/pocket-studio/internal/metrics"
	"github.com/pocketomega/pocket-studio/internal/store"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// GraphRunner executes one graph. *dispatch.Dispatcher implements it.
type GraphRunner interface {
	Execute(ctx context.Context, req dispatch.Request) (*dispatch.Run, error)
}

// Orchestrator runs chains. It keeps no per-run state.
type Orchestrator struct {
	runner  GraphRunner
	store   store.Persistence
	metrics *metrics.Registry
}

// New creates an orchestrator. m may be nil.
func New(runner GraphRunner, p store.Persistence, m *metrics.Registry) *Orchestrator {
	return &Orchestrator{runner: runner, store: p, metrics: m}
}

// PendingJob is an async job that outlived its polling deadline.
type PendingJob struct {
	Step         int    `json:"step"`
	NodeID       string `json:"nodeId"`
	Capability   string `json:"capability"`
	ExternalID   string `json:"externalId"`
	DashboardURL string `json:"dashboardUrl,omitempty"`
}

// StepSummary is the outcome of one step.
type StepSummary struct {
	Order      int                                     `json:"order"`
	Ref        string                                  `json:"ref,omitempty"`
	Status     workflow.StepStatus                     `json:"status"`
	Error      string                                  `json:"error,omitempty"`
	FailedNode string                                  `json:"failedNode,omitempty"`
	Results    map[workflow.NodeID]workflow.NodeResult `json:"results,omitempty"`
	Terminal   []workflow.NodeID                       `json:"terminal,omitempty"`
}

// Summary is the result of one chain run.
type Summary struct {
	RunID      string                  `json:"runId"`
	TargetID   string                  `json:"targetId"`
	Status     workflow.TargetStatus   `json:"status"`
	Error      string                  `json:"error,omitempty"`
	FailedStep int                     `json:"failedStep,omitempty"`
	Steps      []StepSummary           `json:"steps"`
	Media      workflow.Media          `json:"media"`
	Outputs    []workflow.ContextEntry `json:"outputs"`
	Pending    []PendingJob            `json:"pending,omitempty"`
	Warnings   []string                `json:"warnings,omitempty"`
	StartedAt  time.Time               `json:"startedAt"`
	FinishedAt time.Time               `json:"finishedAt"`
}

// run is the mutable state of one chain run, owned by one goroutine.
type run struct {
	o        *Orchestrator
	target   workflow.Target
	observer dispatch.Observer
	cc       *workflow.ChainContext
	sum      *Summary
}

// RunChain executes steps in order against target. Steps are run by their
// Order field; the caller's slice is not modified. The returned error is
// reserved for unusable input; every runtime failure is in the Summary.
//
// Cancelling ctx stops the chain before the next step or node starts;
// adapter calls already in flight finish on their own deadlines.
func (o *Orchestrator) RunChain(ctx context.Context, target workflow.Target, steps []workflow.Step, observer dispatch.Observer) (*Summary, error) {
	if target.ID == "" {
		return nil, fmt.Errorf("run chain: target id is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("run chain: no steps")
	}
	ordered := make([]workflow.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Order == ordered[i-1].Order {
			return nil, fmt.Errorf("run chain: duplicate step order %d", ordered[i].Order)
		}
	}

	r := &run{
		o:        o,
		target:   target,
		observer: observer,
		cc:       workflow.NewChainContext(),
		sum: &Summary{
			RunID:     uuid.NewString(),
			TargetID:  target.ID,
			Status:    workflow.TargetInProgress,
			StartedAt: time.Now(),
		},
	}
	log.Printf("[Chain] run %s: target %s, %d steps", r.sum.RunID, target.ID, len(ordered))
	r.updateTarget(ctx, store.TargetUpdate{RunID: r.sum.RunID, Status: workflow.TargetInProgress})

	for i := range ordered {
		step := &ordered[i]
		if err := ctx.Err(); err != nil {
			r.fail(ctx, step.Order, fmt.Sprintf("step %d: not started: %v", step.Order, err))
			break
		}
		if !r.runStep(ctx, step) {
			break
		}
	}

	if r.sum.Status == workflow.TargetInProgress {
		r.sum.Status = workflow.TargetCompleted
		r.sum.Media = r.cc.PrimaryMedia()
		media := r.sum.Media
		r.updateTarget(ctx, store.TargetUpdate{Status: workflow.TargetCompleted, Media: &media})
	}
	r.sum.Outputs = r.cc.Entries()
	r.sum.FinishedAt = time.Now()

	o.metrics.RecordChain(string(r.sum.Status))
	r.emit(dispatch.Event{Kind: dispatch.EventChainDone, Status: string(r.sum.Status), Message: r.sum.Error})
	log.Printf("[Chain] run %s %s after %s (%d outputs, %d pending, %d warnings)",
		r.sum.RunID, r.sum.Status, r.sum.FinishedAt.Sub(r.sum.StartedAt).Round(time.Millisecond),
		len(r.sum.Outputs), len(r.sum.Pending), len(r.sum.Warnings))
	return r.sum, nil
}

// runStep executes one step. It returns false when the chain must stop.
func (r *run) runStep(ctx context.Context, step *workflow.Step) bool {
	step.Status = workflow.StepPending
	step.Transition(workflow.StepRunning)
	ss := StepSummary{Order: step.Order, Ref: step.Ref, Status: workflow.StepRunning}
	r.emit(dispatch.Event{Kind: dispatch.EventStepStarted, Step: step.Order, Status: string(workflow.StepRunning)})

	graph, err := r.graphFor(ctx, step)
	if err != nil {
		return r.stepFailed(ctx, step, ss, "", fmt.Sprintf("step %d: %v", step.Order, err))
	}

	res, err := r.o.runner.Execute(ctx, dispatch.Request{
		Graph:    graph,
		Step:     step.Order,
		Context:  r.cc,
		Target:   r.target,
		Binding:  step.Binding,
		Observer: r.observer,
	})
	if err != nil {
		return r.stepFailed(ctx, step, ss, "", fmt.Sprintf("step %d: %v", step.Order, err))
	}

	step.Outputs = res.Results
	ss.Results = res.Results
	ss.Terminal = res.Plan.Terminal
	merged := r.cc.Append(step.Order, res.TerminalOutputs())
	for _, p := range res.Pending {
		r.sum.Pending = append(r.sum.Pending, PendingJob{
			Step: step.Order, NodeID: p.NodeID, Capability: p.Capability, ExternalID: p.ExternalID, DashboardURL: p.DashboardURL,
		})
	}

	switch {
	case res.Failed != nil:
		return r.stepFailed(ctx, step, ss, res.Failed.NodeID,
			fmt.Sprintf("step %d (node %s): %s", step.Order, res.Failed.NodeID, failureText(*res.Failed)))
	case res.Stopped:
		return r.stepFailed(ctx, step, ss, "", fmt.Sprintf("step %d: stopped: %v", step.Order, context.Cause(ctx)))
	}

	step.Transition(workflow.StepCompleted)
	ss.Status = workflow.StepCompleted
	r.saveStep(ctx, step, "")
	r.sum.Steps = append(r.sum.Steps, ss)
	r.o.metrics.RecordStep(string(workflow.StepCompleted))
	r.emit(dispatch.Event{Kind: dispatch.EventStepFinished, Step: step.Order, Status: string(workflow.StepCompleted)})
	log.Printf("[Chain] step %d completed: %d terminal output(s) merged", step.Order, merged)
	return true
}

func (r *run) graphFor(ctx context.Context, step *workflow.Step) (*workflow.Graph, error) {
	if len(step.Graph.Nodes) > 0 {
		return &step.Graph, nil
	}
	if step.Ref == "" {
		return nil, fmt.Errorf("no graph and no ref")
	}
	if r.o.store == nil {
		return nil, fmt.Errorf("graph ref %q: no store configured", step.Ref)
	}
	g, err := r.o.store.LoadGraph(ctx, step.Ref)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	return g, nil
}

func (r *run) stepFailed(ctx context.Context, step *workflow.Step, ss StepSummary, nodeID, msg string) bool {
	step.Transition(workflow.StepFailed)
	ss.Status = workflow.StepFailed
	ss.Error = msg
	ss.FailedNode = nodeID
	r.saveStep(ctx, step, msg)
	r.sum.Steps = append(r.sum.Steps, ss)
	r.o.metrics.RecordStep(string(workflow.StepFailed))
	r.emit(dispatch.Event{Kind: dispatch.EventStepFinished, Step: step.Order, NodeID: nodeID, Status: string(workflow.StepFailed), Message: msg})
	r.fail(ctx, step.Order, msg)
	return false
}

// fail marks the chain and target failed. Steps after order never start.
func (r *run) fail(ctx context.Context, order int, msg string) {
	r.sum.Status = workflow.TargetFailed
	r.sum.Error = msg
	r.sum.FailedStep = order
	log.Printf("[Chain] run %s failed: %s", r.sum.RunID, msg)
	r.updateTarget(ctx, store.TargetUpdate{Status: workflow.TargetFailed, Message: msg})
}

// saveStep and updateTarget run on a context detached from cancellation so a
// stop request still leaves the target's record consistent.
func (r *run) saveStep(ctx context.Context, step *workflow.Step, errMsg string) {
	if r.o.store == nil {
		return
	}
	err := r.o.store.SaveStepResult(context.WithoutCancel(ctx), store.StepRecord{
		TargetID: r.target.ID,
		RunID:    r.sum.RunID,
		Order:    step.Order,
		Status:   step.Status,
		Error:    errMsg,
		Results:  step.Outputs,
	})
	if err != nil {
		r.warn(fmt.Sprintf("step %d: save results: %v", step.Order, err))
	}
}

func (r *run) updateTarget(ctx context.Context, u store.TargetUpdate) {
	if r.o.store == nil {
		return
	}
	if err := r.o.store.UpdateTargetStatus(context.WithoutCancel(ctx), r.target.ID, u); err != nil {
		r.warn(fmt.Sprintf("target %s: set status %s: %v", r.target.ID, u.Status, err))
	}
}

// warn records a bookkeeping failure. It never fails the chain.
func (r *run) warn(msg string) {
	log.Printf("[Chain] Warning: %s", msg)
	r.sum.Warnings = append(r.sum.Warnings, msg)
	r.o.metrics.RecordWarning("store")
	r.emit(dispatch.Event{Kind: dispatch.EventWarning, Message: msg})
}

func (r *run) emit(ev dispatch.Event) {
	if r.observer == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.observer(ev)
}

// failureText prefers the provider's secondary detail when it adds to the
// error message, e.g. a content-policy reason behind a generic 400.
func failureText(res workflow.NodeResult) string {
	msg := res.Error
	if msg == "" {
		msg = string(res.ErrorKind)
	}
	if d, ok := res.ErrorDetail["detail"].(string); ok && d != "" {
		msg = fmt.Sprintf("%s (%s)", msg, d)
	}
	return msg
}
