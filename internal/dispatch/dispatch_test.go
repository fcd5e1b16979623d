package dispatch

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/poller"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// ── Test doubles ──

type invokeFunc func(ctx context.Context, node workflow.Node) (backend.Result, error)

// scriptedAdapter serves one capability and records every node it sees.
type scriptedAdapter struct {
	tag string
	fn  invokeFunc

	mu    sync.Mutex
	seen  []workflow.Node
	calls map[string]int
}

func (a *scriptedAdapter) Capability() string { return a.tag }

func (a *scriptedAdapter) Invoke(ctx context.Context, node workflow.Node) (backend.Result, error) {
	a.mu.Lock()
	if a.calls == nil {
		a.calls = map[string]int{}
	}
	a.calls[node.ID]++
	a.seen = append(a.seen, node)
	a.mu.Unlock()
	return a.fn(ctx, node)
}

func (a *scriptedAdapter) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n
}

func (a *scriptedAdapter) boundFor(id string) workflow.Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.seen {
		if n.ID == id {
			return n
		}
	}
	return workflow.Node{}
}

type pollFunc func(h *backend.JobHandle) poller.Outcome

func (f pollFunc) Poll(_ context.Context, h *backend.JobHandle) poller.Outcome { return f(h) }

func echoText(text string) invokeFunc {
	return func(context.Context, workflow.Node) (backend.Result, error) {
		return backend.Sync(workflow.TextOutput(text), nil), nil
	}
}

func imageFromPrompt(_ context.Context, node workflow.Node) (backend.Result, error) {
	return backend.Sync(workflow.ImageOutput("blob:"+backend.String(node.Config, "prompt")+".png"), map[string]any{"model": "img"}), nil
}

func failWith(err error) invokeFunc {
	return func(context.Context, workflow.Node) (backend.Result, error) { return backend.Result{}, err }
}

func newRegistry(adapters ...backend.Adapter) *backend.Registry {
	reg := backend.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	return reg
}

func textNode(id, prompt string) workflow.Node {
	return workflow.Node{ID: id, Capability: backend.CapText, Config: map[string]any{"prompt": prompt}}
}

// ── Tests ──

func TestRunGraph_CycleRejectedBeforeAnyCall(t *testing.T) {
	text := &scriptedAdapter{tag: backend.CapText, fn: echoText("x")}
	d := New(newRegistry(text), nil, nil)

	g := &workflow.Graph{
		Nodes: []workflow.Node{textNode("A", "a"), textNode("B", "b"), textNode("C", "c")},
		Edges: []workflow.Edge{{Source: "A", Target: "B"}, {Source: "B", Target: "C"}, {Source: "C", Target: "B"}},
	}
	run, err := d.RunGraph(context.Background(), g)
	if !errors.Is(err, workflow.ErrCycle) || run != nil {
		t.Fatalf("expected ErrCycle, got run=%v err=%v", run, err)
	}
	if text.total() != 0 {
		t.Errorf("adapter invoked %d times for a cyclic graph", text.total())
	}
}

func TestRunGraph_DanglingEdgeRejected(t *testing.T) {
	text := &scriptedAdapter{tag: backend.CapText, fn: echoText("x")}
	d := New(newRegistry(text), nil, nil)
	g := &workflow.Graph{Nodes: []workflow.Node{textNode("A", "a")}, Edges: []workflow.Edge{{Source: "A", Target: "ghost"}}}
	if _, err := d.RunGraph(context.Background(), g); !errors.Is(err, workflow.ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
	if text.total() != 0 {
		t.Error("adapter invoked for an invalid graph")
	}
}

func TestRunGraph_TextFeedsImagePrompt(t *testing.T) {
	text := &scriptedAdapter{tag: backend.CapText, fn: echoText("a red fox")}
	image := &scriptedAdapter{tag: backend.CapImageSync, fn: imageFromPrompt}
	d := New(newRegistry(text, image), nil, nil)

	g := &workflow.Graph{
		Nodes: []workflow.Node{
			textNode("A", "Describe an animal in three words"),
			{ID: "B", Capability: backend.CapImageSync},
		},
		Edges: []workflow.Edge{{Source: "A", Target: "B"}},
	}
	run, err := d.RunGraph(context.Background(), g)
	if err != nil {
		t.Fatalf("RunGraph: %v", err)
	}
	if !run.OK() {
		t.Fatalf("run failed: %+v", run.Failed)
	}
	if !run.Results["A"].Success {
		t.Error("A should succeed")
	}
	b := run.Results["B"]
	if b.Output == nil || b.Output.ImageRef == "" {
		t.Fatalf("B output = %+v", b.Output)
	}
	if got := image.boundFor("B").Config["prompt"]; got != "a red fox" {
		t.Errorf("B bound prompt = %q", got)
	}
	cfg, _ := b.RequestSnapshot["config"].(map[string]any)
	if cfg["prompt"] != "a red fox" {
		t.Errorf("snapshot = %v", b.RequestSnapshot)
	}
	if prov, _ := b.RequestSnapshot["provider"].(map[string]any); prov["model"] != "img" {
		t.Errorf("provider snapshot = %v", b.RequestSnapshot)
	}
	if len(run.Plan.Terminal) != 1 || run.Plan.Terminal[0] != "B" {
		t.Errorf("terminal = %v", run.Plan.Terminal)
	}
	if outs := run.TerminalOutputs(); len(outs) != 1 || outs["B"] == nil {
		t.Errorf("terminal outputs = %v", outs)
	}
}

func TestRunGraph_EachNodeVisitedOnce(t *testing.T) {
	for _, conc := range []int{1, 4} {
		text := &scriptedAdapter{tag: backend.CapText, fn: echoText("t")}
		d := New(newRegistry(text), nil, nil, WithConcurrency(conc))
		g := &workflow.Graph{
			Nodes: []workflow.Node{textNode("root", "r"), textNode("left", "l"), textNode("right", "r"), textNode("join", "j")},
			Edges: []workflow.Edge{
				{Source: "root", Target: "left"}, {Source: "root", Target: "right"},
				{Source: "left", Target: "join"}, {Source: "right", Target: "join"},
				{Source: "left", Target: "join"},
			},
		}
		run, err := d.RunGraph(context.Background(), g)
		if err != nil {
			t.Fatalf("concurrency %d: %v", conc, err)
		}
		if len(run.Results) != 4 {
			t.Errorf("concurrency %d: %d results", conc, len(run.Results))
		}
		for id, n := range text.calls {
			if n != 1 {
				t.Errorf("concurrency %d: node %s invoked %d times", conc, id, n)
			}
		}
		// join binds after both branches: its prompt accumulates both texts.
		if got := text.boundFor("join").Config["prompt"]; got != "j\n\nt\n\nt" {
			t.Errorf("concurrency %d: join prompt = %q", conc, got)
		}
	}
}

func TestRunGraph_FailFastKeepsCompletedResults(t *testing.T) {
	text := &scriptedAdapter{tag: backend.CapText, fn: echoText("ok")}
	broken := &scriptedAdapter{tag: backend.CapImageSync, fn: failWith(&backend.InvocationError{
		Capability: backend.CapImageSync, StatusCode: 400, Message: "Your request was rejected", Detail: "content_policy_violation",
	})}
	d := New(newRegistry(text, broken), nil, nil)

	g := &workflow.Graph{Nodes: []workflow.Node{
		textNode("A", "a"),
		{ID: "B", Capability: backend.CapImageSync, Config: map[string]any{"prompt": "p"}},
		textNode("C", "c"),
	}}
	run, err := d.RunGraph(context.Background(), g)
	if err != nil {
		t.Fatalf("RunGraph: %v", err)
	}
	if run.Failed == nil || run.Failed.NodeID != "B" {
		t.Fatalf("Failed = %+v", run.Failed)
	}
	if run.Failed.ErrorKind != workflow.ErrKindInvocation || run.Failed.ErrorDetail["detail"] != "content_policy_violation" {
		t.Errorf("failure = %+v", run.Failed)
	}
	if _, ok := run.Results["A"]; !ok {
		t.Error("A's completed result was dropped")
	}
	if _, ok := run.Results["C"]; ok || text.calls["C"] != 0 {
		t.Error("C ran after B failed")
	}
}

func TestRunGraph_FailFastAcrossWaves(t *testing.T) {
	text := &scriptedAdapter{tag: backend.CapText, fn: echoText("ok")}
	broken := &scriptedAdapter{tag: backend.CapImageSync, fn: failWith(errors.New("boom"))}
	d := New(newRegistry(text, broken), nil, nil, WithConcurrency(3))

	g := &workflow.Graph{
		Nodes: []workflow.Node{
			textNode("A", "a"),
			{ID: "B", Capability: backend.CapImageSync, Config: map[string]any{"prompt": "p"}},
			textNode("C", "c"),
		},
		Edges: []workflow.Edge{{Source: "A", Target: "C"}, {Source: "B", Target: "C"}},
	}
	run, err := d.RunGraph(context.Background(), g)
	if err != nil {
		t.Fatalf("RunGraph: %v", err)
	}
	if run.Failed == nil || run.Failed.NodeID != "B" || run.Failed.Error != "boom" {
		t.Fatalf("Failed = %+v", run.Failed)
	}
	if a, ok := run.Results["A"]; ok && !a.Success {
		t.Errorf("A = %+v", a)
	}
	if text.calls["C"] != 0 {
		t.Error("C started after its wave predecessor failed")
	}
}

func TestRunGraph_AsyncNodePolled(t *testing.T) {
	job := &scriptedAdapter{tag: backend.CapImageAsyncJob, fn: func(context.Context, workflow.Node) (backend.Result, error) {
		return backend.Async(&backend.JobHandle{ExternalID: "job-1", DashboardURL: "https://dash.example/job-1"}, map[string]any{"provider": "fake"}), nil
	}}
	var polled []string
	p := pollFunc(func(h *backend.JobHandle) poller.Outcome {
		polled = append(polled, h.ExternalID)
		return poller.Outcome{Job: workflow.Job{ExternalID: h.ExternalID, Status: workflow.JobCompleted}, Output: workflow.ImageOutput("https://cdn.example/raw.png")}
	})
	d := New(newRegistry(job), nil, p)

	run, err := d.RunGraph(context.Background(), &workflow.Graph{Nodes: []workflow.Node{
		{ID: "J", Capability: backend.CapImageAsyncJob, Config: map[string]any{"prompt": "fox"}},
	}})
	if err != nil {
		t.Fatalf("RunGraph: %v", err)
	}
	res := run.Results["J"]
	if !res.Success || res.Output.ImageRef != "https://cdn.example/raw.png" {
		t.Fatalf("result = %+v", res)
	}
	if res.ExternalID != "job-1" || res.DashboardURL != "https://dash.example/job-1" {
		t.Errorf("job fields = %q %q", res.ExternalID, res.DashboardURL)
	}
	if len(polled) != 1 {
		t.Errorf("polled = %v", polled)
	}
}

func TestRunGraph_PendingIsNotFatal(t *testing.T) {
	job := &scriptedAdapter{tag: backend.CapImageAsyncJob, fn: func(context.Context, workflow.Node) (backend.Result, error) {
		return backend.Async(&backend.JobHandle{ExternalID: "slow-1"}, nil), nil
	}}
	text := &scriptedAdapter{tag: backend.CapText, fn: echoText("still here")}
	image := &scriptedAdapter{tag: backend.CapImageSync, fn: imageFromPrompt}
	p := pollFunc(func(h *backend.JobHandle) poller.Outcome {
		return poller.Outcome{Job: workflow.Job{ExternalID: h.ExternalID, Status: workflow.JobUnknown}, Pending: true, Message: "still running"}
	})
	d := New(newRegistry(job, text, image), nil, p)

	g := &workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "slow", Capability: backend.CapImageAsyncJob, Config: map[string]any{"prompt": "p"}},
			textNode("other", "o"),
		},
	}
	run, err := d.RunGraph(context.Background(), g)
	if err != nil {
		t.Fatalf("RunGraph: %v", err)
	}
	if run.Failed != nil {
		t.Fatalf("pending job treated as failure: %+v", run.Failed)
	}
	if len(run.Pending) != 1 || run.Pending[0].ExternalID != "slow-1" || run.Pending[0].ErrorKind != workflow.ErrKindPending {
		t.Errorf("pending = %+v", run.Pending)
	}
	if !run.Results["other"].Success {
		t.Error("independent node should still run")
	}
}

func TestRunGraph_RequiredInputFromPendingNode(t *testing.T) {
	job := &scriptedAdapter{tag: backend.CapVideoAsyncJob, fn: func(context.Context, workflow.Node) (backend.Result, error) {
		return backend.Async(&backend.JobHandle{ExternalID: "v1"}, nil), nil
	}}
	image := &scriptedAdapter{tag: backend.CapImageSync, fn: imageFromPrompt}
	p := pollFunc(func(h *backend.JobHandle) poller.Outcome {
		return poller.Outcome{Job: workflow.Job{ExternalID: h.ExternalID}, Pending: true}
	})
	d := New(newRegistry(job, image), nil, p)

	g := &workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "V", Capability: backend.CapVideoAsyncJob, Config: map[string]any{"prompt": "p"}},
			{ID: "I", Capability: backend.CapImageSync},
		},
		Edges: []workflow.Edge{{Source: "V", Target: "I"}},
	}
	run, err := d.RunGraph(context.Background(), g)
	if err != nil {
		t.Fatalf("RunGraph: %v", err)
	}
	if run.Failed == nil || run.Failed.NodeID != "I" || run.Failed.ErrorKind != workflow.ErrKindMissingInput {
		t.Fatalf("Failed = %+v", run.Failed)
	}
	if image.total() != 0 {
		t.Error("adapter invoked despite a missing required field")
	}
	if up, _ := run.Failed.ErrorDetail["upstream"].([]string); len(up) != 1 || up[0] != "V (pending)" {
		t.Errorf("detail = %v", run.Failed.ErrorDetail)
	}
}

func TestRunGraph_UnknownCapability(t *testing.T) {
	d := New(newRegistry(), nil, nil)
	run, err := d.RunGraph(context.Background(), &workflow.Graph{Nodes: []workflow.Node{
		{ID: "X", Capability: "hologram", Config: map[string]any{"prompt": "p"}},
	}})
	if err != nil {
		t.Fatalf("RunGraph: %v", err)
	}
	if run.Failed == nil || run.Failed.ErrorKind != workflow.ErrKindInvocation {
		t.Fatalf("Failed = %+v", run.Failed)
	}
}

func TestRunGraph_Idempotent(t *testing.T) {
	image := &scriptedAdapter{tag: backend.CapImageSync, fn: imageFromPrompt}
	d := New(newRegistry(image), nil, nil)
	g := &workflow.Graph{Nodes: []workflow.Node{{ID: "B", Capability: backend.CapImageSync, Config: map[string]any{"prompt": "fox"}}}}

	first, err := d.RunGraph(context.Background(), g)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.RunGraph(context.Background(), g)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.Results["B"].Output, second.Results["B"].Output) {
		t.Errorf("outputs differ: %+v vs %+v", first.Results["B"].Output, second.Results["B"].Output)
	}
	if g.Nodes[0].Config["prompt"] != "fox" {
		t.Error("graph node config was mutated")
	}
}

func TestRunGraph_CancelStopsNewNodesButNotInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inFlightErr error
	first := &scriptedAdapter{tag: backend.CapText, fn: func(callCtx context.Context, node workflow.Node) (backend.Result, error) {
		cancel()
		inFlightErr = callCtx.Err()
		return backend.Sync(workflow.TextOutput("done"), nil), nil
	}}
	d := New(newRegistry(first), nil, nil)

	g := &workflow.Graph{Nodes: []workflow.Node{textNode("A", "a"), textNode("B", "b")}}
	run, err := d.RunGraph(ctx, g)
	if err != nil {
		t.Fatalf("RunGraph: %v", err)
	}
	if inFlightErr != nil {
		t.Errorf("in-flight call saw cancellation: %v", inFlightErr)
	}
	if !run.Results["A"].Success {
		t.Error("in-flight node should finish")
	}
	if _, ok := run.Results["B"]; ok {
		t.Error("B started after cancellation")
	}
	if !run.Stopped || run.OK() {
		t.Errorf("Stopped=%v OK=%v", run.Stopped, run.OK())
	}
}

func TestRunGraph_ObserverEvents(t *testing.T) {
	text := &scriptedAdapter{tag: backend.CapText, fn: echoText("t")}
	d := New(newRegistry(text), nil, nil)
	var kinds []string
	_, err := d.Execute(context.Background(), Request{
		Graph: &workflow.Graph{Nodes: []workflow.Node{textNode("A", "a"), textNode("B", "b")}},
		Step:  2,
		Observer: func(ev Event) {
			if ev.Step != 2 {
				t.Errorf("event step = %d", ev.Step)
			}
			kinds = append(kinds, string(ev.Kind)+":"+ev.NodeID)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"node_started:A", "node_finished:A", "node_started:B", "node_finished:B"}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v", kinds)
		}
	}
}
