package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/dispatch"
	"github.com/pocketomega/pocket-studio/internal/poller"
	"github.com/pocketomega/pocket-studio/internal/store"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// fakeAdapter answers by node id and counts invocations.
type fakeAdapter struct {
	tag string
	fn  func(node workflow.Node) (backend.Result, error)

	mu    sync.Mutex
	calls map[string]int
	bound map[string]workflow.Node
}

func (a *fakeAdapter) Capability() string { return a.tag }

func (a *fakeAdapter) Invoke(_ context.Context, node workflow.Node) (backend.Result, error) {
	a.mu.Lock()
	if a.calls == nil {
		a.calls = map[string]int{}
		a.bound = map[string]workflow.Node{}
	}
	a.calls[node.ID]++
	a.bound[node.ID] = node
	a.mu.Unlock()
	return a.fn(node)
}

func (a *fakeAdapter) count(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

// failingStore rejects every write.
type failingStore struct{ *store.MemoryStore }

func (f *failingStore) SaveStepResult(context.Context, store.StepRecord) error {
	return errors.New("disk full")
}

func (f *failingStore) UpdateTargetStatus(context.Context, string, store.TargetUpdate) error {
	return errors.New("connection reset")
}

type fixture struct {
	text  *fakeAdapter
	image *fakeAdapter
	job   *fakeAdapter
	store *store.MemoryStore
	orch  *Orchestrator
}

func newFixture(t *testing.T, p store.Persistence) *fixture {
	t.Helper()
	f := &fixture{
		text: &fakeAdapter{tag: backend.CapText, fn: func(node workflow.Node) (backend.Result, error) {
			return backend.Sync(workflow.TextOutput("text:"+node.ID), nil), nil
		}},
		image: &fakeAdapter{tag: backend.CapImageSync, fn: func(node workflow.Node) (backend.Result, error) {
			if strings.HasPrefix(node.ID, "bad") {
				return backend.Result{}, &backend.InvocationError{Capability: backend.CapImageSync, StatusCode: 400, Message: "request rejected", Detail: "content_policy_violation"}
			}
			return backend.Sync(workflow.ImageOutput("blob:"+node.ID+".png"), nil), nil
		}},
		job: &fakeAdapter{tag: backend.CapVideoAsyncJob, fn: func(node workflow.Node) (backend.Result, error) {
			return backend.Async(&backend.JobHandle{ExternalID: "job-" + node.ID, DashboardURL: "https://dash.example/" + node.ID}, nil), nil
		}},
	}
	reg := backend.NewRegistry()
	reg.Register(f.text)
	reg.Register(f.image)
	reg.Register(f.job)

	pending := pollerFunc(func(h *backend.JobHandle) poller.Outcome {
		return poller.Outcome{Job: workflow.Job{ExternalID: h.ExternalID}, Pending: true, Message: "still running"}
	})
	d := dispatch.New(reg, nil, pending)

	if p == nil {
		f.store = store.NewMemoryStore("")
		p = f.store
	}
	f.orch = New(d, p, nil)
	return f
}

type pollerFunc func(h *backend.JobHandle) poller.Outcome

func (f pollerFunc) Poll(_ context.Context, h *backend.JobHandle) poller.Outcome { return f(h) }

func textStep(order int, ids ...string) workflow.Step {
	s := workflow.Step{Order: order}
	for _, id := range ids {
		s.Graph.Nodes = append(s.Graph.Nodes, workflow.Node{ID: id, Capability: backend.CapText, Config: map[string]any{"prompt": "p"}})
	}
	return s
}

func imageStep(order int, ids ...string) workflow.Step {
	s := workflow.Step{Order: order}
	for _, id := range ids {
		s.Graph.Nodes = append(s.Graph.Nodes, workflow.Node{ID: id, Capability: backend.CapImageSync})
	}
	return s
}

func TestRunChain_PreviousStepFeedsNextStep(t *testing.T) {
	f := newFixture(t, nil)
	target := workflow.Target{ID: "board-1"}
	sum, err := f.orch.RunChain(context.Background(), target, []workflow.Step{textStep(1, "story"), imageStep(2, "still")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != workflow.TargetCompleted || sum.Error != "" {
		t.Fatalf("summary = %+v", sum)
	}
	if got := f.image.bound["still"].Config["prompt"]; got != "text:story" {
		t.Errorf("step 2 prompt = %q", got)
	}
	if sum.Media.Image != "blob:still.png" {
		t.Errorf("media = %+v", sum.Media)
	}
	if len(sum.Outputs) != 2 || sum.Outputs[0].NodeID != "story" || sum.Outputs[1].StepOrder != 2 {
		t.Errorf("outputs = %+v", sum.Outputs)
	}

	rec, err := f.store.GetTarget(context.Background(), "board-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != workflow.TargetCompleted || rec.Media.Image != "blob:still.png" || rec.RunID != sum.RunID {
		t.Errorf("target record = %+v", rec)
	}
	if len(rec.Steps) != 2 || rec.Steps[1].Status != workflow.StepCompleted {
		t.Errorf("step records = %+v", rec.Steps)
	}
}

func TestRunChain_ReusedNodeIDFeedsLatestOutput(t *testing.T) {
	f := newFixture(t, nil)
	var prompts []any
	f.text.fn = func(node workflow.Node) (backend.Result, error) {
		prompts = append(prompts, node.Config["prompt"])
		return backend.Sync(workflow.TextOutput(fmt.Sprintf("out%d", len(prompts))), nil), nil
	}
	steps := []workflow.Step{textStep(1, "gen"), textStep(2, "gen"), textStep(3, "gen")}
	sum, err := f.orch.RunChain(context.Background(), workflow.Target{ID: "b"}, steps, nil)
	if err != nil || sum.Status != workflow.TargetCompleted {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
	want := []any{"p", "p\n\nout1", "p\n\nout2"}
	if fmt.Sprint(prompts) != fmt.Sprint(want) {
		t.Errorf("prompts = %q, want %q", prompts, want)
	}
	if len(sum.Outputs) != 3 {
		t.Fatalf("outputs = %+v", sum.Outputs)
	}
	for i, e := range sum.Outputs {
		if e.StepOrder != i+1 || e.NodeID != "gen" || e.Output.Text != fmt.Sprintf("out%d", i+1) {
			t.Errorf("outputs[%d] = %+v", i, e)
		}
	}
	if len(sum.Warnings) != 0 {
		t.Errorf("warnings = %v", sum.Warnings)
	}
}

func TestRunChain_EmptyStepBreaksPreviousChain(t *testing.T) {
	f := newFixture(t, nil)
	steps := []workflow.Step{
		textStep(1, "a"),
		{Order: 2, Graph: workflow.Graph{Nodes: []workflow.Node{
			{ID: "clip", Capability: backend.CapVideoAsyncJob, Config: map[string]any{"prompt": "pan"}},
		}}},
		textStep(3, "c"),
	}
	sum, err := f.orch.RunChain(context.Background(), workflow.Target{ID: "b"}, steps, nil)
	if err != nil || sum.Status != workflow.TargetCompleted {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
	if len(sum.Pending) != 1 {
		t.Errorf("pending = %+v", sum.Pending)
	}
	if got := f.text.bound["c"].Config["prompt"]; got != "p" {
		t.Errorf("step 3 prompt = %q, want only its own config", got)
	}
}

func TestRunChain_FailureStopsChainAndMergesPartialStep(t *testing.T) {
	f := newFixture(t, nil)
	steps := []workflow.Step{
		textStep(1, "intro"),
		{Order: 2, Graph: workflow.Graph{Nodes: []workflow.Node{
			{ID: "ok2", Capability: backend.CapText, Config: map[string]any{"prompt": "p"}},
			{ID: "bad2", Capability: backend.CapImageSync, Config: map[string]any{"prompt": "p"}},
		}}},
		imageStep(3, "never"),
	}
	sum, err := f.orch.RunChain(context.Background(), workflow.Target{ID: "board-2"}, steps, nil)
	if err != nil {
		t.Fatal(err)
	}

	if sum.Status != workflow.TargetFailed || sum.FailedStep != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	want := "step 2 (node bad2): image-sync: HTTP 400: request rejected (content_policy_violation)"
	if sum.Error != want {
		t.Errorf("error = %q, want %q", sum.Error, want)
	}
	if f.image.count("never") != 0 {
		t.Error("step 3 started after step 2 failed")
	}
	ids := map[string]int{}
	for _, e := range sum.Outputs {
		ids[e.NodeID] = e.StepOrder
	}
	if len(ids) != 2 || ids["intro"] != 1 || ids["ok2"] != 2 {
		t.Errorf("context = %v", ids)
	}
	if len(sum.Steps) != 2 || sum.Steps[1].Status != workflow.StepFailed || sum.Steps[1].FailedNode != "bad2" {
		t.Errorf("steps = %+v", sum.Steps)
	}

	rec, _ := f.store.GetTarget(context.Background(), "board-2")
	if rec.Status != workflow.TargetFailed || rec.Error != want {
		t.Errorf("target record = %+v", rec)
	}
	if len(rec.Steps) != 2 || rec.Steps[1].Error != want || rec.Steps[1].Results["bad2"].ErrorDetail["detail"] != "content_policy_violation" {
		t.Errorf("step records = %+v", rec.Steps)
	}
}

func TestRunChain_TargetFieldBinding(t *testing.T) {
	f := newFixture(t, nil)
	step := imageStep(1, "cover")
	step.Binding = workflow.BindingSpec{Fields: map[string]workflow.Source{"prompt": workflow.ParseSource("target:prompt")}}
	target := workflow.Target{ID: "board-3", Fields: map[string]string{"prompt": "a red fox"}}

	sum, err := f.orch.RunChain(context.Background(), target, []workflow.Step{step}, nil)
	if err != nil || sum.Status != workflow.TargetCompleted {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
	if got := f.image.bound["cover"].Config["prompt"]; got != "a red fox" {
		t.Errorf("prompt = %q", got)
	}
}

func TestRunChain_GraphRefs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.PutGraph(ctx, "intro", &workflow.Graph{Nodes: []workflow.Node{{ID: "A", Capability: backend.CapText, Config: map[string]any{"prompt": "p"}}}})

	sum, _ := f.orch.RunChain(ctx, workflow.Target{ID: "b"}, []workflow.Step{{Order: 1, Ref: "intro"}, {Order: 2, Ref: "missing"}}, nil)
	if sum.Status != workflow.TargetFailed || sum.FailedStep != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if f.text.count("A") != 1 {
		t.Error("ref graph did not run")
	}
	if !strings.Contains(sum.Error, "step 2") || !strings.Contains(sum.Error, "not found") {
		t.Errorf("error = %q", sum.Error)
	}
}

func TestRunChain_PendingJobsReported(t *testing.T) {
	f := newFixture(t, nil)
	step := workflow.Step{Order: 1, Graph: workflow.Graph{Nodes: []workflow.Node{
		{ID: "clip", Capability: backend.CapVideoAsyncJob, Config: map[string]any{"prompt": "pan"}},
	}}}
	sum, err := f.orch.RunChain(context.Background(), workflow.Target{ID: "b"}, []workflow.Step{step}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != workflow.TargetCompleted {
		t.Fatalf("pending job failed the chain: %+v", sum)
	}
	if len(sum.Pending) != 1 || sum.Pending[0].ExternalID != "job-clip" || sum.Pending[0].DashboardURL != "https://dash.example/clip" {
		t.Errorf("pending = %+v", sum.Pending)
	}
}

func TestRunChain_PersistenceErrorsAreWarnings(t *testing.T) {
	f := newFixture(t, &failingStore{MemoryStore: store.NewMemoryStore("")})
	sum, err := f.orch.RunChain(context.Background(), workflow.Target{ID: "b"}, []workflow.Step{textStep(1, "A")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != workflow.TargetCompleted {
		t.Fatalf("bookkeeping failure failed the chain: %+v", sum)
	}
	// in_progress, step save, completed
	if len(sum.Warnings) != 3 {
		t.Errorf("warnings = %v", sum.Warnings)
	}
}

func TestRunChain_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := f.orch.RunChain(ctx, workflow.Target{ID: "b"}, []workflow.Step{textStep(1, "A"), textStep(2, "B")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != workflow.TargetFailed || sum.FailedStep != 1 || f.text.count("A") != 0 {
		t.Errorf("summary = %+v", sum)
	}
	rec, _ := f.store.GetTarget(context.Background(), "b")
	if rec.Status != workflow.TargetFailed {
		t.Errorf("target status = %s", rec.Status)
	}
}

func TestRunChain_RerunExecutesEveryStep(t *testing.T) {
	f := newFixture(t, nil)
	steps := []workflow.Step{textStep(2, "B"), textStep(1, "A")}
	for i := 0; i < 2; i++ {
		if _, err := f.orch.RunChain(context.Background(), workflow.Target{ID: "b"}, steps, nil); err != nil {
			t.Fatal(err)
		}
	}
	if f.text.count("A") != 2 || f.text.count("B") != 2 {
		t.Errorf("calls = %v", f.text.calls)
	}
	if steps[0].Status != "" {
		t.Error("caller's steps were modified")
	}
}

func TestRunChain_InvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.RunChain(context.Background(), workflow.Target{}, []workflow.Step{textStep(1, "A")}, nil); err == nil {
		t.Error("empty target id accepted")
	}
	if _, err := f.orch.RunChain(context.Background(), workflow.Target{ID: "b"}, nil, nil); err == nil {
		t.Error("empty step list accepted")
	}
	if _, err := f.orch.RunChain(context.Background(), workflow.Target{ID: "b"}, []workflow.Step{textStep(1, "A"), textStep(1, "B")}, nil); err == nil {
		t.Error("duplicate order accepted")
	}
}

func TestRunChain_Events(t *testing.T) {
	f := newFixture(t, nil)
	var kinds []string
	_, err := f.orch.RunChain(context.Background(), workflow.Target{ID: "b"}, []workflow.Step{textStep(1, "A")}, func(ev dispatch.Event) {
		kinds = append(kinds, string(ev.Kind))
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "step_started,node_started,node_finished,step_finished,chain_finished"
	if got := strings.Join(kinds, ","); got != want {
		t.Errorf("events = %s", got)
	}
}
