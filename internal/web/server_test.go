package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/blob"
	"github.com/pocketomega/pocket-studio/internal/chain"
	"github.com/pocketomega/pocket-studio/internal/dispatch"
	"github.com/pocketomega/pocket-studio/internal/metrics"
	"github.com/pocketomega/pocket-studio/internal/poller"
	"github.com/pocketomega/pocket-studio/internal/store"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// stubAdapter answers every node with fn.
type stubAdapter struct {
	tag string
	fn  func(node workflow.Node) (backend.Result, error)
}

func (a *stubAdapter) Capability() string { return a.tag }
func (a *stubAdapter) Invoke(_ context.Context, node workflow.Node) (backend.Result, error) {
	return a.fn(node)
}

// stubJobs is an async adapter whose status endpoint is scripted.
type stubJobs struct {
	mu     sync.Mutex
	status string
}

func (s *stubJobs) Capability() string { return backend.CapVideoAsyncJob }
func (s *stubJobs) Invoke(context.Context, workflow.Node) (backend.Result, error) {
	return backend.Async(s.Handle("job-1"), nil), nil
}
func (s *stubJobs) Handle(id string) *backend.JobHandle {
	v := backend.DefaultVocabulary()
	v.ResultKeys = []string{"url"}
	return &backend.JobHandle{
		ExternalID: id,
		Candidates: []string{"https://jobs.example/" + id},
		OutputKind: workflow.OutputVideo,
		Vocabulary: v,
		Probe:      s,
	}
}
func (s *stubJobs) FetchStatus(context.Context, string) (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return http.StatusOK, []byte(s.status), nil
}

type testEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
	jobs  *stubJobs
	blobs *blob.LocalStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := backend.NewRegistry()
	reg.Register(&stubAdapter{tag: backend.CapText, fn: func(node workflow.Node) (backend.Result, error) {
		return backend.Sync(workflow.TextOutput("text:"+node.ID), nil), nil
	}})
	reg.Register(&stubAdapter{tag: backend.CapImageSync, fn: func(node workflow.Node) (backend.Result, error) {
		if node.ID == "bad" {
			return backend.Result{}, &backend.InvocationError{Capability: backend.CapImageSync, StatusCode: 400, Message: "rejected"}
		}
		return backend.Sync(workflow.ImageOutput("blob:"+node.ID+".png"), nil), nil
	}})
	jobs := &stubJobs{status: `{"status":"running"}`}
	reg.Register(jobs)

	m := metrics.NewRegistry()
	p := poller.New(poller.Config{WarmUp: time.Millisecond, Interval: time.Millisecond, Deadline: 50 * time.Millisecond, LogEvery: 5}, m)
	d := dispatch.New(reg, nil, p, dispatch.WithMetrics(m))
	st := store.NewMemoryStore("")
	blobDir := t.TempDir()
	blobs, err := blob.NewLocalStore(blobDir, "http://media.example/blobs")
	if err != nil {
		t.Fatal(err)
	}

	runs := NewRunHandler(RunHandlerOptions{
		Graphs:   d,
		Chains:   chain.New(d, st, m),
		Store:    st,
		Blobs:    blobs,
		Registry: reg,
		Poller:   p,
	})
	health := NewHealthHandler(HealthInfo{Capabilities: reg.Capabilities, StoreKind: "memory", BlobKind: "local"})
	s, err := NewServer(ServerOptions{Runs: runs, Health: health, Metrics: m, BlobDir: blobDir})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, jobs: jobs, blobs: blobs}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

const foxGraphJSON = `{"name":"fox","nodes":[
	{"id":"A","capability":"text","config":{"prompt":"a red fox"}},
	{"id":"B","capability":"image-sync"}
],"edges":[{"source":"A","target":"B"}]}`

func TestRunGraph_Inline(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/graphs/run", `{"graph":`+foxGraphJSON+`}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got dispatch.RunReport
	decode(t, resp, &got)
	if !got.OK || len(got.Order) != 2 || got.Order[0] != "A" {
		t.Fatalf("response = %+v", got)
	}
	if got.Results["B"].RequestSnapshot == nil {
		t.Error("result should carry its request snapshot")
	}
	if got.Results["B"].Output.ImageRef != "blob:B.png" {
		t.Errorf("B output = %+v", got.Results["B"].Output)
	}
}

func TestRunGraph_ByRefAfterPut(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.do(t, http.MethodPut, "/api/graphs/fox", foxGraphJSON); resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	resp := env.do(t, http.MethodPost, "/api/graphs/run", `{"ref":"fox"}`)
	var got dispatch.RunReport
	decode(t, resp, &got)
	if !got.OK || len(got.Results) != 2 {
		t.Errorf("response = %+v", got)
	}

	if resp := env.do(t, http.MethodPost, "/api/graphs/run", `{"ref":"missing"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing ref status = %d", resp.StatusCode)
	}
}

func TestRunGraph_BadInput(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name, body string
		want       int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"empty", `{}`, http.StatusBadRequest},
		{"cycle", `{"graph":{"nodes":[{"id":"A","capability":"text"},{"id":"B","capability":"text"}],"edges":[{"source":"A","target":"B"},{"source":"B","target":"A"}]}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := env.do(t, http.MethodPost, "/api/graphs/run", tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if resp := env.do(t, http.MethodGet, "/api/graphs/run", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", resp.StatusCode)
	}
}

const chainJSON = `{"target":{"id":"board-1","fields":{"prompt":"a fox in the snow"}},"steps":[
	{"order":1,"graph":{"nodes":[{"id":"story","capability":"text"}]},"binding":{"fields":{"prompt":"target:prompt"}}},
	{"order":2,"graph":{"nodes":[{"id":"still","capability":"image-sync"}]}}
]}`

func TestRunChain_JSONAndTargetLookup(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/chains/run", chainJSON)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var sum chain.Summary
	decode(t, resp, &sum)
	if sum.Status != workflow.TargetCompleted || len(sum.Steps) != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Media.Image != "blob:still.png" {
		t.Errorf("media = %+v", sum.Media)
	}

	// The stub image adapter names blobs without writing them.
	if err := os.WriteFile(filepath.Join(env.blobs.Dir(), "still.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp = env.do(t, http.MethodGet, "/api/targets/board-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("target status = %d", resp.StatusCode)
	}
	var tr struct {
		Status    workflow.TargetStatus `json:"status"`
		Steps     []store.StepRecord    `json:"steps"`
		MediaURLs workflow.Media        `json:"mediaUrls"`
	}
	decode(t, resp, &tr)
	if tr.Status != workflow.TargetCompleted || len(tr.Steps) != 2 {
		t.Errorf("target = %+v", tr)
	}
	if tr.MediaURLs.Image != "http://media.example/blobs/still.png" {
		t.Errorf("media url = %q", tr.MediaURLs.Image)
	}

	if resp := env.do(t, http.MethodGet, "/api/targets/nobody", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown target status = %d", resp.StatusCode)
	}
}

func TestRunChain_FailureIsReportedNotErrored(t *testing.T) {
	env := newTestEnv(t)
	doc := `{"target":{"id":"board-2"},"steps":[
		{"order":1,"graph":{"nodes":[{"id":"bad","capability":"image-sync","config":{"prompt":"x"}}]}},
		{"order":2,"graph":{"nodes":[{"id":"never","capability":"text","config":{"prompt":"y"}}]}}
	]}`
	resp := env.do(t, http.MethodPost, "/api/chains/run", doc)
	var sum chain.Summary
	decode(t, resp, &sum)
	if sum.Status != workflow.TargetFailed || sum.FailedStep != 1 || len(sum.Steps) != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if !strings.Contains(sum.Error, "node bad") {
		t.Errorf("error = %q", sum.Error)
	}
}

func TestRunChain_StreamsProgress(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/chains/run?stream=1", chainJSON)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var events []string
	var last string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			last = data
		}
	}
	if len(events) < 2 || events[0] != sseEventProgress || events[len(events)-1] != sseEventDone {
		t.Fatalf("events = %v", events)
	}
	var sum chain.Summary
	if err := json.Unmarshal([]byte(last), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Status != workflow.TargetCompleted {
		t.Errorf("summary status = %s", sum.Status)
	}
}

func TestRunChain_InvalidDocument(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.do(t, http.MethodPost, "/api/chains/run", `{"target":{"id":""},"steps":[]}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCheckJob(t *testing.T) {
	env := newTestEnv(t)

	var got jobCheckResponse
	decode(t, env.do(t, http.MethodGet, "/api/jobs/video-async-job/job-3", ""), &got)
	if got.Status != "pending" || got.Job.ExternalID != "job-3" {
		t.Errorf("first check = %+v", got)
	}

	env.jobs.mu.Lock()
	env.jobs.status = `{"status":"completed","url":"https://cdn.example/clip.mp4"}`
	env.jobs.mu.Unlock()
	got = jobCheckResponse{}
	decode(t, env.do(t, http.MethodGet, "/api/jobs/video-async-job/job-3", ""), &got)
	if got.Status != "completed" || got.Output == nil || got.Output.VideoRef != "https://cdn.example/clip.mp4" {
		t.Errorf("second check = %+v", got)
	}

	if resp := env.do(t, http.MethodGet, "/api/jobs/nope/job-3", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown capability status = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/jobs/text/job-3", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("sync capability status = %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	var h healthResponse
	decode(t, env.do(t, http.MethodGet, "/api/health", ""), &h)
	if h.Status != "ok" || len(h.Components.Backends.Capabilities) != 3 || h.Components.Store.Kind != "memory" {
		t.Errorf("health = %+v", h)
	}

	env.do(t, http.MethodPost, "/api/graphs/run", `{"graph":`+foxGraphJSON+`}`)
	resp := env.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	var sb strings.Builder
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		sb.WriteString(sc.Text())
		sb.WriteByte('\n')
	}
	if !strings.Contains(sb.String(), "studio_") {
		t.Error("metrics output has no studio_ series")
	}
}

func TestHealth_DegradedStore(t *testing.T) {
	h := NewHealthHandler(HealthInfo{
		Capabilities: func() []string { return []string{"text"} },
		StoreKind:    "postgres",
		StorePing:    func(context.Context) error { return os.ErrDeadlineExceeded },
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	var got healthResponse
	json.NewDecoder(w.Body).Decode(&got)
	if got.Status != "degraded" || got.Components.Store.Status != "degraded" {
		t.Errorf("health = %+v", got)
	}
}

func TestBlobFileServer(t *testing.T) {
	env := newTestEnv(t)
	ref, err := env.blobs.Put(context.Background(), []byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	name := strings.TrimPrefix(ref, "blob:")
	if _, err := os.Stat(filepath.Join(env.blobs.Dir(), name)); err != nil {
		t.Fatal(err)
	}
	resp := env.do(t, http.MethodGet, "/blobs/"+name, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("blob status = %d", resp.StatusCode)
	}
}
