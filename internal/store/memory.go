package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// graphExtensions are tried in order when resolving a ref against GraphDir.
var graphExtensions = []string{".yaml", ".yml", ".json"}

// MemoryStore keeps everything in process memory. Graph refs not registered
// with PutGraph are resolved as workflow files under an optional directory.
// NOT designed for multi-replica deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	graphDir string
	graphs   map[string]*workflow.Graph
	targets  map[string]*TargetRecord
	steps    map[string]map[string][]StepRecord // target → run → steps
}

// NewMemoryStore creates an empty store. graphDir may be empty.
func NewMemoryStore(graphDir string) *MemoryStore {
	return &MemoryStore{
		graphDir: graphDir,
		graphs:   make(map[string]*workflow.Graph),
		targets:  make(map[string]*TargetRecord),
		steps:    make(map[string]map[string][]StepRecord),
	}
}

// PutGraph registers a graph under ref.
func (s *MemoryStore) PutGraph(_ context.Context, ref string, g *workflow.Graph) error {
	if ref == "" || g == nil {
		return fmt.Errorf("put graph: ref and graph are required")
	}
	cp := cloneGraph(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[ref] = cp
	return nil
}

// LoadGraph returns a copy of the graph registered under ref, or loads
// <graphDir>/<ref>.{yaml,yml,json}.
func (s *MemoryStore) LoadGraph(_ context.Context, ref string) (*workflow.Graph, error) {
	s.mu.RLock()
	g, ok := s.graphs[ref]
	s.mu.RUnlock()
	if ok {
		return cloneGraph(g), nil
	}
	if s.graphDir == "" || ref != filepath.Base(ref) {
		return nil, fmt.Errorf("graph %q: %w", ref, ErrNotFound)
	}
	for _, ext := range graphExtensions {
		path := filepath.Join(s.graphDir, ref+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return workflow.LoadGraphFile(path)
	}
	return nil, fmt.Errorf("graph %q: %w", ref, ErrNotFound)
}

// SaveStepResult records one step of one run. Saving the same order twice
// within a run replaces the earlier record.
func (s *MemoryStore) SaveStepResult(_ context.Context, rec StepRecord) error {
	if rec.TargetID == "" {
		return fmt.Errorf("save step result: target id is required")
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	rec.Results = cloneResults(rec.Results)

	s.mu.Lock()
	defer s.mu.Unlock()
	runs, ok := s.steps[rec.TargetID]
	if !ok {
		runs = make(map[string][]StepRecord)
		s.steps[rec.TargetID] = runs
	}
	list := runs[rec.RunID]
	for i := range list {
		if list[i].Order == rec.Order {
			list[i] = rec
			return nil
		}
	}
	runs[rec.RunID] = append(list, rec)
	return nil
}

// UpdateTargetStatus creates the target on first use.
func (s *MemoryStore) UpdateTargetStatus(_ context.Context, targetID string, u TargetUpdate) error {
	if targetID == "" {
		return fmt.Errorf("update target: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		t = &TargetRecord{ID: targetID}
		s.targets[targetID] = t
	}
	t.Status = u.Status
	t.Error = u.Message
	if u.RunID != "" {
		t.RunID = u.RunID
	}
	if u.Media != nil {
		t.Media = *u.Media
	}
	t.UpdatedAt = time.Now()
	log.Printf("[Store] target %s → %s", targetID, u.Status)
	return nil
}

// GetTarget returns the target and the steps of its latest run, by order.
func (s *MemoryStore) GetTarget(_ context.Context, targetID string) (*TargetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[targetID]
	if !ok {
		return nil, fmt.Errorf("target %q: %w", targetID, ErrNotFound)
	}
	cp := *t
	steps := s.steps[targetID][t.RunID]
	cp.Steps = make([]StepRecord, len(steps))
	copy(cp.Steps, steps)
	sort.Slice(cp.Steps, func(i, j int) bool { return cp.Steps[i].Order < cp.Steps[j].Order })
	return &cp, nil
}

func cloneGraph(g *workflow.Graph) *workflow.Graph {
	cp := &workflow.Graph{Name: g.Name, Nodes: make([]workflow.Node, len(g.Nodes)), Edges: append([]workflow.Edge(nil), g.Edges...)}
	for i, n := range g.Nodes {
		cp.Nodes[i] = n.Clone()
	}
	return cp
}

func cloneResults(in map[workflow.NodeID]workflow.NodeResult) map[workflow.NodeID]workflow.NodeResult {
	out := make(map[workflow.NodeID]workflow.NodeResult, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
